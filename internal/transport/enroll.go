package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Enroller submits certificate signing requests to the collector's
// enrollment endpoint. The contract is success/failure only.
type Enroller interface {
	SubmitCSR(ctx context.Context, csr []byte) error
}

// HTTPEnroller performs the enrollment PUT over plain HTTPS: the
// agent has no client certificate yet at this point, only the CA
// root to verify the server.
type HTTPEnroller struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEnroller(baseURL string, tlsCfg *tls.Config) *HTTPEnroller {
	return &HTTPEnroller{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}
}

// SubmitCSR PUTs the raw CSR bytes to /csr. No retry here; the caller
// owns the retry policy.
func (e *HTTPEnroller) SubmitCSR(ctx context.Context, csr []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.baseURL+"/csr", bytes.NewReader(csr))
	if err != nil {
		return fmt.Errorf("enroll: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pkcs10")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("enroll: unexpected status %s", resp.Status)
	}
	return nil
}
