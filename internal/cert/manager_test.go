package cert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"owlmon-agent/internal/transport"
)

type fakeEnroller struct {
	mu   sync.Mutex
	csrs [][]byte
	err  error
}

func (f *fakeEnroller) SubmitCSR(_ context.Context, csr []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.csrs = append(f.csrs, csr)
	return nil
}

// fakeRPC answers certificates.fetch with "not signed" until the
// configured number of polls, then returns the certificate text.
type fakeRPC struct {
	mu       sync.Mutex
	calls    int
	readyAt  int
	certText string
	netErr   error
}

func (f *fakeRPC) Call(_ context.Context, method string, _ any, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.netErr != nil {
		return f.netErr
	}
	f.calls++
	if method != "certificates.fetch" {
		return fmt.Errorf("unexpected method %q", method)
	}
	if f.calls < f.readyAt {
		return &transport.RPCError{Method: method, Message: "certificate has not been signed"}
	}
	*(result.(*string)) = f.certText
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPaths(t *testing.T) Paths {
	t.Helper()
	paths := BundlePaths(t.TempDir())
	for _, p := range []string{paths.CSR, paths.Key, paths.CA} {
		if err := os.WriteFile(p, []byte("pem"), 0o600); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}
	return paths
}

func fastPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestFetchCertificateWritesExactText(t *testing.T) {
	paths := testPaths(t)
	rpc := &fakeRPC{certText: "new crt", readyAt: 1}
	m := NewManager("agent-1", paths, &fakeEnroller{}, rpc, fastPolicy(), testLogger())

	if err := m.FetchCertificate(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(paths.Cert)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	if string(got) != "new crt" {
		t.Fatalf("cert file = %q, want %q", got, "new crt")
	}
}

func TestFetchCertificateNotIssued(t *testing.T) {
	paths := testPaths(t)
	rpc := &fakeRPC{certText: "crt", readyAt: 100}
	m := NewManager("agent-1", paths, &fakeEnroller{}, rpc, fastPolicy(), testLogger())

	err := m.FetchCertificate(context.Background())
	if !errors.Is(err, ErrNotIssued) {
		t.Fatalf("err = %v, want ErrNotIssued", err)
	}
	if _, statErr := os.Stat(paths.Cert); statErr == nil {
		t.Fatalf("certificate file written while unissued")
	}
}

func TestEnsureCertificatePollsUntilIssued(t *testing.T) {
	paths := testPaths(t)
	enroller := &fakeEnroller{}
	rpc := &fakeRPC{certText: "signed cert", readyAt: 3}
	m := NewManager("agent-1", paths, enroller, rpc, fastPolicy(), testLogger())

	if err := m.EnsureCertificate(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(enroller.csrs) != 1 || string(enroller.csrs[0]) != "pem" {
		t.Fatalf("csr submissions = %#v, want one with file content", enroller.csrs)
	}
	if rpc.calls < 3 {
		t.Fatalf("fetch polled %d times, want at least 3", rpc.calls)
	}
	got, err := os.ReadFile(paths.Cert)
	if err != nil || string(got) != "signed cert" {
		t.Fatalf("cert file = %q (%v), want %q", got, err, "signed cert")
	}
	if !m.BundleComplete() {
		t.Fatalf("bundle incomplete after successful bootstrap")
	}
}

func TestEnsureCertificateSkipsWhenPresent(t *testing.T) {
	paths := testPaths(t)
	if err := os.WriteFile(paths.Cert, []byte("existing"), 0o600); err != nil {
		t.Fatalf("seed cert: %v", err)
	}
	enroller := &fakeEnroller{err: fmt.Errorf("must not be called")}
	m := NewManager("agent-1", paths, enroller, &fakeRPC{}, fastPolicy(), testLogger())

	if err := m.EnsureCertificate(context.Background()); err != nil {
		t.Fatalf("ensure with existing cert: %v", err)
	}
}

func TestEnsureCertificateEnrollFailureIsBootstrapError(t *testing.T) {
	paths := testPaths(t)
	enroller := &fakeEnroller{err: fmt.Errorf("endpoint down")}
	m := NewManager("agent-1", paths, enroller, &fakeRPC{}, fastPolicy(), testLogger())

	err := m.EnsureCertificate(context.Background())
	var bootErr *BootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("err = %v, want *BootstrapError", err)
	}
}

func TestEnsureCertificateBudgetExhausted(t *testing.T) {
	paths := testPaths(t)
	rpc := &fakeRPC{certText: "crt", readyAt: 1 << 30}
	policy := fastPolicy()
	policy.MaxElapsedTime = 20 * time.Millisecond
	m := NewManager("agent-1", paths, &fakeEnroller{}, rpc, policy, testLogger())

	err := m.EnsureCertificate(context.Background())
	var bootErr *BootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("err = %v, want *BootstrapError after budget", err)
	}
}
