package cert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"owlmon-agent/internal/transport"
)

// ErrNotIssued means the collector has the CSR but an operator has not
// signed it yet. The caller keeps polling.
var ErrNotIssued = errors.New("certificate not yet issued")

// BootstrapError is fatal: the agent could not obtain its identity
// within the retry budget and cannot operate.
type BootstrapError struct {
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed: %v", e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// Paths locates the file-backed certificate bundle. Key and CSR exist
// at startup (generated or provisioned), the client certificate is
// obtained via bootstrap, the CA root is provisioned out of band.
type Paths struct {
	CSR  string
	Key  string
	Cert string
	CA   string
}

// BundlePaths returns the conventional layout under dir.
func BundlePaths(dir string) Paths {
	return Paths{
		CSR:  filepath.Join(dir, "agent.csr"),
		Key:  filepath.Join(dir, "agent.key"),
		Cert: filepath.Join(dir, "agent.crt"),
		CA:   filepath.Join(dir, "ca.crt"),
	}
}

// PollPolicy bounds the certificate-fetch polling loop.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxElapsedTime:  15 * time.Minute,
	}
}

// Manager drives the enrollment handshake and owns the bundle files.
// Workers only ever read the finished bundle.
type Manager struct {
	agentID  string
	paths    Paths
	enroller transport.Enroller
	rpc      transport.RPCCaller
	logger   *slog.Logger
	policy   PollPolicy
}

func NewManager(
	agentID string,
	paths Paths,
	enroller transport.Enroller,
	rpc transport.RPCCaller,
	policy PollPolicy,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		agentID:  agentID,
		paths:    paths,
		enroller: enroller,
		rpc:      rpc,
		logger:   logger,
		policy:   policy,
	}
}

// BundleComplete reports whether key, CSR, CA and client certificate
// are all present on disk.
func (m *Manager) BundleComplete() bool {
	for _, p := range []string{m.paths.CSR, m.paths.Key, m.paths.CA, m.paths.Cert} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// RequestCertificate submits the CSR content to the enrollment
// endpoint. No internal retry; the caller controls retry policy.
func (m *Manager) RequestCertificate(ctx context.Context) error {
	csr, err := os.ReadFile(m.paths.CSR)
	if err != nil {
		return fmt.Errorf("read csr: %w", err)
	}
	if err := m.enroller.SubmitCSR(ctx, csr); err != nil {
		return err
	}
	m.logger.Info("certificate signing request submitted", "agent_id", m.agentID)
	return nil
}

// FetchCertificate asks the collector for the signed certificate and,
// on success, writes it atomically to the bundle path. Returns
// ErrNotIssued while the request is still awaiting an operator.
func (m *Manager) FetchCertificate(ctx context.Context) error {
	var certText string
	err := m.rpc.Call(ctx, "certificates.fetch", map[string]string{"agent_id": m.agentID}, &certText)
	if err != nil {
		var rpcErr *transport.RPCError
		if errors.As(err, &rpcErr) && looksUnissued(rpcErr.Message) {
			return ErrNotIssued
		}
		return err
	}
	if err := atomicWrite(m.paths.Cert, []byte(certText), 0o400); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	m.logger.Info("certificate fetched", "path", m.paths.Cert)
	return nil
}

// EnsureCertificate completes the bootstrap handshake: if the client
// certificate is missing, submit the CSR and poll the fetch RPC with
// capped exponential backoff until issued or the elapsed budget runs
// out, which is a *BootstrapError.
func (m *Manager) EnsureCertificate(ctx context.Context) error {
	if _, err := os.Stat(m.paths.Cert); err == nil {
		return nil
	}

	if err := m.RequestCertificate(ctx); err != nil {
		return &BootstrapError{Err: fmt.Errorf("submit csr: %w", err)}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.InitialInterval
	b.MaxInterval = m.policy.MaxInterval
	b.MaxElapsedTime = m.policy.MaxElapsedTime

	op := func() error {
		err := m.FetchCertificate(ctx)
		if errors.Is(err, ErrNotIssued) {
			m.logger.Info("certificate not signed yet, will retry")
			return err
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return &BootstrapError{Err: fmt.Errorf("fetch certificate: %w", err)}
	}
	return nil
}

// ServerTrustConfig verifies the collector with the CA root only;
// used before the client certificate exists.
func (m *Manager) ServerTrustConfig() (*tls.Config, error) {
	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// MutualTLSConfig presents the client identity and verifies the
// collector; used by everything after bootstrap.
func (m *Manager) MutualTLSConfig() (*tls.Config, error) {
	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}
	pair, err := tls.LoadX509KeyPair(m.paths.Cert, m.paths.Key)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (m *Manager) caPool() (*x509.CertPool, error) {
	ca, err := os.ReadFile(m.paths.CA)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("ca certificate %s contains no PEM certificates", m.paths.CA)
	}
	return pool, nil
}

func looksUnissued(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not been signed") ||
		strings.Contains(lower, "not yet issued") ||
		strings.Contains(lower, "not signed yet")
}

// atomicWrite persists data via write-temp-then-rename so a crash
// mid-write never leaves a corrupt file behind.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
