package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const HardcodedVersion string = "V0.1"

type Config struct {
	AgentID  string
	Hostname string

	// Collector endpoints.
	CollectorGRPCAddr string
	EnrollURL         string
	RPCURL            string

	// Local state.
	CertsDir        string
	DataDir         string
	ConfigCachePath string

	// TLS. Disabled only for local development against a collector
	// without certificates; bootstrap is skipped in that mode.
	TLSEnabled bool

	// Supervision.
	SuperviseInterval     time.Duration
	ConfigRefreshInterval time.Duration
	ChildRestartBudget    int
	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration
	ShutdownTimeout       time.Duration
	HealthInterval        time.Duration
	ProbeListenAddr       string

	// Sensor workers.
	ProbeTimeout time.Duration

	// Shipper.
	ShipperBatchLimit     int
	ShipperPollInterval   time.Duration
	ShipperBackoffInitial time.Duration
	ShipperBackoffMax     time.Duration

	// Receiver.
	ReceiverPollInterval time.Duration
	ReceiverPullLimit    int

	// Certificate bootstrap polling.
	CertPollInitial    time.Duration
	CertPollMax        time.Duration
	CertPollMaxElapsed time.Duration

	// Logging.
	LogJSON  bool
	LogLevel string

	AgentVersion string
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	dataDir := env("OWLMON_DATA_DIR", "/var/lib/owlmon-agent")

	cfg := Config{
		AgentID:  env("OWLMON_AGENT_ID", hostname),
		Hostname: hostname,

		CollectorGRPCAddr: env("OWLMON_COLLECTOR_GRPC_ADDR", "127.0.0.1:3001"),
		EnrollURL:         env("OWLMON_ENROLL_URL", "https://127.0.0.1:3002"),
		RPCURL:            env("OWLMON_RPC_URL", "wss://127.0.0.1:3002/ws"),

		CertsDir:        env("OWLMON_CERTS_DIR", filepath.Join(dataDir, "certs")),
		DataDir:         dataDir,
		ConfigCachePath: env("OWLMON_CONFIG_CACHE", filepath.Join(dataDir, "sensors.yaml")),

		TLSEnabled: envBool("OWLMON_TLS_ENABLED", true),

		SuperviseInterval:     envDuration("OWLMON_SUPERVISE_INTERVAL", time.Second),
		ConfigRefreshInterval: envDuration("OWLMON_CONFIG_REFRESH_INTERVAL", time.Minute),
		ChildRestartBudget:    envInt("OWLMON_CHILD_RESTART_BUDGET", 5),
		RestartBackoffInitial: envDuration("OWLMON_RESTART_BACKOFF_INITIAL", time.Second),
		RestartBackoffMax:     envDuration("OWLMON_RESTART_BACKOFF_MAX", 30*time.Second),
		ShutdownTimeout:       envDuration("OWLMON_SHUTDOWN_TIMEOUT", 20*time.Second),
		HealthInterval:        envDuration("OWLMON_HEALTH_INTERVAL", 10*time.Second),
		ProbeListenAddr:       env("OWLMON_AGENT_PROBE_ADDR", "0.0.0.0:7443"),

		ProbeTimeout: envDuration("OWLMON_PROBE_TIMEOUT", 30*time.Second),

		ShipperBatchLimit:     envInt("OWLMON_SHIPPER_BATCH_LIMIT", 250),
		ShipperPollInterval:   envDuration("OWLMON_SHIPPER_POLL_INTERVAL", time.Second),
		ShipperBackoffInitial: envDuration("OWLMON_SHIPPER_BACKOFF_INITIAL", time.Second),
		ShipperBackoffMax:     envDuration("OWLMON_SHIPPER_BACKOFF_MAX", 60*time.Second),

		ReceiverPollInterval: envDuration("OWLMON_RECEIVER_POLL_INTERVAL", time.Second),
		ReceiverPullLimit:    envInt("OWLMON_RECEIVER_PULL_LIMIT", 100),

		CertPollInitial:    envDuration("OWLMON_CERT_POLL_INITIAL", 2*time.Second),
		CertPollMax:        envDuration("OWLMON_CERT_POLL_MAX", 60*time.Second),
		CertPollMaxElapsed: envDuration("OWLMON_CERT_POLL_MAX_ELAPSED", 15*time.Minute),

		LogJSON:  envBool("OWLMON_LOG_JSON", true),
		LogLevel: strings.ToLower(env("OWLMON_LOG_LEVEL", "info")),

		AgentVersion: HardcodedVersion,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.AgentID == "" {
		return errors.New("OWLMON_AGENT_ID is required")
	}
	if c.CollectorGRPCAddr == "" {
		return errors.New("OWLMON_COLLECTOR_GRPC_ADDR is required")
	}
	if c.EnrollURL == "" {
		return errors.New("OWLMON_ENROLL_URL is required")
	}
	if c.RPCURL == "" {
		return errors.New("OWLMON_RPC_URL is required")
	}
	if c.DataDir == "" {
		return errors.New("OWLMON_DATA_DIR is required")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("OWLMON_AGENT_PROBE_ADDR is required")
	}
	if c.SuperviseInterval <= 0 {
		return errors.New("OWLMON_SUPERVISE_INTERVAL must be > 0")
	}
	if c.ConfigRefreshInterval <= 0 {
		return errors.New("OWLMON_CONFIG_REFRESH_INTERVAL must be > 0")
	}
	if c.ChildRestartBudget <= 0 {
		return errors.New("OWLMON_CHILD_RESTART_BUDGET must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("OWLMON_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.ShipperBatchLimit <= 0 {
		return errors.New("OWLMON_SHIPPER_BATCH_LIMIT must be > 0")
	}
	if c.CertPollMaxElapsed <= 0 {
		return errors.New("OWLMON_CERT_POLL_MAX_ELAPSED must be > 0")
	}
	return nil
}

// ShipperStorePath is the shipper's exclusive durable buffer file.
func (c Config) ShipperStorePath() string {
	return filepath.Join(c.DataDir, "shipper.db")
}

// ReceiverStorePath is the receiver's exclusive durable buffer file.
func (c Config) ReceiverStorePath() string {
	return filepath.Join(c.DataDir, "receiver.db")
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
