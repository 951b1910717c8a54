// Package config loads Pulsar's runtime configuration, grounded on the
// teacher's pkg/config/yaml.go (plain os.ReadFile + yaml.Unmarshal, no
// viper/cobra-config layer in the teacher's stack). CLI flags (cmd/pulsar)
// override values loaded from file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Concurrency selects how a spawned actor is hosted (spec.md §4.4).
type Concurrency string

const (
	Process Concurrency = "process"
	Thread  Concurrency = "thread"
)

// Config is Pulsar's full runtime configuration.
type Config struct {
	// Workers is the initial pool size for the primary monitor.
	Workers int `yaml:"workers"`

	// Concurrency is the default concurrency mode for spawned actors.
	Concurrency Concurrency `yaml:"concurrency"`

	// Bind is the address for an application server hosted by a worker
	// (spec.md §6 notes this is distinct from the mailbox address).
	Bind string `yaml:"bind"`

	// MailboxHost is the local interface the arbiter's mailbox server
	// listens on; the port is always OS-assigned (spec.md §4.6).
	MailboxHost string `yaml:"mailbox_host"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	GracefulTimeout  time.Duration `yaml:"graceful_timeout"`

	// AuditDSN, if set, is passed to pkg/audit to open a journal backend.
	// Accepted schemes: "sqlite://path", "postgres://..." (pgx),
	// "postgres+lib://..." (database/sql via lib/pq).
	AuditDSN string `yaml:"audit_dsn"`

	// TracingExporter selects the OpenTelemetry exporter: jaeger, zipkin,
	// stdout, or none.
	TracingExporter string `yaml:"tracing_exporter"`
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// HandshakeSecret signs/verifies the JWT handshake credential
	// (pkg/auth). Empty disables handshake authentication.
	HandshakeSecret string `yaml:"handshake_secret"`

	// NATSURL, if set, enables pkg/bridge to publish lifecycle events.
	NATSURL string `yaml:"nats_url"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration spec.md's defaults describe:
// heartbeat/periodic task every 2s, heartbeat timeout 30s, handshake
// timeout 5s, graceful timeout 30s.
func Default() Config {
	return Config{
		Workers:          1,
		Concurrency:      Process,
		MailboxHost:      "127.0.0.1",
		HandshakeTimeout: 5 * time.Second,
		HeartbeatPeriod:  2 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		GracefulTimeout:  30 * time.Second,
		TracingExporter:  "none",
	}
}

// Load reads a YAML file at path and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports configuration errors that spec.md §7 treats as fatal
// at startup (exit code 2).
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	}
	if c.Concurrency != Process && c.Concurrency != Thread {
		return fmt.Errorf("config: concurrency must be %q or %q, got %q", Process, Thread, c.Concurrency)
	}
	if c.HandshakeTimeout <= 0 || c.HeartbeatTimeout <= 0 || c.GracefulTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	switch c.TracingExporter {
	case "jaeger", "zipkin", "stdout", "none", "":
	default:
		return fmt.Errorf("config: unsupported tracing exporter %q", c.TracingExporter)
	}
	return nil
}
