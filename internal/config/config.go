// Package config provides configuration management for the mail gateway.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultAttachmentLimit is applied when attachment_limit_mb is unset.
	DefaultAttachmentLimit = 80 * 1024 * 1024
	// MaxAttachmentLimit is the hard ceiling on attachment_limit_mb.
	MaxAttachmentLimit = 150 * 1024 * 1024
)

// FileConfig is the top-level shape of config.json/.toml on disk.
type FileConfig struct {
	Hostname       string            `toml:"hostname"`
	LogLevel       string            `toml:"log_level"`
	LogPath        string            `toml:"log_path"`
	BindAddress    string            `toml:"bind_address"`
	UpstreamUser   string            `toml:"upstream_user"`
	TenantID       string            `toml:"tenant_id"`
	ClientID       string            `toml:"client_id"`
	Listeners      ListenersConfig   `toml:"listeners"`
	TLS            TLSConfig         `toml:"tls"`
	Mailboxes      []MailboxRecord   `toml:"mailboxes"`
	AllowedDomains []string          `toml:"allowed_domains"`
	AttachmentMB   int               `toml:"attachment_limit_mb"`
	QueueDir       string            `toml:"queue_dir"`
	TokenFile      string            `toml:"token_file"`
	Proxy          ProxyConfig       `toml:"proxy"`
	Redis          RedisConfig       `toml:"redis"`
	Metrics        MetricsConfig     `toml:"metrics"`
	Timeouts       TimeoutsConfig    `toml:"timeouts"`
}

// Config holds the validated, immutable configuration snapshot used by the
// rest of the process. It is produced once at startup by Load/LoadWithFlags
// and never mutated afterward.
type Config struct {
	Hostname       string
	LogLevel       string
	LogPath        string
	BindAddress    string
	UpstreamUser   string
	TenantID       string
	ClientID       string
	Listeners      ListenersConfig
	TLS            TLSConfig
	Mailboxes      []MailboxRecord
	AllowedDomains []string
	AttachmentMB   int
	QueueDir       string
	TokenFile      string
	Proxy          ProxyConfig
	Redis          RedisConfig
	Metrics        MetricsConfig
	Timeouts       TimeoutsConfig
}

// ListenersConfig holds the four optional listener ports. An empty Address
// means the port is disabled.
type ListenersConfig struct {
	SMTP  string `toml:"smtp"`
	SMTPS string `toml:"smtps"`
	POP3  string `toml:"pop3"`
	POP3S string `toml:"pop3s"`
}

// TLSConfig holds TLS certificate and version settings shared by every
// TLS-bearing listener (implicit or STARTTLS/STLS).
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// MailboxRecord is one entry in the mailbox allowlist (§3). Username is the
// client-visible credential and envelope identity; PasswordHash is a bcrypt
// hash checked in constant time during SMTP/POP3 AUTH.
type MailboxRecord struct {
	Username          string `toml:"username"`
	PasswordHash      string `toml:"password_hash"`
	SourceFolder      string `toml:"source_folder"`
	MarkReadAfterFetch bool  `toml:"mark_read_after_fetch"`
	DeleteAfterFetch  bool   `toml:"delete_after_fetch"`
}

// ProxyConfig describes an optional HTTPS proxy for outbound Graph calls.
// The HTTPS_PROXY environment variable, when present, overrides URL.
type ProxyConfig struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// RedisConfig enables the durable recent-sent fingerprint mirror (C4). When
// Address is empty the queue falls back to an in-memory-only window.
type RedisConfig struct {
	Address string `toml:"address"`
	DB      int    `toml:"db"`
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// TimeoutsConfig holds session and Graph call timeout overrides. Empty
// strings fall back to the defaults named in spec §5. All three are
// validated, but only SessionIdle takes effect: the SMTP server does not
// apply DataIdle (DATA reads use the session idle timeout), and Graph calls
// use a fixed 60s rather than GraphCall.
type TimeoutsConfig struct {
	SessionIdle  string `toml:"session_idle"`
	DataIdle     string `toml:"data_idle"`
	GraphCall    string `toml:"graph_call"`
}

// Default returns a Config with the defaults named in §3/§5.
func Default() Config {
	return Config{
		Hostname:     "localhost",
		LogLevel:     "info",
		BindAddress:  "0.0.0.0",
		AttachmentMB: DefaultAttachmentLimit,
		QueueDir:     "./queue",
		TokenFile:    "./tokens.enc",
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Timeouts: TimeoutsConfig{
			SessionIdle: "5m",
			DataIdle:    "10m",
			GraphCall:   "60s",
		},
	}
}

// Validate enforces the §3 invariants and returns a descriptive error for
// the first violation found.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.UpstreamUser == "" {
		return errors.New("upstream_user is required")
	}
	if c.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}

	ports := map[string]string{}
	addIfSet := func(name, addr string) error {
		if addr == "" {
			return nil
		}
		if existing, ok := ports[addr]; ok {
			return fmt.Errorf("listener %s and %s both bind %s", name, existing, addr)
		}
		ports[addr] = name
		return nil
	}
	if err := addIfSet("smtp", c.Listeners.SMTP); err != nil {
		return err
	}
	if err := addIfSet("smtps", c.Listeners.SMTPS); err != nil {
		return err
	}
	if err := addIfSet("pop3", c.Listeners.POP3); err != nil {
		return err
	}
	if err := addIfSet("pop3s", c.Listeners.POP3S); err != nil {
		return err
	}
	if len(ports) == 0 {
		return errors.New("at least one listener port is required")
	}
	if c.Listeners.SMTP != "" && c.Listeners.SMTPS != "" {
		return errors.New("listeners.smtp and listeners.smtps are mutually exclusive; configure at most one")
	}
	if c.Listeners.POP3 != "" && c.Listeners.POP3S != "" {
		return errors.New("listeners.pop3 and listeners.pop3s are mutually exclusive; configure at most one")
	}

	// Only the implicit-TLS ports require certificate material up front; a
	// plain smtp/pop3 port may run with STARTTLS/STLS unavailable (§4.5).
	needsTLS := c.Listeners.SMTPS != "" || c.Listeners.POP3S != ""
	if needsTLS {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return errors.New("tls.cert_file and tls.key_file are required when smtps or pop3s is enabled")
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid tls.min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.AttachmentMB <= 0 {
		return errors.New("attachment_limit_mb must be positive")
	}
	if c.AttachmentMB > MaxAttachmentLimit {
		return fmt.Errorf("attachment_limit_mb %d exceeds hard ceiling %d", c.AttachmentMB, MaxAttachmentLimit)
	}

	if len(c.Mailboxes) == 0 {
		return errors.New("at least one mailbox allowlist entry is required")
	}
	seen := make(map[string]bool, len(c.Mailboxes))
	for i, m := range c.Mailboxes {
		if m.Username == "" {
			return fmt.Errorf("mailboxes[%d].username is required", i)
		}
		if m.PasswordHash == "" {
			return fmt.Errorf("mailboxes[%d].password_hash is required", i)
		}
		lower := normalizeUsername(m.Username)
		if seen[lower] {
			return fmt.Errorf("mailboxes[%d]: duplicate username %q", i, m.Username)
		}
		seen[lower] = true
	}

	if c.QueueDir == "" {
		return errors.New("queue_dir is required")
	}
	if c.TokenFile == "" {
		return errors.New("token_file is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics.address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics.path is required when metrics are enabled")
		}
	}

	for name, v := range map[string]string{
		"timeouts.session_idle": c.Timeouts.SessionIdle,
		"timeouts.data_idle":    c.Timeouts.DataIdle,
		"timeouts.graph_call":   c.Timeouts.GraphCall,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// normalizeUsername lower-cases the local part for case-insensitive
// comparisons while the original casing is retained for display (§4.5).
func normalizeUsername(u string) string {
	b := []byte(u)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version, defaulting to TLS 1.2 per §6.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// SessionIdleTimeout returns the configured idle timeout, defaulting to 5m.
func (c *TimeoutsConfig) SessionIdleTimeout() time.Duration {
	return parseOr(c.SessionIdle, 5*time.Minute)
}

// DataIdleTimeout returns the configured DATA inactivity timeout, defaulting to 10m.
func (c *TimeoutsConfig) DataIdleTimeout() time.Duration {
	return parseOr(c.DataIdle, 10*time.Minute)
}

// GraphCallTimeout returns the per-call Graph HTTP timeout, defaulting to 60s.
func (c *TimeoutsConfig) GraphCallTimeout() time.Duration {
	return parseOr(c.GraphCall, 60*time.Second)
}

func parseOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// AttachmentLimitBytes returns the configured attachment limit in bytes.
func (c *Config) AttachmentLimitBytes() int64 {
	return int64(c.AttachmentMB)
}

// FindMailbox returns the allowlist record for username, matched
// case-insensitively on the local part, and whether it was found.
func (c *Config) FindMailbox(username string) (MailboxRecord, bool) {
	norm := normalizeUsername(username)
	for _, m := range c.Mailboxes {
		if normalizeUsername(m.Username) == norm {
			return m, true
		}
	}
	return MailboxRecord{}, false
}

// DomainAllowed reports whether domain is permitted as a RCPT TO target.
// An empty AllowedDomains set means unrestricted (§3).
func (c *Config) DomainAllowed(domain string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	norm := normalizeUsername(domain)
	for _, d := range c.AllowedDomains {
		if normalizeUsername(d) == norm {
			return true
		}
	}
	return false
}
