package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values. Flags take precedence over
// environment variables, which take precedence over the config file.
type Flags struct {
	ConfigPath   string
	Hostname     string
	LogLevel     string
	BindAddress  string
	TLSCert      string
	TLSKey       string
	AttachmentMB int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./config.json", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Gateway hostname used in protocol banners")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.BindAddress, "bind-address", "", "Bind address for all listeners")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.AttachmentMB, "attachment-limit", 0, "Attachment size limit in bytes")

	flag.Parse()
	return f
}

// Load parses the configuration file at path as TOML, whatever its file
// extension, and returns the merged Config; a JSON document is not accepted.
// If the file does not exist, returns the default configuration unmerged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeFileConfig(cfg, fc), nil
}

// mergeFileConfig merges non-zero values from fc into dst.
func mergeFileConfig(dst Config, fc FileConfig) Config {
	if fc.Hostname != "" {
		dst.Hostname = fc.Hostname
	}
	if fc.LogLevel != "" {
		dst.LogLevel = fc.LogLevel
	}
	if fc.LogPath != "" {
		dst.LogPath = fc.LogPath
	}
	if fc.BindAddress != "" {
		dst.BindAddress = fc.BindAddress
	}
	if fc.UpstreamUser != "" {
		dst.UpstreamUser = fc.UpstreamUser
	}
	if fc.TenantID != "" {
		dst.TenantID = fc.TenantID
	}
	if fc.ClientID != "" {
		dst.ClientID = fc.ClientID
	}
	if fc.Listeners.SMTP != "" {
		dst.Listeners.SMTP = fc.Listeners.SMTP
	}
	if fc.Listeners.SMTPS != "" {
		dst.Listeners.SMTPS = fc.Listeners.SMTPS
	}
	if fc.Listeners.POP3 != "" {
		dst.Listeners.POP3 = fc.Listeners.POP3
	}
	if fc.Listeners.POP3S != "" {
		dst.Listeners.POP3S = fc.Listeners.POP3S
	}
	if fc.TLS.CertFile != "" {
		dst.TLS.CertFile = fc.TLS.CertFile
	}
	if fc.TLS.KeyFile != "" {
		dst.TLS.KeyFile = fc.TLS.KeyFile
	}
	if fc.TLS.MinVersion != "" {
		dst.TLS.MinVersion = fc.TLS.MinVersion
	}
	if len(fc.Mailboxes) > 0 {
		dst.Mailboxes = fc.Mailboxes
	}
	if len(fc.AllowedDomains) > 0 {
		dst.AllowedDomains = fc.AllowedDomains
	}
	if fc.AttachmentMB > 0 {
		dst.AttachmentMB = fc.AttachmentMB
	}
	if fc.QueueDir != "" {
		dst.QueueDir = fc.QueueDir
	}
	if fc.TokenFile != "" {
		dst.TokenFile = fc.TokenFile
	}
	if fc.Proxy.URL != "" {
		dst.Proxy.URL = fc.Proxy.URL
	}
	if fc.Proxy.User != "" {
		dst.Proxy.User = fc.Proxy.User
	}
	if fc.Proxy.Password != "" {
		dst.Proxy.Password = fc.Proxy.Password
	}
	if fc.Redis.Address != "" {
		dst.Redis.Address = fc.Redis.Address
		dst.Redis.DB = fc.Redis.DB
	}
	if fc.Metrics.Enabled {
		dst.Metrics.Enabled = fc.Metrics.Enabled
	}
	if fc.Metrics.Address != "" {
		dst.Metrics.Address = fc.Metrics.Address
	}
	if fc.Metrics.Path != "" {
		dst.Metrics.Path = fc.Metrics.Path
	}
	if fc.Timeouts.SessionIdle != "" {
		dst.Timeouts.SessionIdle = fc.Timeouts.SessionIdle
	}
	if fc.Timeouts.DataIdle != "" {
		dst.Timeouts.DataIdle = fc.Timeouts.DataIdle
	}
	if fc.Timeouts.GraphCall != "" {
		dst.Timeouts.GraphCall = fc.Timeouts.GraphCall
	}
	return dst
}

// ApplyFlags merges command-line flag values into the config. Non-zero/
// non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.BindAddress != "" {
		cfg.BindAddress = f.BindAddress
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	if f.AttachmentMB > 0 {
		cfg.AttachmentMB = f.AttachmentMB
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags (or
// M365_PROXY_CONFIG_FILE, per §6, when -config was left at its default),
// then applies environment variable overrides and flag overrides.
// Precedence (highest to lowest): flags > environment variables > file > defaults.
func LoadWithFlags(f *Flags) (Config, error) {
	path := f.ConfigPath
	if envPath := os.Getenv("M365_PROXY_CONFIG_FILE"); envPath != "" && f.ConfigPath == "./config.json" {
		path = envPath
	}

	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}
