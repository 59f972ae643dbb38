package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over the config file but are
// overridden by command-line flags. HTTPS_PROXY and M365_PROXY_CONFIG_FILE
// are the two raw (unprefixed) variables §6 mandates; the rest use the
// M365_ prefix.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("M365_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("M365_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("M365_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("M365_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("M365_UPSTREAM_USER"); v != "" {
		cfg.UpstreamUser = v
	}
	if v := os.Getenv("M365_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("M365_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("M365_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("M365_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("M365_QUEUE_DIR"); v != "" {
		cfg.QueueDir = v
	}
	if v := os.Getenv("M365_TOKEN_FILE"); v != "" {
		cfg.TokenFile = v
	}
	if v := os.Getenv("M365_REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}

	// HTTPS_PROXY is the conventional unprefixed variable and always wins
	// over both the config file and M365_* overrides (§6).
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy.URL = v
	} else if v := os.Getenv("https_proxy"); v != "" {
		cfg.Proxy.URL = v
	}

	return cfg
}
