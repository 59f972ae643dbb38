// Package graph implements the Graph Client (C2): OAuth2 Device Code
// acquisition, encrypted-token-backed refresh, and the mailbox operations
// (send, list, fetch, mark-read, delete) against Microsoft Graph, including
// the chunked-upload path for large attachments.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/infodancer/m365proxy/internal/tokenstore"
	"golang.org/x/oauth2"
)

const (
	baseURL = "https://graph.microsoft.com/v1.0"

	// scopes requested during the device-code flow (§4.2).
	scopeMailSend       = "Mail.Send"
	scopeMailSendShared = "Mail.Send.Shared"
	scopeMailRW         = "Mail.ReadWrite"
	scopeMailRWShared   = "Mail.ReadWrite.Shared"
	scopeOffline        = "offline_access"

	// InlineSendLimit is the MIME-size threshold past which Send takes the
	// chunked-upload path instead of the inline sendMail call (§4.2).
	InlineSendLimit = 3 * 1024 * 1024
	// ChunkSize is the per-range size used when uploading large attachments.
	ChunkSize = 4 * 1024 * 1024

	devicePollTimeout = 15 * time.Minute
)

// LoginCallback surfaces the device-code verification URL and user code to
// the invoking CLI (§4.2). The core never formats a QR code or opens a
// browser itself.
type LoginCallback func(verificationURI, userCode string)

// Config configures a Client.
type Config struct {
	TenantID string
	ClientID string
	Proxy    ProxyConfig
	Store    *tokenstore.Store
	OnLogin  LoginCallback
	Logger   *slog.Logger
}

// ProxyConfig mirrors config.ProxyConfig without importing the config
// package, keeping graph free of a dependency cycle risk as the config
// shape grows.
type ProxyConfig struct {
	URL      string
	User     string
	Password string
}

// Client performs authenticated calls against Microsoft Graph. The token
// bundle is single-writer (Client itself), many-readers, guarded by mu; a
// refreshing flag coalesces concurrent refresh attempts into one outgoing
// request with waiters parked on a condition variable (§5).
type Client struct {
	oauthCfg oauth2.Config
	store    *tokenstore.Store
	http     *http.Client
	onLogin  LoginCallback
	logger   *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	bundle      tokenstore.Bundle
	haveBundle  bool
	refreshing  bool
}

// New constructs a Client. It does not perform any network I/O; the first
// EnsureToken call loads the persisted bundle or starts a device-code login.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph: Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient, err := newHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("graph: configuring proxy: %w", err)
	}

	oauthCfg := oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", cfg.TenantID),
			TokenURL:      fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
			DeviceAuthURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/devicecode", cfg.TenantID),
		},
		Scopes: []string{scopeMailSend, scopeMailSendShared, scopeMailRW, scopeMailRWShared, scopeOffline},
	}

	c := &Client{
		oauthCfg: oauthCfg,
		store:    cfg.Store,
		http:     httpClient,
		onLogin:  cfg.OnLogin,
		logger:   logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// newHTTPClient builds an http.Client that routes through the configured
// proxy, with optional basic auth embedded in the proxy URL (net/http's
// Transport applies Proxy-Authorization automatically when the URL carries
// userinfo). Certificate verification is unchanged either way (§4.2).
func newHTTPClient(p ProxyConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if p.URL != "" {
		proxyURL, err := url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		if p.User != "" {
			proxyURL.User = url.UserPassword(p.User, p.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport}, nil
}

// ctxWithCallTimeout bounds a single Graph HTTP call to the 60s total named
// in §5, unless ctx already carries a tighter deadline.
func (c *Client) ctxWithCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 60*time.Second)
}

func graphURL(format string, args ...any) string {
	return baseURL + fmt.Sprintf(format, args...)
}
