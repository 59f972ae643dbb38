package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/infodancer/m365proxy/internal/tokenstore"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// ErrAuthRequired is returned when no usable token is available and the
// caller must invoke EnsureToken (which may block on an interactive
// device-code login) before retrying.
var ErrAuthRequired = errors.New("graph: authentication required")

// EnsureToken returns a valid access token, refreshing or performing the
// device-code login as needed (§4.2). It coalesces concurrent refreshes: a
// caller that arrives while a refresh is already in flight waits on the
// result of that single outgoing request rather than issuing its own.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if !c.haveBundle {
		c.mu.Unlock()
		if err := c.loadOrLogin(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
	}

	for c.refreshing {
		c.cond.Wait()
	}

	if !c.bundle.NeedsRefresh(time.Now()) {
		token := c.bundle.AccessToken
		c.mu.Unlock()
		return token, nil
	}

	c.refreshing = true
	c.mu.Unlock()

	err := c.refresh(ctx)

	c.mu.Lock()
	c.refreshing = false
	c.cond.Broadcast()
	token := c.bundle.AccessToken
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	return token, nil
}

// loadOrLogin loads the persisted bundle, or runs the device-code flow if
// none is present.
func (c *Client) loadOrLogin(ctx context.Context) error {
	b, err := c.store.Load()
	if err == nil {
		c.mu.Lock()
		c.bundle = b
		c.haveBundle = true
		c.mu.Unlock()
		return nil
	}
	if !errors.Is(err, tokenstore.ErrAbsent) {
		return fmt.Errorf("graph: loading token store: %w", err)
	}
	return c.deviceCodeLogin(ctx)
}

// deviceCodeLogin runs the OAuth2 Device Code grant (RFC 8628) against the
// configured tenant, surfacing the verification URL/code through the
// caller-supplied callback, and blocks until the user completes
// authentication or devicePollTimeout elapses (§4.2, §5).
func (c *Client) deviceCodeLogin(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, devicePollTimeout)
	defer cancel()

	da, err := c.oauthCfg.DeviceAuth(pollCtx)
	if err != nil {
		return fmt.Errorf("graph: starting device code flow: %w", err)
	}

	if c.onLogin != nil {
		c.onLogin(da.VerificationURI, da.UserCode)
	}
	c.logger.Info("device code login required",
		slog.String("verification_uri", da.VerificationURI),
		slog.String("user_code", da.UserCode))

	token, err := c.oauthCfg.DeviceAccessToken(pollCtx, da)
	if err != nil {
		return fmt.Errorf("graph: device code login failed: %w", err)
	}

	bundle := c.bundleFromToken(token)

	c.mu.Lock()
	c.bundle = bundle
	c.haveBundle = true
	c.mu.Unlock()

	if err := c.store.Save(bundle); err != nil {
		c.logger.Error("failed to persist token bundle after login", slog.String("error", err.Error()))
	}
	return nil
}

// refresh exchanges the stored refresh token for a new access token.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	current := c.bundle
	c.mu.Unlock()

	source := c.oauthCfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       current.ExpiresAt,
	})
	token, err := source.Token()
	if err != nil {
		return fmt.Errorf("graph: refreshing token: %w", err)
	}

	bundle := c.bundleFromToken(token)
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = current.RefreshToken
	}
	if bundle.AccountID == "" {
		bundle.AccountID = current.AccountID
	}

	c.mu.Lock()
	c.bundle = bundle
	c.mu.Unlock()

	if err := c.store.Save(bundle); err != nil {
		c.logger.Error("failed to persist refreshed token bundle", slog.String("error", err.Error()))
	}
	return nil
}

// bundleFromToken converts an oauth2.Token into a tokenstore.Bundle,
// decoding the accompanying id_token (when present) to recover the
// account identifier via the "preferred_username"/"oid" claims.
func (c *Client) bundleFromToken(token *oauth2.Token) tokenstore.Bundle {
	b := tokenstore.Bundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		Scopes:       c.oauthCfg.Scopes,
	}

	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return b
	}

	idToken, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		c.logger.Debug("id_token decode failed", slog.String("error", err.Error()))
		return b
	}

	if v, ok := idToken.Get("preferred_username"); ok {
		if s, ok := v.(string); ok {
			b.AccountID = s
			return b
		}
	}
	if v, ok := idToken.Get("oid"); ok {
		if s, ok := v.(string); ok {
			b.AccountID = s
		}
	}
	return b
}
