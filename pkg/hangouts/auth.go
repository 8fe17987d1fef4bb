// Copyright 2024-2026 Aiku AI

package hangouts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	oauth2ClientID     = "936475272427.apps.googleusercontent.com"
	oauth2ClientSecret = "KWsJlkaMn1jGLxQpWxMnOox-"
	userAgent          = "mautrix-hangouts"
)

// Endpoints holds the service URLs. Tests point these at fake servers.
type Endpoints struct {
	TokenURL        string
	UberauthURL     string
	MergeSessionURL string
	APIBase         string
	ChannelURL      string
}

// DefaultEndpoints returns the production service URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		TokenURL:        "https://accounts.google.com/o/oauth2/token",
		UberauthURL:     "https://accounts.google.com/accounts/OAuthLogin?source=hangups&issueuberauth=1",
		MergeSessionURL: "https://accounts.google.com/MergeSession?service=mail&continue=http://www.google.com",
		APIBase:         "https://clients6.google.com/chat/v1",
		ChannelURL:      "https://0.client-channel.google.com/client-channel/channel/bind",
	}
}

// authenticate exchanges a long-lived refresh token for a session. The
// access token is traded for an uberauth value, which MergeSession turns
// into the cookies the chat API expects on the client's cookie jar.
func (c *Client) authenticate(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"client_id":     {oauth2ClientID},
		"client_secret": {oauth2ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Message: fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return &AuthError{Message: "token endpoint returned no access token"}
	}

	uberauth, err := c.fetchUberauth(ctx, tokenResp.AccessToken)
	if err != nil {
		return err
	}
	return c.mergeSession(ctx, tokenResp.AccessToken, uberauth)
}

func (c *Client) fetchUberauth(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UberauthURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("uberauth request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("failed to read uberauth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Message: fmt.Sprintf("uberauth endpoint returned HTTP %d", resp.StatusCode)}
	}
	return strings.TrimSpace(string(body)), nil
}

// mergeSession completes the login. The interesting output is the
// cookies the server sets, which land in the client's cookie jar.
func (c *Client) mergeSession(ctx context.Context, accessToken, uberauth string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.MergeSessionURL+"&uberauth="+url.QueryEscape(uberauth), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("merge session request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &AuthError{Message: fmt.Sprintf("merge session returned HTTP %d", resp.StatusCode)}
	}
	return nil
}
