package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OAuthConfig holds the upstream identity provider's fixed OAuth endpoints
// and client id, configurable for test doubles.
type OAuthConfig struct {
	TokenURL string
	ClientID string
}

func defaultOAuthConfig() OAuthConfig {
	return OAuthConfig{
		TokenURL: "https://oauth.cloudcode.upstream/v1/oauth/token",
		ClientID: "cloudcode-gateway",
	}
}

// OAuthTokenResponse is the upstream token endpoint's response shape.
type OAuthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// OAuthClient exchanges refresh tokens for access tokens against the
// upstream identity provider.
type OAuthClient struct {
	cfg    OAuthConfig
	client *http.Client
}

func NewOAuthClient(cfg OAuthConfig, client *http.Client) *OAuthClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthClient{cfg: cfg, client: client}
}

// RefreshAccessToken trades a refresh token for a new access token.
func (c *OAuthClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthTokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}

	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.cfg.ClientID,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("refresh failed: %s: %s", resp.Status, string(respBody))
	}

	var out OAuthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return &out, nil
}
