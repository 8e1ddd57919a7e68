package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnthropicTokenURL is the token endpoint used to refresh Claude OAuth
// sessions.
const AnthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"

// AnthropicClientID identifies this proxy family to the OAuth endpoint.
const AnthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

// Refresher exchanges refresh tokens for fresh access tokens.
type Refresher struct {
	store    *Store
	client   *http.Client
	tokenURL string
	clientID string
}

func NewRefresher(store *Store, client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		store:    store,
		client:   client,
		tokenURL: AnthropicTokenURL,
		clientID: AnthropicClientID,
	}
}

// WithEndpoint overrides the token endpoint, used by tests.
func (r *Refresher) WithEndpoint(url string) *Refresher {
	r.tokenURL = url
	return r
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AccessToken returns a token valid for at least the refresh skew, refreshing
// it first when necessary. Concurrent callers for the same provider share one
// refresh: only the first to acquire the per-provider lock issues the network
// call, the rest observe the stored result.
func (r *Refresher) AccessToken(ctx context.Context, provider string) (string, error) {
	token, ok := r.store.Get(provider)
	if !ok {
		return "", fmt.Errorf("no OAuth token stored for provider %q", provider)
	}
	if !token.NeedsRefresh() {
		return token.AccessToken, nil
	}

	mu := r.store.refreshLock(provider)
	mu.Lock()
	defer mu.Unlock()

	// Re-check after acquiring the lock; another caller may have refreshed.
	token, ok = r.store.Get(provider)
	if !ok {
		return "", fmt.Errorf("no OAuth token stored for provider %q", provider)
	}
	if !token.NeedsRefresh() {
		return token.AccessToken, nil
	}

	refreshed, err := r.refresh(ctx, token)
	if err != nil {
		return "", err
	}
	if err := r.store.Save(provider, refreshed); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	return refreshed.AccessToken, nil
}

func (r *Refresher) refresh(ctx context.Context, token Token) (Token, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: token.RefreshToken,
		ClientID:     r.clientID,
	})
	if err != nil {
		return Token{}, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed refreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Token{}, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Token{}, fmt.Errorf("token endpoint returned no access token")
	}

	refreshToken := parsed.RefreshToken
	if refreshToken == "" {
		refreshToken = token.RefreshToken
	}
	return Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Unix() + parsed.ExpiresIn,
	}, nil
}
