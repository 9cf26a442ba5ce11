// Package auth acquires and caches OAuth access tokens for the ledger and
// escrow audiences via the client-credentials grant.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway is subtracted from the declared token lifetime so a token is
// never used in its final seconds.
const expiryLeeway = 60 * time.Second

// TokenError reports a failed token exchange.
type TokenError struct {
	Status int
	Body   string
}

func (e *TokenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: token endpoint returned %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("auth: token exchange failed: %s", e.Body)
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Cache holds one access token per audience and refreshes each on expiry.
// Concurrent refreshes for the same audience may race and perform duplicate
// exchanges; exchanges are idempotent and the last writer's token wins.
type Cache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	// Now is the clock used for expiry checks; tests replace it.
	Now func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewCache creates a token cache for the given OAuth endpoint and client.
func NewCache(tokenURL, clientID, clientSecret string) *Cache {
	return &Cache{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		Now:          time.Now,
		tokens:       make(map[string]cachedToken),
	}
}

// Token returns a valid access token for the audience, exchanging client
// credentials when the cached one is missing or expired.
func (c *Cache) Token(ctx context.Context, audience string) (string, error) {
	now := c.Now()

	c.mu.Lock()
	if cached, ok := c.tokens[audience]; ok && now.Before(cached.expiresAt) {
		c.mu.Unlock()
		return cached.token, nil
	}
	c.mu.Unlock()

	token, expiresIn, err := c.exchange(ctx, audience)
	if err != nil {
		return "", err
	}

	leeway := expiryLeeway
	if expiresIn <= leeway {
		leeway = expiresIn / 2
	}

	c.mu.Lock()
	c.tokens[audience] = cachedToken{token: token, expiresAt: now.Add(expiresIn - leeway)}
	c.mu.Unlock()

	slog.Debug("access token refreshed", "audience", audience, "expires_in", expiresIn.Seconds())
	return token, nil
}

func (c *Cache) exchange(ctx context.Context, audience string) (string, time.Duration, error) {
	payload := map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"audience":      audience,
		"grant_type":    "client_credentials",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, &TokenError{Body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, &TokenError{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &TokenError{Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, &TokenError{Status: resp.StatusCode, Body: string(b)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, &TokenError{Body: "malformed token response: " + err.Error()}
	}
	if tokenResp.AccessToken == "" {
		return "", 0, &TokenError{Status: resp.StatusCode, Body: "token response missing access_token"}
	}

	expiresIn := 5 * time.Minute
	if tokenResp.ExpiresIn > 0 {
		expiresIn = time.Duration(tokenResp.ExpiresIn) * time.Second
	}
	return tokenResp.AccessToken, expiresIn, nil
}

// UserSubject extracts the unverified "sub" claim from a forwarded bearer
// token. Verification is the auth collaborator's job; the subject is only
// used as the ledger userId for user-scoped calls.
func UserSubject(tokenString string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("auth: parse bearer token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("auth: bearer token has no claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("auth: bearer token missing sub claim")
	}
	return sub, nil
}
