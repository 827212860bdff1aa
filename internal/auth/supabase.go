// Package auth verifies investor access tokens against Supabase and guards admin
// routes with a static operator token.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized marks credentials Supabase rejected, as opposed to transport failures.
var ErrUnauthorized = errors.New("unauthorized")

const maxErrorBody = 2048

type SupabaseClient struct {
	baseURL string
	anonKey string
	http    *http.Client
}

// Session is the token pair Supabase hands out. User.ID doubles as the investor id.
type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	TokenType    string       `json:"token_type"`
	User         SupabaseUser `json:"user"`
}

type SupabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func NewSupabaseClient(baseURL, anonKey string) *SupabaseClient {
	return &SupabaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// SignUp creates the account. With email confirmation enabled the returned
// session has no access token yet.
func (c *SupabaseClient) SignUp(ctx context.Context, email, password string) (Session, error) {
	var out Session
	err := c.call(ctx, http.MethodPost, "/auth/v1/signup", "", credentials(email, password), &out)
	return out, err
}

func (c *SupabaseClient) Login(ctx context.Context, email, password string) (Session, error) {
	return c.grant(ctx, "password", credentials(email, password))
}

// Refresh exchanges a refresh token for a new session.
func (c *SupabaseClient) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// VerifyAccessToken resolves a bearer token to its user.
func (c *SupabaseClient) VerifyAccessToken(ctx context.Context, accessToken string) (SupabaseUser, error) {
	var user SupabaseUser
	if err := c.call(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return SupabaseUser{}, fmt.Errorf("verify token: %w", err)
	}
	if user.ID == "" {
		return SupabaseUser{}, fmt.Errorf("verify token: %w: no user id", ErrUnauthorized)
	}
	return user, nil
}

func (c *SupabaseClient) grant(ctx context.Context, grantType string, payload map[string]string) (Session, error) {
	var out Session
	if err := c.call(ctx, http.MethodPost, "/auth/v1/token?grant_type="+grantType, "", payload, &out); err != nil {
		return Session{}, fmt.Errorf("%s grant: %w", grantType, err)
	}
	return out, nil
}

func credentials(email, password string) map[string]string {
	return map[string]string{"email": email, "password": password}
}

func (c *SupabaseClient) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode supabase response: %w", err)
	}
	return nil
}

// statusError keeps rejected credentials distinguishable from outages so the API
// can answer 401 rather than 502.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w (status %d): %s", ErrUnauthorized, status, msg)
	default:
		return fmt.Errorf("supabase status %d: %s", status, msg)
	}
}

// AdminTokenMatches compares an operator token in constant time. An empty
// expected token never matches.
func AdminTokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
