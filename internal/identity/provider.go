package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
)

// ProviderClient talks to the external identity provider that issues
// human-user tokens — explicitly an external collaborator, never
// reimplemented here. Register and Login proxy to it and return its
// response unchanged to the caller, per the identity store contract.
type ProviderClient struct {
	baseURL string
	http    *http.Client
}

func NewProviderClient(baseURL string) *ProviderClient {
	return &ProviderClient{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

type ProviderTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	UserID       string `json:"user_id"`
}

// Register creates a user against the external provider and returns the
// provider-assigned user id, which becomes the Profile's id.
func (p *ProviderClient) Register(ctx context.Context, email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TransientUnavailable, err, "identity provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", apperr.New(apperr.Conflict, "email already registered")
	}
	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.InvalidInput, "identity provider rejected registration")
	}

	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "decode provider response")
	}
	return out.UserID, nil
}

// Login proxies a login request and returns the provider's tokens unchanged.
func (p *ProviderClient) Login(ctx context.Context, email, password string) (*ProviderTokens, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, err, "identity provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credentials").WithCode("bad_credentials")
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.Unauthenticated, "login failed")
	}

	var tokens ProviderTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode provider response")
	}
	return &tokens, nil
}
