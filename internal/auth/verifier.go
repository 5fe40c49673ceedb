package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken is returned when the auth service rejects a credential.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier resolves a bearer token to the owning user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Client verifies tokens against the external auth service's /verify
// endpoint. The service answers 200 with the subject in the X-User-Id
// response header, or 401 for a bad credential.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a verification client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Verify checks the token and returns the owner id it belongs to.
func (c *Client) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/verify", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		ownerID := resp.Header.Get("X-User-Id")
		if ownerID == "" {
			return "", fmt.Errorf("auth service returned no subject")
		}
		return ownerID, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrInvalidToken

	default:
		c.logger.Error("Unexpected auth service response",
			slog.Int("status", resp.StatusCode),
		)
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}
}
