/**
 * @description
 * This package provides a client for communicating with the user-service.
 * It resolves user identities for account holder and membership checks.
 */
package userclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/domain"
)

// Client is a client for the user service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new user service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type userResponse struct {
	ID        string   `json:"id"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
}

// FindUserByID fetches a user from the user service. A 404 maps to
// domain.ErrUserNotFound.
func (c *Client) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("user service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/users/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to user service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrUserNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("user service returned error status %d", resp.StatusCode)
	}

	var body userResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	id, err := uuid.Parse(body.ID)
	if err != nil {
		return nil, fmt.Errorf("user service returned invalid id %q: %w", body.ID, err)
	}
	roles := make([]domain.Role, 0, len(body.Roles))
	for _, role := range body.Roles {
		roles = append(roles, domain.Role(strings.ToLower(strings.TrimSpace(role))))
	}
	return &domain.User{
		ID:        id,
		FirstName: body.FirstName,
		LastName:  body.LastName,
		Email:     body.Email,
		Roles:     roles,
	}, nil
}
