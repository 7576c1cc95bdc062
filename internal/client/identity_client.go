package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// IdentityClient implements service.IdentityClient against the platform
// identity service's HTTP API.
type IdentityClient struct {
	baseURL string
	client  *http.Client
}

// NewIdentityClient creates a client for the identity service at baseURL.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IdentityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ResolveUser returns a user by id.
func (c *IdentityClient) ResolveUser(ctx context.Context, userID string) (*service.User, error) {
	path := fmt.Sprintf("/api/v1/users/get?id=%s", url.QueryEscape(userID))

	var user service.User
	if err := c.get(ctx, path, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.NotFound("user", userID)
	}
	return &user, nil
}

// GetUsersWithRole returns user IDs that hold the given role for a tenant.
func (c *IdentityClient) GetUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	path := fmt.Sprintf("/api/v1/users?tenant_id=%s&role=%s",
		url.QueryEscape(tenantID), url.QueryEscape(role))

	var resp struct {
		Users []service.User `json:"users"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Users))
	for _, u := range resp.Users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// GetManager returns the manager's user id, or "" when the user has none.
func (c *IdentityClient) GetManager(ctx context.Context, tenantID, userID string) (string, error) {
	path := fmt.Sprintf("/api/v1/users/manager?tenant_id=%s&user_id=%s",
		url.QueryEscape(tenantID), url.QueryEscape(userID))

	var resp struct {
		Manager *service.User `json:"manager"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return "", err
	}
	if resp.Manager == nil {
		return "", nil
	}
	return resp.Manager.ID, nil
}

func (c *IdentityClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "identity service request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.ErrCodeNotFound, "identity resource not found")
	case resp.StatusCode >= 400:
		return errors.Newf(errors.ErrCodeInternal, "identity service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode identity response")
	}
	return nil
}
