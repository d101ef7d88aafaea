package permission

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPChecker queries the BI backend's permission endpoint:
//
//	GET {base}/api/v1/permission/check?resourceType=&resourceId=&action=
//
// The answer is read from "hasPermission", optionally wrapped in a "data"
// envelope.
type HTTPChecker struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPChecker creates a checker. The bearer token identifies the user.
func NewHTTPChecker(baseURL, token string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// WithToken returns a checker acting for another user
func (c *HTTPChecker) WithToken(token string) *HTTPChecker {
	cp := *c
	cp.token = token
	return &cp
}

// HasPermission implements Checker
func (c *HTTPChecker) HasPermission(ctx context.Context, resourceType, resourceID, action string) (bool, error) {
	q := url.Values{}
	q.Set("resourceType", resourceType)
	q.Set("resourceId", resourceID)
	q.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/permission/check?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("permission: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("permission: check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("permission: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("permission: check returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return false, fmt.Errorf("permission: response is not JSON")
	}

	for _, path := range []string{"hasPermission", "data.hasPermission"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			if v.Type != gjson.True && v.Type != gjson.False {
				return false, fmt.Errorf("permission: %s is not a boolean", path)
			}
			return v.Bool(), nil
		}
	}
	return false, fmt.Errorf("permission: response has no hasPermission field")
}
