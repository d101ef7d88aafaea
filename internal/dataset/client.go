package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/render"
)

const maxBody = 32 << 20

// Client reads field catalogs and rows from the BI backend:
//
//	GET  {base}/api/v1/dataset/table/{id}/fields
//	POST {base}/api/v1/dataset/table/{id}/preview
//
// Both endpoints may wrap their payload in a {"code", "message", "data"}
// envelope.
type Client struct {
	base   string
	token  string
	client *http.Client
	log    *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithToken sets the bearer token sent with every request
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithLogger sets the client logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a dataset client
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchFieldCatalog implements catalog.Source
func (c *Client) FetchFieldCatalog(ctx context.Context, datasetID string) ([]catalog.FieldDescriptor, error) {
	body, err := c.do(ctx, http.MethodGet, c.tableURL(datasetID, "fields"), nil)
	if err != nil {
		return nil, err
	}
	list := payload(body)
	if !list.IsArray() {
		return nil, fmt.Errorf("dataset: fields of %s: expected an array", datasetID)
	}

	var fields []catalog.FieldDescriptor
	var ferr error
	list.ForEach(func(_, f gjson.Result) bool {
		var fd catalog.FieldDescriptor
		fd, ferr = parseField(f)
		if ferr != nil {
			ferr = fmt.Errorf("dataset: fields of %s: %w", datasetID, ferr)
			return false
		}
		fields = append(fields, fd)
		return true
	})
	if ferr != nil {
		return nil, ferr
	}
	c.log.Debug("fetched field catalog", zap.String("dataset_id", datasetID), zap.Int("fields", len(fields)))
	return fields, nil
}

// parseField reads one backend field. The display name wins over the column
// name; a missing groupType is derived from the declared type.
func parseField(f gjson.Result) (catalog.FieldDescriptor, error) {
	name := f.Get("displayName").String()
	if name == "" {
		name = f.Get("name").String()
	}
	if name == "" {
		return catalog.FieldDescriptor{}, fmt.Errorf("field without a name")
	}

	dt := catalog.ParseDeclaredType(f.Get("type").String())
	role := catalog.RoleDimension
	if gt := f.Get("groupType"); gt.Exists() && gt.String() != "" {
		r, err := catalog.ParseRole(gt.String())
		if err != nil {
			return catalog.FieldDescriptor{}, fmt.Errorf("field %s: %w", name, err)
		}
		role = r
	} else if dt.IsNumeric() {
		role = catalog.RoleMeasure
	}
	return catalog.FieldDescriptor{Name: name, DeclaredType: dt, Role: role}, nil
}

type wireClause struct {
	Field    string            `json:"field"`
	Operator filter.OperatorID `json:"operator"`
	Value    filter.Value      `json:"value"`
}

type previewRequest struct {
	Filters []wireClause `json:"filters"`
}

// FetchRows implements composition.RowSource
func (c *Client) FetchRows(ctx context.Context, datasetID string, filters []filter.Clause) ([]render.Row, error) {
	req := previewRequest{Filters: make([]wireClause, 0, len(filters))}
	for _, cl := range filters {
		req.Filters = append(req.Filters, wireClause{Field: cl.Field.Name, Operator: cl.Operator, Value: cl.Value})
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dataset: encode filters: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.tableURL(datasetID, "preview"), data)
	if err != nil {
		return nil, err
	}
	list := payload(body)
	if list.Type == gjson.Null {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("dataset: rows of %s: expected an array", datasetID)
	}

	rows := make([]render.Row, 0, len(list.Array()))
	var rerr error
	list.ForEach(func(_, r gjson.Result) bool {
		m, ok := r.Value().(map[string]interface{})
		if !ok {
			rerr = fmt.Errorf("dataset: rows of %s: row is not an object", datasetID)
			return false
		}
		rows = append(rows, render.Row(m))
		return true
	})
	if rerr != nil {
		return nil, rerr
	}
	return rows, nil
}

func (c *Client) tableURL(datasetID, action string) string {
	return fmt.Sprintf("%s/api/v1/dataset/table/%s/%s", c.base, url.PathEscape(datasetID), action)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("dataset: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("dataset: read response: %w", err)
	}
	c.log.Debug("dataset request",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("dataset: %s %s returned %d: %s", method, target, resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("dataset: response is not JSON")
	}
	if code := gjson.GetBytes(data, "code"); code.Exists() && code.Int() != 0 && code.Int() != http.StatusOK {
		return nil, fmt.Errorf("dataset: backend error %d: %s", code.Int(), gjson.GetBytes(data, "message").String())
	}
	return data, nil
}

// payload unwraps the optional response envelope
func payload(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if root.IsObject() {
		if data := root.Get("data"); data.Exists() {
			return data
		}
	}
	return root
}
