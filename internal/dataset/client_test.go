package dataset

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/cozy-insight/composer/internal/catalog"
	"github.com/cozy-insight/composer/internal/filter"
	"github.com/cozy-insight/composer/internal/render"
)

func serve(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2*time.Second, WithToken("secret"))
}

func TestClient_FetchFieldCatalog(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		want    []catalog.FieldDescriptor
		wantErr bool
	}{
		{
			name: "bare array",
			body: `[{"name":"region","type":"VARCHAR(64)","groupType":"d"},{"name":"amount","type":"DECIMAL(10,2)","groupType":"q"}]`,
			want: []catalog.FieldDescriptor{
				{Name: "region", DeclaredType: catalog.TypeText, Role: catalog.RoleDimension},
				{Name: "amount", DeclaredType: catalog.TypeDecimal, Role: catalog.RoleMeasure},
			},
		},
		{
			name: "envelope and derived role",
			body: `{"code":0,"message":"ok","data":[{"name":"qty","type":"BIGINT"},{"name":"day","displayName":"Day","type":"DATE"}]}`,
			want: []catalog.FieldDescriptor{
				{Name: "qty", DeclaredType: catalog.TypeInteger, Role: catalog.RoleMeasure},
				{Name: "Day", DeclaredType: catalog.TypeTime, Role: catalog.RoleDimension},
			},
		},
		{name: "bad group type", body: `[{"name":"x","type":"INT","groupType":"z"}]`, wantErr: true},
		{name: "nameless field", body: `[{"type":"INT"}]`, wantErr: true},
		{name: "not a list", body: `{"data":{"name":"x"}}`, wantErr: true},
		{name: "backend error code", body: `{"code":500,"message":"boom"}`, wantErr: true},
		{name: "http error", body: `{"message":"no such dataset"}`, status: http.StatusNotFound, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/api/v1/dataset/table/sales/fields", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = io.WriteString(w, tt.body)
			})

			got, err := c.FetchFieldCatalog(context.Background(), "sales")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_CatalogFetch(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"name":"region","type":"TEXT","groupType":"dimension"}]`)
	})
	cat, err := catalog.Fetch(context.Background(), c, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", cat.DatasetID())
	assert.Equal(t, 1, cat.Len())
}

func TestClient_FetchRows(t *testing.T) {
	region := catalog.FieldDescriptor{Name: "region", DeclaredType: catalog.TypeText, Role: catalog.RoleDimension}
	units := catalog.FieldDescriptor{Name: "units", DeclaredType: catalog.TypeInteger, Role: catalog.RoleMeasure}

	var sent []byte
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/dataset/table/sales/preview", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		sent, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"data":[{"region":"east","units":3},{"region":"west","units":4.5}]}`)
	})

	rows, err := c.FetchRows(context.Background(), "sales", []filter.Clause{
		{Field: region, Operator: filter.OpIn, Value: filter.List("east", "west")},
		{Field: units, Operator: filter.OpBetween, Value: filter.Pair(1, 10)},
	})
	require.NoError(t, err)
	assert.Equal(t, []render.Row{
		{"region": "east", "units": float64(3)},
		{"region": "west", "units": 4.5},
	}, rows)

	assert.Equal(t, "region", gjson.GetBytes(sent, "filters.0.field").String())
	assert.Equal(t, "in", gjson.GetBytes(sent, "filters.0.operator").String())
	assert.Equal(t, "between", gjson.GetBytes(sent, "filters.1.operator").String())
	assert.Len(t, gjson.GetBytes(sent, "filters").Array(), 2)
}

func TestClient_FetchRowsEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "empty", body: `[]`},
		{name: "null data", body: `{"data":null}`},
		{name: "scalar row", body: `[1,2]`, wantErr: true},
		{name: "invalid json", body: `{"data":[`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			rows, err := c.FetchRows(context.Background(), "sales", nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, rows, tt.want)
		})
	}
}

func TestClient_Cancelled(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchRows(ctx, "sales", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
