package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocHandler_EveryOperationIsRouted(t *testing.T) {
	s := newTestServer(t, "", 3)

	routes := map[string]bool{}
	err := chi.Walk(s.router.(chi.Routes), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	require.NoError(t, err)

	for _, op := range apiOperations {
		assert.True(t, routes[op.Method+" "+op.Path], "%s %s is documented but not routed", op.Method, op.Path)
	}
}

func TestDocHandler_OpenAPISpec(t *testing.T) {
	s := newTestServer(t, "", 3)

	resp, body := s.get(t, "/api/docs/openapi.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var spec struct {
		OpenAPI string                               `json:"openapi"`
		Paths   map[string]map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &spec))
	assert.Equal(t, "3.0.0", spec.OpenAPI)
	assert.Contains(t, spec.Paths["/api/history"], "get")
	assert.Contains(t, spec.Paths["/api/history"], "delete")
	assert.Equal(t, []any{"insights"}, spec.Paths["/api/insight"]["post"]["tags"])

	resp, page := s.get(t, "/api/docs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "swagger-ui")
}

func TestDocHandler_ServerURL(t *testing.T) {
	spec := NewDocHandler("http://localhost:8080").spec()
	assert.Equal(t, []map[string]string{{"url": "http://localhost:8080"}}, spec["servers"])

	assert.NotContains(t, NewDocHandler("").spec(), "servers")
}
