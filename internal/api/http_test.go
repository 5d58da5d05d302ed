package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgpu-dev/cgpu/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.APIConfig{
		BaseURL: srv.URL,
		Token:   "account-token",
		Timeout: config.Duration{Duration: 5 * time.Second},
	}
	return NewHTTPClient(cfg, testLogger()), srv
}

func TestHTTPClient_Assign(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/assignments", r.URL.Path)
		assert.Equal(t, "Bearer account-token", r.Header.Get("Authorization"))

		var req struct {
			IdempotencyKey string `json:"idempotency_key"`
			Family         string `json:"family"`
			Accelerator    string `json:"accelerator"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpu", req.Family)
		assert.Equal(t, "A100", req.Accelerator)

		json.NewEncoder(w).Encode(AssignResult{
			Assignment: Assignment{
				Label:       "gpu-a100",
				Accelerator: "A100",
				Family:      "gpu",
				Endpoint:    "runtime-1",
				Proxy:       Proxy{URL: "https://proxy-1", Token: "pt", TokenExpiresInSeconds: 3600},
			},
			IsNew: true,
		})
	}))

	result, err := client.Assign(context.Background(), "key-1", "gpu", "A100")
	require.NoError(t, err)
	assert.True(t, result.IsNew)
	assert.Equal(t, "runtime-1", result.Assignment.Endpoint)
	assert.Equal(t, int64(3600), result.Assignment.Proxy.TokenExpiresInSeconds)
}

func TestHTTPClient_AssignTooManyAssignments(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many assignments for account", http.StatusConflict)
	}))

	_, err := client.Assign(context.Background(), "key-1", "gpu", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyAssignments)
}

func TestHTTPClient_AssignServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend overloaded", http.StatusServiceUnavailable)
	}))

	_, err := client.Assign(context.Background(), "key-1", "gpu", "T4")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, errors.Is(err, ErrTooManyAssignments))
}

func TestHTTPClient_ListAssignments(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]any{
			"assignments": []Assignment{
				{Endpoint: "ep-1", Accelerator: "T4", Family: "gpu"},
				{Endpoint: "ep-2", Accelerator: "v3-8", Family: "tpu"},
			},
		})
	}))

	assignments, err := client.ListAssignments(context.Background())
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "ep-1", assignments[0].Endpoint)
}

func TestHTTPClient_KernelCallsUseProxy(t *testing.T) {
	t.Parallel()

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kernels/k-1", r.URL.Path)
		assert.Equal(t, "proxy-token", r.URL.Query().Get("token"))
		json.NewEncoder(w).Encode(Kernel{ID: "k-1", ExecutionState: "idle"})
	}))
	t.Cleanup(proxy.Close)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("control plane must not be called for kernel polls")
	}))

	kernel, err := client.GetKernel(context.Background(), "k-1", proxy.URL, "proxy-token")
	require.NoError(t, err)
	assert.Equal(t, "idle", kernel.ExecutionState)
}

func TestHTTPClient_DeleteKernel(t *testing.T) {
	t.Parallel()

	var method string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(proxy.Close)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	require.NoError(t, client.DeleteKernel(context.Background(), "k-1", proxy.URL, "tok"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestProxyEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://p/api/kernels?token=abc", proxyEndpoint("https://p/", "/api/kernels", "abc"))
	assert.Equal(t, "https://p/api/kernels", proxyEndpoint("https://p", "/api/kernels", ""))
	assert.Equal(t, "https://p/api/k?x=1&token=a+b", proxyEndpoint("https://p", "/api/k?x=1", "a b"))
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	got, ok := TokenExpiry(signed)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	signed, err = noExp.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, ok = TokenExpiry(signed)
	assert.False(t, ok)
}
