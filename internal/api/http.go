package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cgpu-dev/cgpu/internal/config"
)

// HTTPClient implements Client against the service's REST API. Control-plane
// calls go to the configured base URL with the account bearer token;
// kernel/session calls go to the assigned runtime's proxy URL with its proxy
// token.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewHTTPClient builds a control-plane client from config.
func NewHTTPClient(cfg config.APIConfig, logger *slog.Logger) *HTTPClient {
	transport := http.DefaultTransport
	if cfg.TLSSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &HTTPClient{
		http:    &http.Client{Timeout: cfg.Timeout.Duration, Transport: transport},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger.With("component", "api-client"),
	}
}

func (c *HTTPClient) Assign(ctx context.Context, idempotencyKey, family, accelerator string) (*AssignResult, error) {
	req := struct {
		IdempotencyKey string `json:"idempotency_key"`
		Family         string `json:"family"`
		Accelerator    string `json:"accelerator,omitempty"`
	}{idempotencyKey, family, accelerator}

	var result AssignResult
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/assignments", c.token, req, &result); err != nil {
		if se := asStatus(err); se != nil && (se.Code == http.StatusConflict || strings.Contains(se.Body, "too many assignments")) {
			return nil, fmt.Errorf("%w: %s", ErrTooManyAssignments, se.Body)
		}
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) ListAssignments(ctx context.Context) ([]Assignment, error) {
	var resp struct {
		Assignments []Assignment `json:"assignments"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/assignments", c.token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Assignments, nil
}

func (c *HTTPClient) RefreshConnection(ctx context.Context, endpoint string) (*Proxy, error) {
	req := struct {
		Endpoint string `json:"endpoint"`
	}{endpoint}

	var proxy Proxy
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/assignments/refresh", c.token, req, &proxy); err != nil {
		return nil, err
	}
	return &proxy, nil
}

func (c *HTTPClient) EligibleAccelerators(ctx context.Context, family string) ([]string, error) {
	var resp struct {
		Accelerators []string `json:"accelerators"`
	}
	u := c.baseURL + "/api/v1/accelerators?family=" + url.QueryEscape(family)
	if err := c.do(ctx, http.MethodGet, u, c.token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accelerators, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, notebookPath, kernelName, proxyURL, proxyToken string) (*Session, error) {
	req := struct {
		Path   string `json:"path"`
		Type   string `json:"type"`
		Kernel struct {
			Name string `json:"name"`
		} `json:"kernel"`
	}{Path: notebookPath, Type: "notebook"}
	req.Kernel.Name = kernelName

	var session Session
	if err := c.do(ctx, http.MethodPost, proxyEndpoint(proxyURL, "/api/sessions", proxyToken), "", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *HTTPClient) GetKernel(ctx context.Context, kernelID, proxyURL, proxyToken string) (*Kernel, error) {
	var kernel Kernel
	u := proxyEndpoint(proxyURL, "/api/kernels/"+url.PathEscape(kernelID), proxyToken)
	if err := c.do(ctx, http.MethodGet, u, "", nil, &kernel); err != nil {
		return nil, err
	}
	return &kernel, nil
}

func (c *HTTPClient) DeleteKernel(ctx context.Context, kernelID, proxyURL, proxyToken string) error {
	u := proxyEndpoint(proxyURL, "/api/kernels/"+url.PathEscape(kernelID), proxyToken)
	return c.do(ctx, http.MethodDelete, u, "", nil, nil)
}

func (c *HTTPClient) ListKernels(ctx context.Context, proxyURL, proxyToken string) ([]Kernel, error) {
	var kernels []Kernel
	if err := c.do(ctx, http.MethodGet, proxyEndpoint(proxyURL, "/api/kernels", proxyToken), "", nil, &kernels); err != nil {
		return nil, err
	}
	return kernels, nil
}

func (c *HTTPClient) SendKeepAlive(ctx context.Context, endpoint string) error {
	req := struct {
		Endpoint string `json:"endpoint"`
	}{endpoint}
	return c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/assignments/keepalive", c.token, req, nil)
}

// do issues one JSON request. A non-2xx response becomes a *StatusError.
func (c *HTTPClient) do(ctx context.Context, method, rawURL, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("control plane error", "method", method, "url", rawURL, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// proxyEndpoint joins a runtime proxy URL with a path, carrying the proxy
// token as a query parameter the way the notebook server expects.
func proxyEndpoint(proxyURL, path, token string) string {
	u := strings.TrimRight(proxyURL, "/") + path
	if token == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "token=" + url.QueryEscape(token)
}

func asStatus(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
