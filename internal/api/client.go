// Package api talks to the notebook service's control plane: runtime
// assignment, proxy token refresh, and kernel/session management on the
// assigned runtime's proxy.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Accelerator families a runtime can be requested for.
const (
	FamilyGPU     = "gpu"
	FamilyTPU     = "tpu"
	FamilyDefault = "default"
)

// ErrTooManyAssignments means the account's concurrent-runtime quota is
// already used. It is terminal for the current allocation attempt.
var ErrTooManyAssignments = errors.New("too many concurrent assignments")

// Proxy carries the credentials for reaching an assigned runtime.
type Proxy struct {
	URL                   string `json:"url"`
	Token                 string `json:"token"`
	TokenExpiresInSeconds int64  `json:"token_expires_in_seconds"`
}

// Assignment describes one runtime assigned to the account.
type Assignment struct {
	Label       string `json:"label"`
	Accelerator string `json:"accelerator"`
	Family      string `json:"family"`
	Endpoint    string `json:"endpoint"`
	Proxy       Proxy  `json:"proxy"`
}

// AssignResult is the control plane's answer to an assignment request.
type AssignResult struct {
	Assignment Assignment `json:"assignment"`
	IsNew      bool       `json:"is_new"`
}

// Kernel describes a kernel running behind a runtime's proxy.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ExecutionState string `json:"execution_state"`
	Connections    int    `json:"connections"`
}

// Session is a notebook session binding a kernel to a notebook path.
type Session struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Kernel Kernel `json:"kernel"`
}

// Client is the control-plane surface the core depends on. All calls are
// network requests; 5xx responses are transient, everything else is terminal
// for the current attempt.
type Client interface {
	// Assign requests a runtime for the given family, optionally pinned to a
	// specific accelerator. The idempotency key dedupes retried requests.
	Assign(ctx context.Context, idempotencyKey, family, accelerator string) (*AssignResult, error)
	// ListAssignments returns the account's current runtime assignments.
	ListAssignments(ctx context.Context) ([]Assignment, error)
	// RefreshConnection re-issues the proxy credentials for an endpoint.
	RefreshConnection(ctx context.Context, endpoint string) (*Proxy, error)
	// EligibleAccelerators returns the accelerator names the account may
	// request within a family.
	EligibleAccelerators(ctx context.Context, family string) ([]string, error)
	// CreateSession creates a notebook session (and kernel) behind the proxy.
	CreateSession(ctx context.Context, notebookPath, kernelName, proxyURL, proxyToken string) (*Session, error)
	// GetKernel polls one kernel's execution state.
	GetKernel(ctx context.Context, kernelID, proxyURL, proxyToken string) (*Kernel, error)
	// DeleteKernel shuts a kernel down.
	DeleteKernel(ctx context.Context, kernelID, proxyURL, proxyToken string) error
	// ListKernels lists the kernels running behind the proxy.
	ListKernels(ctx context.Context, proxyURL, proxyToken string) ([]Kernel, error)
	// SendKeepAlive tells the control plane the endpoint is still in use.
	SendKeepAlive(ctx context.Context, endpoint string) error
}

// StatusError is a non-2xx control-plane response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("control plane: HTTP %d: %s", e.Code, body)
}

// IsTransient reports whether err is a 5xx-class control-plane error, which
// is safe to retry with a different candidate.
func IsTransient(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// TokenExpiry extracts the expiry from a proxy token's JWT claims without
// verifying the signature. Returns false when the token is not a JWT or
// carries no exp claim.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
