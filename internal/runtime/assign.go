package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cgpu-dev/cgpu/internal/api"
)

// ErrOutOfCapacity means every assignment candidate failed transiently; the
// request is safe to retry later.
var ErrOutOfCapacity = errors.New("temporarily out of capacity")

// errNoReusableRuntime signals that no existing assignment matches the
// requested family.
var errNoReusableRuntime = errors.New("no reusable runtime")

// preferredGPUs is the modern subset tried before the rest of the eligible
// list, in this order. Matched case-insensitively.
var preferredGPUs = []string{"A100", "L4", "P100", "T4", "V100"}

// cpuCandidate is the single placeholder candidate for the CPU/default
// family; the control plane picks the actual machine shape.
const cpuCandidate = "cpu"

// AssignRequest describes one runtime acquisition.
type AssignRequest struct {
	Family   string // api.FamilyGPU, api.FamilyTPU or api.FamilyDefault
	ForceNew bool   // skip the reuse-before-allocate step
	Quiet    bool   // demote progress logging to debug
}

// Assigner produces an AssignedRuntime for a requested accelerator family,
// reusing existing capacity when possible. It holds no state besides the
// control-plane client and is safe to construct per call.
type Assigner struct {
	api    api.Client
	logger *slog.Logger
}

// NewAssigner builds an assigner over the control-plane client.
func NewAssigner(client api.Client, logger *slog.Logger) *Assigner {
	return &Assigner{api: client, logger: logger.With("component", "assigner")}
}

// Assign resolves the request to a runtime: reuse first unless forced,
// then fresh allocation over a prioritized candidate list, retrying past
// transient failures and falling back to reuse when the account's quota is
// already spent.
func (a *Assigner) Assign(ctx context.Context, req AssignRequest) (*AssignedRuntime, error) {
	family := req.Family
	if family == "" {
		family = api.FamilyDefault
	}

	if !req.ForceNew {
		rt, err := a.reuse(ctx, family)
		if err == nil {
			a.progress(req, "reusing assigned runtime", "endpoint", rt.Endpoint, "accelerator", rt.Accelerator)
			return rt, nil
		}
		a.logger.Debug("reuse unavailable, allocating", "family", family, "reason", err)
	}

	candidates, err := a.candidates(ctx, family)
	if err != nil {
		return nil, err
	}

	var attempted []string
	for _, candidate := range candidates {
		attempted = append(attempted, candidate)
		a.progress(req, "requesting runtime", "family", family, "accelerator", candidate)

		result, err := a.api.Assign(ctx, uuid.NewString(), family, candidate)
		if err == nil {
			rt := fromAssignment(result.Assignment)
			a.progress(req, "runtime assigned", "endpoint", rt.Endpoint, "accelerator", rt.Accelerator, "new", result.IsNew)
			return rt, nil
		}

		if errors.Is(err, api.ErrTooManyAssignments) {
			// The quota is spent; an existing runtime may still serve the
			// request. One reuse attempt, then surface the conflict.
			if rt, reuseErr := a.reuse(ctx, family); reuseErr == nil {
				a.progress(req, "quota spent, reusing assigned runtime", "endpoint", rt.Endpoint)
				return rt, nil
			}
			return nil, fmt.Errorf("runtime quota exhausted for this account: %w; release an assigned runtime (cgpu release) or rerun without --new to reuse one", err)
		}
		if api.IsTransient(err) {
			a.logger.Warn("candidate unavailable, trying next", "accelerator", candidate, "error", err)
			continue
		}
		return nil, fmt.Errorf("assign %s runtime: %w", candidate, err)
	}

	return nil, fmt.Errorf("%w: attempted candidates %s", ErrOutOfCapacity, strings.Join(attempted, ", "))
}

// progress logs user-visible allocation progress at info, or debug when the
// request asked for quiet output.
func (a *Assigner) progress(req AssignRequest, msg string, args ...any) {
	if req.Quiet {
		a.logger.Debug(msg, args...)
		return
	}
	a.logger.Info(msg, args...)
}

// reuse returns the first existing assignment matching the family, with its
// proxy token refreshed in place.
func (a *Assigner) reuse(ctx context.Context, family string) (*AssignedRuntime, error) {
	assignments, err := a.api.ListAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	for _, assignment := range assignments {
		if !strings.EqualFold(assignment.Family, family) {
			continue
		}
		proxy, err := a.api.RefreshConnection(ctx, assignment.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("refresh connection for %s: %w", assignment.Endpoint, err)
		}
		assignment.Proxy = *proxy
		rt := fromAssignment(assignment)
		fillTokenExpiry(&rt.Proxy)
		return rt, nil
	}
	return nil, errNoReusableRuntime
}

// candidates builds the ordered accelerator list for one assignment request.
func (a *Assigner) candidates(ctx context.Context, family string) ([]string, error) {
	switch family {
	case api.FamilyGPU:
		eligible, err := a.api.EligibleAccelerators(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("list eligible accelerators: %w", err)
		}
		return prioritizeGPUs(eligible), nil
	case api.FamilyTPU:
		eligible, err := a.api.EligibleAccelerators(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("list eligible accelerators: %w", err)
		}
		return eligible, nil
	default:
		return []string{cpuCandidate}, nil
	}
}

// prioritizeGPUs reorders an eligible list so the preferred modern subset
// comes first, preserving relative order within each group.
func prioritizeGPUs(eligible []string) []string {
	preferred := make(map[string]bool, len(preferredGPUs))
	for _, name := range preferredGPUs {
		preferred[strings.ToUpper(name)] = true
	}

	out := make([]string, 0, len(eligible))
	for _, name := range eligible {
		if preferred[strings.ToUpper(name)] {
			out = append(out, name)
		}
	}
	for _, name := range eligible {
		if !preferred[strings.ToUpper(name)] {
			out = append(out, name)
		}
	}
	return out
}

func fromAssignment(a api.Assignment) *AssignedRuntime {
	return &AssignedRuntime{
		Label:       a.Label,
		Accelerator: a.Accelerator,
		Endpoint:    a.Endpoint,
		Proxy:       a.Proxy,
	}
}

// fillTokenExpiry derives the proxy token lifetime from its JWT exp claim
// when the control plane omitted token_expires_in_seconds.
func fillTokenExpiry(p *api.Proxy) {
	if p.TokenExpiresInSeconds > 0 {
		return
	}
	if exp, ok := api.TokenExpiry(p.Token); ok {
		if remaining := time.Until(exp); remaining > 0 {
			p.TokenExpiresInSeconds = int64(remaining.Seconds())
		}
	}
}
