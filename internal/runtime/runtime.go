// Package runtime manages assigned compute runtimes: the per-runtime
// connection state machine, the process-wide connection pool, and the
// assignment logic that decides between reusing and acquiring capacity.
package runtime

import (
	"github.com/cgpu-dev/cgpu/internal/api"
)

// AssignedRuntime is one remote compute runtime assigned to the account.
// Immutable once created; Endpoint is the pooling/reuse key. The proxy token
// is refreshed in place by the control plane when a runtime is reused.
type AssignedRuntime struct {
	Label       string
	Accelerator string
	Endpoint    string
	Proxy       api.Proxy
}
