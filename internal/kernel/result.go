package kernel

import (
	"strings"
	"sync"
	"time"

	"github.com/cgpu-dev/cgpu/pkg/protocol"
)

// MaxStreamBytes caps the bytes accumulated per output stream for one
// execution. Bytes past the cap are dropped and a truncation notice is
// appended to stderr when the execution completes.
const MaxStreamBytes = 1 << 20 // 1 MiB

// ExecutionError describes an exception the kernel raised.
type ExecutionError struct {
	Name      string
	Value     string
	Traceback []string
}

// Timing records when one execution started and finished.
type Timing struct {
	Started    time.Time
	Completed  time.Time
	DurationMS int64
}

// ExecutionResult is the accumulated view of one code execution. It is
// mutated incrementally as streaming events arrive and finalized by the
// terminal execute_reply.
type ExecutionResult struct {
	Status         string
	ExecutionCount int
	Stdout         string
	Stderr         string
	Traceback      []string
	DisplayData    []protocol.DisplayDataContent
	Error          *ExecutionError
	Timing         Timing
}

// accumulator folds streaming events for one request into an
// ExecutionResult. Events arrive on the read pump goroutine; result() is
// read by the Execute caller, so access is serialized by a mutex.
type accumulator struct {
	mu          sync.Mutex
	res         ExecutionResult
	stdout      strings.Builder
	stderr      strings.Builder
	stdoutTrunc bool
	stderrTrunc bool
}

func newAccumulator() *accumulator {
	return &accumulator{res: ExecutionResult{Timing: Timing{Started: time.Now()}}}
}

// consume folds one correlated event into the result and reports whether it
// was the terminal execute_reply.
func (a *accumulator) consume(m *protocol.Message) (terminal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m.Header.MsgType {
	case protocol.MsgTypeStream:
		var content protocol.StreamContent
		if m.DecodeContent(&content) != nil {
			return false
		}
		if content.Name == protocol.StreamStderr {
			a.stderrTrunc = appendCapped(&a.stderr, content.Text) || a.stderrTrunc
		} else {
			a.stdoutTrunc = appendCapped(&a.stdout, content.Text) || a.stdoutTrunc
		}

	case protocol.MsgTypeDisplayData, protocol.MsgTypeExecuteResult:
		var content protocol.DisplayDataContent
		if m.DecodeContent(&content) != nil {
			return false
		}
		a.res.DisplayData = append(a.res.DisplayData, content)

	case protocol.MsgTypeError:
		// Not terminal: the kernel may still emit a final reply.
		var content protocol.ErrorContent
		if m.DecodeContent(&content) != nil {
			return false
		}
		a.res.Error = &ExecutionError{Name: content.Name, Value: content.Value, Traceback: content.Traceback}
		a.res.Traceback = content.Traceback

	case protocol.MsgTypeExecuteReply:
		var content protocol.ExecuteReplyContent
		if m.DecodeContent(&content) != nil {
			return false
		}
		a.res.Status = content.Status
		a.res.ExecutionCount = content.ExecutionCount
		a.res.Timing.Completed = time.Now()
		a.res.Timing.DurationMS = a.res.Timing.Completed.Sub(a.res.Timing.Started).Milliseconds()
		return true
	}
	return false
}

// result finalizes and returns the accumulated view.
func (a *accumulator) result() *ExecutionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stdoutTrunc {
		a.stderr.WriteString("\n[stdout truncated at 1 MiB]")
	}
	if a.stderrTrunc {
		a.stderr.WriteString("\n[stderr truncated at 1 MiB]")
	}
	a.res.Stdout = a.stdout.String()
	a.res.Stderr = a.stderr.String()

	res := a.res
	return &res
}

// appendCapped writes text to b up to MaxStreamBytes and reports whether any
// bytes were dropped.
func appendCapped(b *strings.Builder, text string) (truncated bool) {
	remaining := MaxStreamBytes - b.Len()
	if remaining <= 0 {
		return len(text) > 0
	}
	if len(text) > remaining {
		b.WriteString(text[:remaining])
		return true
	}
	b.WriteString(text)
	return false
}
