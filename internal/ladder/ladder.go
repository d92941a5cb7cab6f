/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Fallback Ladder primitive: run an ordered set of rungs, short-
 * circuiting on the first success, recording per-rung timing and
 * outcome so a caller can diagnose a total failure.
 */

// Package ladder implements the generic fallback-ladder executor
// that the enumeration strategy stack (internal/enum) is built on.
// Retry is modeled as a rung, not as a loop inside Execute: a caller
// that wants N attempts at one operation lists it N times.
package ladder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
)

// Attempt records one rung's outcome, for the ✓/✗ report Diagnostic
// renders. FallbackAllFailed itself carries only the rungs' errors;
// the timings reach the caller through Result.Attempts.
type Attempt struct {
	Name      string
	Duration  time.Duration
	Succeeded bool
	Err       error
}

// String renders one attempt as "✓ name (12ms)" or "✗ name (12ms): err".
func (a Attempt) String() string {
	mark := "✓"
	if !a.Succeeded {
		mark = "✗"
	}
	if a.Succeeded {
		return fmt.Sprintf("%s %s (%s)", mark, a.Name, a.Duration)
	}
	return fmt.Sprintf("%s %s (%s): %s", mark, a.Name, a.Duration, a.Err)
}

// Rung is one attempt in a fallback ladder: a name for diagnostics
// and a function to try.
type Rung[T any] struct {
	Name    string
	Attempt func(ctx context.Context) (T, error)
}

// Result is what Execute returns. On failure only Attempts is set.
type Result[T any] struct {
	Value       T
	WinningRung string
	Attempts    []Attempt
}

// Execute runs rungs in order, returning the first success. If every
// rung fails it returns a *ptperr.FallbackAllFailed carrying every
// rung's error, in order, so callers can inspect each one via
// errors.As, together with a Result whose Attempts hold every rung's
// timing for Diagnostic.
func Execute[T any](ctx context.Context, rungs []Rung[T]) (Result[T], error) {
	attempts := make([]Attempt, 0, len(rungs))

	for _, r := range rungs {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Name: r.Name, Succeeded: false, Err: err})
			continue
		}

		start := time.Now()
		val, err := r.Attempt(ctx)
		dur := time.Since(start)

		if err == nil {
			attempts = append(attempts, Attempt{Name: r.Name, Duration: dur, Succeeded: true})
			return Result[T]{Value: val, WinningRung: r.Name, Attempts: attempts}, nil
		}

		attempts = append(attempts, Attempt{Name: r.Name, Duration: dur, Succeeded: false, Err: err})
	}

	errs := make([]error, len(attempts))
	for i, a := range attempts {
		errs[i] = a.Err
	}

	return Result[T]{Attempts: attempts}, &ptperr.FallbackAllFailed{Attempts: errs}
}

// Diagnostic renders a slice of Attempt as a multi-line ✓/✗ report,
// one line per rung, in the order they ran.
func Diagnostic(attempts []Attempt) string {
	lines := make([]string, len(attempts))
	for i, a := range attempts {
		lines[i] = a.String()
	}
	return strings.Join(lines, "\n")
}
