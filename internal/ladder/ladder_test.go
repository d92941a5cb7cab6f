package ladder

import (
	"context"
	"errors"
	"testing"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
)

func TestExecuteFirstSuccessWins(t *testing.T) {
	var ran []string

	rungs := []Rung[int]{
		{Name: "a", Attempt: func(ctx context.Context) (int, error) {
			ran = append(ran, "a")
			return 0, errors.New("nope")
		}},
		{Name: "b", Attempt: func(ctx context.Context) (int, error) {
			ran = append(ran, "b")
			return 42, nil
		}},
		{Name: "c", Attempt: func(ctx context.Context) (int, error) {
			ran = append(ran, "c")
			return 0, errors.New("never runs")
		}},
	}

	result, err := Execute(context.Background(), rungs)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if result.Value != 42 || result.WinningRung != "b" {
		t.Fatalf("got %+v", result)
	}
	if len(ran) != 2 {
		t.Fatalf("rung c should not have run, ran=%v", ran)
	}
	if len(result.Attempts) != 2 || !result.Attempts[1].Succeeded {
		t.Fatalf("attempts: %+v", result.Attempts)
	}
}

func TestExecuteAllFail(t *testing.T) {
	rungs := []Rung[int]{
		{Name: "a", Attempt: func(ctx context.Context) (int, error) { return 0, errors.New("a failed") }},
		{Name: "b", Attempt: func(ctx context.Context) (int, error) { return 0, errors.New("b failed") }},
	}

	_, err := Execute(context.Background(), rungs)
	var failed *ptperr.FallbackAllFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected FallbackAllFailed, got %T: %s", err, err)
	}
	if len(failed.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(failed.Attempts))
	}
}

func TestDiagnosticFormatsEveryRung(t *testing.T) {
	attempts := []Attempt{
		{Name: "a", Succeeded: false, Err: errors.New("boom")},
		{Name: "b", Succeeded: true},
	}
	out := Diagnostic(attempts)
	if !contains(out, "✗ a") || !contains(out, "✓ b") {
		t.Fatalf("diagnostic missing entries: %s", out)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
