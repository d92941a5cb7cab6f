package ptperr

import (
	"errors"
	"testing"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{&Timeout{Op: "bulk-in"}, Transient},
		{&Busy{}, Transient},
		{&Stall{Endpoint: 0x81}, Recoverable},
		{&ProtocolDesync{Detail: "txid mismatch"}, Recoverable},
		{&NoDevice{Addr: "1-2"}, Permanent},
		{&ObjectNotFound{Handle: 1}, Permanent},
		{errors.New("unclassified"), Permanent},
	}

	for _, c := range cases {
		if got := ClassOf(c.err); got != c.want {
			t.Errorf("ClassOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsTransientRecoverable(t *testing.T) {
	if !IsTransient(&Timeout{Op: "x"}) {
		t.Errorf("Timeout should be transient")
	}
	if IsTransient(&Stall{}) {
		t.Errorf("Stall should not be transient")
	}
	if !IsRecoverable(&Stall{}) {
		t.Errorf("Stall should be recoverable")
	}
}

func TestFallbackAllFailedUnwrap(t *testing.T) {
	inner := &NoDevice{Addr: "1-2"}
	agg := &FallbackAllFailed{Attempts: []error{&Timeout{Op: "a"}, inner}}

	var target *NoDevice
	if !errors.As(agg, &target) {
		t.Fatalf("errors.As failed to find wrapped *NoDevice")
	}
	if target != inner {
		t.Errorf("unwrapped wrong error")
	}
}
