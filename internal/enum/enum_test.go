package enum

import (
	"context"
	"testing"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

type fakeCommander struct {
	proplistErr  error
	proplistInfo []ObjectInfo
	handles      []uint32
	infoByHandle map[uint32]ObjectInfo
	handlesErr   error
	reopenCalled bool
	reopenErr    error
}

func (f *fakeCommander) GetObjectPropList(ctx context.Context, storageID, parentHandle uint32) ([]ObjectInfo, error) {
	return f.proplistInfo, f.proplistErr
}

func (f *fakeCommander) GetObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error) {
	return f.handles, f.handlesErr
}

func (f *fakeCommander) GetObjectInfo(ctx context.Context, handle uint32) (ObjectInfo, error) {
	return f.infoByHandle[handle], nil
}

func (f *fakeCommander) ReopenSession(ctx context.Context) error {
	f.reopenCalled = true
	return f.reopenErr
}

func TestEnumerateUsesProplistWhenSupported(t *testing.T) {
	cmd := &fakeCommander{proplistInfo: []ObjectInfo{{Handle: 1, Name: "a"}}}
	policy := quirks.DefaultPolicy()
	policy.Flags.SupportsGetObjectPropList = true

	result, err := Enumerate(context.Background(), cmd, &policy, 1, 0)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if result.WinningRung != "get_object_prop_list" {
		t.Fatalf("winning rung = %s", result.WinningRung)
	}
	if len(result.Value) != 1 || result.Value[0].Name != "a" {
		t.Fatalf("got %+v", result.Value)
	}
}

func TestEnumerateDemotesOnNotSupported(t *testing.T) {
	cmd := &fakeCommander{
		proplistErr:  &ptperr.NotSupported{Opcode: wire.OpGetObjectPropList},
		handles:      []uint32{5},
		infoByHandle: map[uint32]ObjectInfo{5: {Handle: 5, Name: "b"}},
	}
	policy := quirks.DefaultPolicy()
	policy.Flags.SupportsGetObjectPropList = true

	result, err := Enumerate(context.Background(), cmd, &policy, 1, 0)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if result.WinningRung != "get_object_handles" {
		t.Fatalf("winning rung = %s", result.WinningRung)
	}
	if policy.Flags.SupportsGetObjectPropList {
		t.Fatalf("expected proplist flag to be demoted")
	}
}

func TestEnumerateFallsThroughToRecovery(t *testing.T) {
	cmd := &fakeCommander{
		infoByHandle: map[uint32]ObjectInfo{1: {Handle: 1, Name: "c"}},
		handles:      []uint32{1},
		handlesErr:   &ptperr.ProtocolDesync{Detail: "boom"},
	}
	policy := quirks.DefaultPolicy()
	wrapped := &clearOnReopen{fakeCommander: cmd}

	result, err := Enumerate(context.Background(), wrapped, &policy, 1, 0)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if result.WinningRung != "recovery" {
		t.Fatalf("winning rung = %s", result.WinningRung)
	}
	if !cmd.reopenCalled {
		t.Fatalf("expected ReopenSession to be called")
	}
}

// clearOnReopen wraps fakeCommander so the first GetObjectHandles call
// fails and ReopenSession clears the induced error for subsequent calls.
type clearOnReopen struct {
	*fakeCommander
}

func (c *clearOnReopen) ReopenSession(ctx context.Context) error {
	c.reopenCalled = true
	c.handlesErr = nil
	return nil
}

func TestEnumerateAllRungsFail(t *testing.T) {
	cmd := &fakeCommander{
		handlesErr: &ptperr.ObjectNotFound{Handle: 0},
		reopenErr:  &ptperr.ObjectNotFound{Handle: 0},
	}
	policy := quirks.DefaultPolicy()

	_, err := Enumerate(context.Background(), cmd, &policy, 1, 0)
	if err == nil {
		t.Fatalf("expected all-rungs-failed error")
	}
}
