/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Enumeration Ladder: the ordered strategy stack for listing the
 * children of a (storage, parent handle), with automatic capability
 * demotion on OperationNotSupported.
 */

// Package enum implements the directory-listing fallback ladder
// described by the device-quirks-driven enumeration strategy: a
// single-round-trip proplist fast path, a universal per-handle
// fallback, and a session-recovery rung, composed on top of
// internal/ladder.
package enum

import (
	"context"
	"errors"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ladder"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

// ObjectInfo is the per-child metadata every rung normalizes its
// result to, regardless of which opcode produced it.
type ObjectInfo struct {
	Handle       uint32
	ParentHandle uint32
	Name         string
	Size         uint64
	FormatCode   uint16
	IsDirectory  bool
	MTime        time.Time
}

// Commander is the slice of the protocol engine's command surface
// the enumeration ladder needs. It's kept narrow and interface-typed
// so tests can drive it without a real engine or USB link.
type Commander interface {
	GetObjectPropList(ctx context.Context, storageID, parentHandle uint32) ([]ObjectInfo, error)
	GetObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error)
	GetObjectInfo(ctx context.Context, handle uint32) (ObjectInfo, error)
	ReopenSession(ctx context.Context) error
}

// Enumerate lists the children of (storageID, parentHandle), trying
// each applicable rung in order and returning the first success. The
// rung list is rebuilt from policy on every call, so a demotion that
// happened mid-ladder is reflected in the rungs a later caller sees.
func Enumerate(ctx context.Context, cmd Commander, policy *quirks.Policy, storageID, parentHandle uint32) (ladder.Result[[]ObjectInfo], error) {
	return ladder.Execute(ctx, buildRungs(cmd, policy, storageID, parentHandle))
}

func buildRungs(cmd Commander, policy *quirks.Policy, storageID, parentHandle uint32) []ladder.Rung[[]ObjectInfo] {
	var rungs []ladder.Rung[[]ObjectInfo]

	if policy.Flags.SupportsGetObjectPropList {
		rungs = append(rungs, ladder.Rung[[]ObjectInfo]{
			Name: "get_object_prop_list",
			Attempt: func(ctx context.Context) ([]ObjectInfo, error) {
				infos, err := cmd.GetObjectPropList(ctx, storageID, parentHandle)
				if isOpNotSupported(err) {
					// Auto-demotion: clear the fast-path flag for the
					// remainder of the session before falling through.
					quirks.DemoteGetObjectPropList(policy)
				}
				return infos, err
			},
		})
	}

	rungs = append(rungs, ladder.Rung[[]ObjectInfo]{
		Name: "get_object_handles",
		Attempt: func(ctx context.Context) ([]ObjectInfo, error) {
			return handlesAndInfo(ctx, cmd, storageID, parentHandle)
		},
	})

	rungs = append(rungs, ladder.Rung[[]ObjectInfo]{
		Name: "recovery",
		Attempt: func(ctx context.Context) ([]ObjectInfo, error) {
			if err := cmd.ReopenSession(ctx); err != nil {
				return nil, err
			}
			return handlesAndInfo(ctx, cmd, storageID, parentHandle)
		},
	})

	return rungs
}

func handlesAndInfo(ctx context.Context, cmd Commander, storageID, parentHandle uint32) ([]ObjectInfo, error) {
	handles, err := cmd.GetObjectHandles(ctx, storageID, parentHandle)
	if err != nil {
		return nil, err
	}

	infos := make([]ObjectInfo, 0, len(handles))
	for _, h := range handles {
		info, err := cmd.GetObjectInfo(ctx, h)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// isOpNotSupported reports whether err is ptperr.NotSupported for the
// GetObjectPropList opcode specifically, per the auto-demotion rule.
func isOpNotSupported(err error) bool {
	var ns *ptperr.NotSupported
	return errors.As(err, &ns) && ns.Opcode == wire.OpGetObjectPropList
}
