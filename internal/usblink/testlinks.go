/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Test doubles for Link: a scripted virtual device, a fault
 * injector, and a capture wrapper, all satisfying the same interface
 * the protocol engine drives real hardware through.
 */

package usblink

import (
	"context"
	"sync"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
)

// Exchange is one scripted request/response pair a VirtualLink replays:
// the bytes the engine is expected to write, and the bytes it reads
// back in response (split across as many BulkIn calls as the caller's
// buffer size requires).
type Exchange struct {
	ExpectOut []byte
	RespondIn []byte
}

// VirtualLink is an in-memory Link that replays a fixed script of
// exchanges, for driving the protocol engine and fallback ladder in
// tests without real hardware.
type VirtualLink struct {
	mu       sync.Mutex
	info     DeviceInfo
	script   []Exchange
	pos      int
	pending  []byte // unread bytes of the current response
	events   [][]byte
	eventPos int
}

// NewVirtualLink creates a VirtualLink reporting info and replaying script.
func NewVirtualLink(info DeviceInfo, script []Exchange) *VirtualLink {
	return &VirtualLink{info: info, script: script}
}

// QueueEvent appends a canned interrupt-in event to be returned by
// future EventIn calls, in order.
func (v *VirtualLink) QueueEvent(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, data)
}

// Info implements Link.
func (v *VirtualLink) Info() DeviceInfo { return v.info }

// BulkOut implements Link, consuming the next scripted exchange and
// queuing its RespondIn for BulkIn. The written bytes are not compared
// against ExpectOut.
func (v *VirtualLink) BulkOut(ctx context.Context, data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pos >= len(v.script) {
		return 0, &ptperr.ProtocolDesync{Detail: "virtual link script exhausted"}
	}

	v.pending = append([]byte(nil), v.script[v.pos].RespondIn...)
	v.pos++

	return len(data), nil
}

// BulkIn implements Link, draining the pending response queued by the
// preceding BulkOut.
func (v *VirtualLink) BulkIn(ctx context.Context, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := copy(buf, v.pending)
	v.pending = v.pending[n:]
	return n, nil
}

// EventIn implements Link, returning the next queued event. With the
// queue drained it reports a timeout after a short pause, so the
// engine's event-reader goroutine polls instead of spinning.
func (v *VirtualLink) EventIn(ctx context.Context, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.eventPos >= len(v.events) {
		v.mu.Unlock()
		err := sleepCtx(ctx, 5*time.Millisecond)
		v.mu.Lock()
		if err != nil {
			return 0, &ptperr.Cancelled{}
		}
		return 0, &ptperr.Timeout{Op: "event"}
	}
	n := copy(buf, v.events[v.eventPos])
	v.eventPos++
	return n, nil
}

// ClearHalt implements Link as a no-op; VirtualLink never stalls.
func (v *VirtualLink) ClearHalt(ep Endpoint) error { return nil }

// CancelRequest implements Link as a no-op recording nothing; use
// CapturingLink if the cancel call itself needs to be observed.
func (v *VirtualLink) CancelRequest(ctx context.Context, txid uint32) error { return nil }

// Reset implements Link, rewinding the script to its start.
func (v *VirtualLink) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pos = 0
	v.pending = nil
	return nil
}

// Close implements Link as a no-op.
func (v *VirtualLink) Close() error { return nil }

// Fault describes one scripted failure a FaultInjectingLink should
// produce the Nth time the named operation is called.
type Fault struct {
	Op     string // "BulkOut", "BulkIn", "EventIn"
	AtCall int
	Err    error
}

// FaultInjectingLink wraps another Link and injects scripted errors
// at specific call counts, for exercising the engine's retry and
// reset-and-retry paths deterministically.
type FaultInjectingLink struct {
	Link
	mu     sync.Mutex
	faults []Fault
	calls  map[string]int
}

// NewFaultInjectingLink wraps inner, injecting faults at the call
// counts they specify.
func NewFaultInjectingLink(inner Link, faults []Fault) *FaultInjectingLink {
	return &FaultInjectingLink{Link: inner, faults: faults, calls: map[string]int{}}
}

func (f *FaultInjectingLink) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	n := f.calls[op]

	for _, ft := range f.faults {
		if ft.Op == op && ft.AtCall == n {
			return ft.Err
		}
	}
	return nil
}

// BulkOut implements Link, consulting the fault schedule first.
func (f *FaultInjectingLink) BulkOut(ctx context.Context, data []byte) (int, error) {
	if err := f.take("BulkOut"); err != nil {
		return 0, err
	}
	return f.Link.BulkOut(ctx, data)
}

// BulkIn implements Link, consulting the fault schedule first.
func (f *FaultInjectingLink) BulkIn(ctx context.Context, buf []byte) (int, error) {
	if err := f.take("BulkIn"); err != nil {
		return 0, err
	}
	return f.Link.BulkIn(ctx, buf)
}

// EventIn implements Link, consulting the fault schedule first.
func (f *FaultInjectingLink) EventIn(ctx context.Context, buf []byte) (int, error) {
	if err := f.take("EventIn"); err != nil {
		return 0, err
	}
	return f.Link.EventIn(ctx, buf)
}

// CancelRequest implements Link, consulting the fault schedule first.
func (f *FaultInjectingLink) CancelRequest(ctx context.Context, txid uint32) error {
	if err := f.take("CancelRequest"); err != nil {
		return err
	}
	return f.Link.CancelRequest(ctx, txid)
}

// Transcript is one recorded transfer on a CapturingLink.
type Transcript struct {
	Op   string
	Data []byte
	Err  error
}

// CapturingLink wraps another Link, recording every transfer for
// diagnostics or offline replay (e.g. attaching to a bug report, or
// feeding a VirtualLink script back from a real session).
type CapturingLink struct {
	Link
	mu  sync.Mutex
	log []Transcript
}

// NewCapturingLink wraps inner, recording all transfers.
func NewCapturingLink(inner Link) *CapturingLink {
	return &CapturingLink{Link: inner}
}

// Transcripts returns a copy of everything recorded so far.
func (c *CapturingLink) Transcripts() []Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transcript, len(c.log))
	copy(out, c.log)
	return out
}

func (c *CapturingLink) record(op string, data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, Transcript{Op: op, Data: append([]byte(nil), data...), Err: err})
}

// BulkOut implements Link, recording the write.
func (c *CapturingLink) BulkOut(ctx context.Context, data []byte) (int, error) {
	n, err := c.Link.BulkOut(ctx, data)
	c.record("BulkOut", data[:n], err)
	return n, err
}

// BulkIn implements Link, recording the read.
func (c *CapturingLink) BulkIn(ctx context.Context, buf []byte) (int, error) {
	n, err := c.Link.BulkIn(ctx, buf)
	c.record("BulkIn", buf[:n], err)
	return n, err
}

// EventIn implements Link, recording the event.
func (c *CapturingLink) EventIn(ctx context.Context, buf []byte) (int, error) {
	n, err := c.Link.EventIn(ctx, buf)
	c.record("EventIn", buf[:n], err)
	return n, err
}

// CancelRequest implements Link, recording the cancel.
func (c *CapturingLink) CancelRequest(ctx context.Context, txid uint32) error {
	err := c.Link.CancelRequest(ctx, txid)
	c.record("CancelRequest", nil, err)
	return err
}
