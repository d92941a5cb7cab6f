/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Protocol Engine: the per-device actor. One Engine owns exactly one
 * Link and drives the session/transaction discipline, command
 * execution, busy-backoff and timeout escalation, cancellation, hooks,
 * and the interrupt-endpoint event reader.
 */

// Package engine implements the per-device PTP/MTP protocol actor:
// session and transaction-ID bookkeeping, the single-in-flight command
// loop, and the event fan-out, all driven over a usblink.Link.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/enum"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/logging"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

// State enumerates the per-device actor's lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateAttached
	StateSessionOpening
	StateSessionActive
	StateCommandInFlight
	StateSessionClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAttached:
		return "attached"
	case StateSessionOpening:
		return "session_opening"
	case StateSessionActive:
		return "session_active"
	case StateCommandInFlight:
		return "command_in_flight"
	case StateSessionClosing:
		return "session_closing"
	default:
		return "unknown"
	}
}

// Session tracks the open PTP session and its transaction-ID counter.
type Session struct {
	SessionID uint32
	Open      bool
	NextTxID  uint32
}

// EventKind enumerates the interrupt-endpoint events the engine fans out.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventObjectAdded
	EventObjectRemoved
	EventStoreFull
	EventDeviceInfoChanged
)

// Event is one decoded interrupt-endpoint notification.
type Event struct {
	Kind   EventKind
	Params []uint32
}

func eventKindOf(code uint16) EventKind {
	switch code {
	case wire.EventObjectAdded:
		return EventObjectAdded
	case wire.EventObjectRemoved:
		return EventObjectRemoved
	case wire.EventStoreFull:
		return EventStoreFull
	case wire.EventDeviceInfoChanged:
		return EventDeviceInfoChanged
	default:
		return EventUnknown
	}
}

// CommandRequest describes one execute_command invocation.
type CommandRequest struct {
	Code     uint16
	Params   []uint32
	DataOut  []byte
	Progress func(sent, total int)
}

// CommandResult is execute_command's successful outcome.
type CommandResult struct {
	ResponseParams []uint32
	Data           []byte
}

// StorageInfo is the engine's view of GetStorageInfo's dataset.
type StorageInfo struct {
	StorageType      uint16
	FilesystemType   uint16
	AccessCapability uint16
	MaxCapacity      uint64
	FreeSpaceBytes   uint64
	Description      string
	VolumeLabel      string
}

// Engine is the per-device protocol actor: single in-flight command,
// session/txid discipline, and an event broadcast.
type Engine struct {
	link   usblink.Link
	policy *quirks.Policy
	log    *logging.Logger

	mu      sync.Mutex
	session Session
	state   State

	cmdSlot chan struct{}

	subsMu sync.Mutex
	subs   []chan Event

	t tomb.Tomb
}

// New creates an Engine bound to link, governed by policy (which may
// be mutated in place by auto-demotion).
func New(link usblink.Link, policy *quirks.Policy, log *logging.Logger) *Engine {
	return &Engine{
		link:    link,
		policy:  policy,
		log:     log,
		state:   StateAttached,
		cmdSlot: make(chan struct{}, 1),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns a snapshot of the current session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) logf(level logging.Level, format string, args ...interface{}) {
	if e.log == nil {
		return
	}
	e.log.Begin().Add(level, ' ', format, args...).Commit()
}

func (e *Engine) acquireCmdSlot(ctx context.Context) error {
	select {
	case e.cmdSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseCmdSlot() { <-e.cmdSlot }

// Shutdown kills the engine's supervised goroutines (the event reader)
// and waits for them to exit.
func (e *Engine) Shutdown() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

// Close shuts the engine down and releases its USB link, transitioning
// to Disconnected. The Link is not usable afterward.
func (e *Engine) Close() error {
	_ = e.Shutdown()
	e.setState(StateDisconnected)
	return e.link.Close()
}

// --- Session lifecycle --------------------------------------------------

// OpenSession implements the OpenSession transition of the state
// machine: Attached -> SessionOpening -> SessionActive.
func (e *Engine) OpenSession(ctx context.Context) error {
	if err := e.acquireCmdSlot(ctx); err != nil {
		return err
	}
	defer e.releaseCmdSlot()
	return e.openSessionLocked(ctx)
}

func (e *Engine) openSessionLocked(ctx context.Context) error {
	e.setState(StateSessionOpening)

	e.mu.Lock()
	sessionID := e.session.SessionID + 1
	e.mu.Unlock()

	timeout := time.Duration(e.policy.Tuning.HandshakeTimeoutMs) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// OpenSession is the one command always sent with txid 0, before
	// the session's own transaction counter exists.
	out, err := wire.EncodeCommand(wire.Command{Code: wire.OpOpenSession, TxID: 0, Params: []uint32{sessionID}})
	if err != nil {
		e.setState(StateAttached)
		return err
	}
	if _, err := e.link.BulkOut(cctx, out); err != nil {
		e.setState(StateAttached)
		return err
	}

	resp, err := e.readContainer(cctx)
	if err != nil {
		e.setState(StateAttached)
		return err
	}
	if resp.Header.Type != wire.TypeResponse || resp.Header.TxID != 0 {
		e.setState(StateAttached)
		return &ptperr.ProtocolDesync{Detail: "open session response mismatch"}
	}

	switch resp.Header.Code {
	case wire.RespOK, wire.RespSessionAlreadyOpen:
		e.mu.Lock()
		e.session = Session{SessionID: sessionID, Open: true, NextTxID: 1}
		e.state = StateSessionActive
		e.mu.Unlock()
		e.runHook(ctx, "post_open_session")
		e.startEventReader()
		return nil
	default:
		e.setState(StateAttached)
		return mapResponse(resp.Header.Code, wire.OpOpenSession, resp.Params())
	}
}

// CloseSession implements the CloseSession transition:
// SessionActive -> SessionClosing -> Attached.
func (e *Engine) CloseSession(ctx context.Context) error {
	if err := e.acquireCmdSlot(ctx); err != nil {
		return err
	}
	defer e.releaseCmdSlot()
	return e.closeSessionLocked(ctx)
}

func (e *Engine) closeSessionLocked(ctx context.Context) error {
	e.setState(StateSessionClosing)
	_, err := e.executeWithRetry(ctx, CommandRequest{Code: wire.OpCloseSession})

	e.mu.Lock()
	e.session.Open = false
	e.state = StateAttached
	e.mu.Unlock()

	return err
}

// ReopenSession closes (best effort) and re-opens the session, for the
// enumeration ladder's recovery rung and reconnect bookkeeping.
func (e *Engine) ReopenSession(ctx context.Context) error {
	if err := e.acquireCmdSlot(ctx); err != nil {
		return err
	}
	defer e.releaseCmdSlot()
	return e.resetSession(ctx)
}

func (e *Engine) resetSession(ctx context.Context) error {
	_ = e.closeSessionLocked(ctx)
	return e.openSessionLocked(ctx)
}

// --- Command execution ---------------------------------------------------

// ExecuteCommand runs one PTP transaction to completion, applying
// busy-backoff and timeout escalation per policy.
func (e *Engine) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if err := e.acquireCmdSlot(ctx); err != nil {
		return CommandResult{}, err
	}
	defer e.releaseCmdSlot()

	e.setState(StateCommandInFlight)
	res, err := e.executeWithRetry(ctx, req)

	if e.State() == StateCommandInFlight {
		e.setState(StateSessionActive)
	}
	return res, err
}

func (e *Engine) executeWithRetry(ctx context.Context, req CommandRequest) (CommandResult, error) {
	busy := e.policy.Tuning.BusyBackoff
	strategy := retry.LimitCount(int(busy.Retries)+1, jitteredExponential{
		Initial:   time.Duration(busy.BaseMs) * time.Millisecond,
		Factor:    2,
		MaxDelay:  time.Duration(e.policy.Tuning.IoTimeoutMs) * time.Millisecond,
		JitterPct: busy.JitterPct,
	})

	var lastErr error
	timeoutAttempts := 0

	for a := retry.Start(strategy, nil); a.Next(); {
		res, err := e.executeOnce(ctx, req, timeoutAttempts)
		if err == nil {
			return res, nil
		}
		lastErr = err

		switch {
		case isBusy(err):
			continue
		case isTimeout(err):
			timeoutAttempts++
			if timeoutAttempts == 2 {
				if rerr := e.resetSession(ctx); rerr != nil {
					return CommandResult{}, rerr
				}
			}
			if timeoutAttempts >= 3 {
				_ = e.link.Reset()
				return CommandResult{}, err
			}
			continue
		case isRecoverableStall(err):
			if herr := e.link.ClearHalt(usblink.EndpointBulkIn); herr != nil {
				return CommandResult{}, err
			}
			continue
		default:
			return CommandResult{}, err
		}
	}

	return CommandResult{}, lastErr
}

// jitteredExponential implements retry.Strategy the same way
// retry.Exponential does, but draws its jitter from JitterPct, a
// caller-supplied ± percentage of the computed delay, rather than
// retry.Exponential's own fixed (and unconfigurable) jitter
// magnitude. JitterPct of 0 yields a fully deterministic backoff.
type jitteredExponential struct {
	Initial   time.Duration
	Factor    float64
	MaxDelay  time.Duration
	JitterPct uint
}

func (s jitteredExponential) NewTimer(now time.Time) retry.Timer {
	return &jitteredExpTimer{s: s}
}

type jitteredExpTimer struct {
	s     jitteredExponential
	delay time.Duration
}

func (t *jitteredExpTimer) NextSleep(now time.Time) (time.Duration, bool) {
	if t.delay == 0 {
		t.delay = t.s.Initial
	} else {
		t.delay = time.Duration(float64(t.delay) * t.s.Factor)
	}
	d := t.delay
	if t.s.MaxDelay > 0 && d > t.s.MaxDelay {
		d = t.s.MaxDelay
	}
	if t.s.JitterPct > 0 {
		spread := float64(t.s.JitterPct) / 100
		d = time.Duration(float64(d) * (1 - spread + 2*spread*rand.Float64()))
	}
	if d < 0 {
		d = 0
	}
	return d, true
}

func isBusy(err error) bool {
	var b *ptperr.Busy
	return errors.As(err, &b)
}

func isTimeout(err error) bool {
	var t *ptperr.Timeout
	if errors.As(err, &t) {
		return true
	}
	var tp *ptperr.TimeoutInPhase
	return errors.As(err, &tp)
}

func isRecoverableStall(err error) bool {
	var s *ptperr.Stall
	return errors.As(err, &s)
}

func (e *Engine) executeOnce(ctx context.Context, req CommandRequest, timeoutAttempt int) (CommandResult, error) {
	e.mu.Lock()
	if !e.session.Open {
		e.mu.Unlock()
		return CommandResult{}, &ptperr.PreconditionFailed{Msg: "no open session"}
	}
	txid := e.session.NextTxID
	e.session.NextTxID++
	if e.session.NextTxID == 0 {
		e.session.NextTxID = 1
		e.logf(logging.Info, "txid wrapped for session %d", e.session.SessionID)
	}
	e.mu.Unlock()

	timeout := time.Duration(e.policy.Tuning.IoTimeoutMs) * time.Millisecond
	if timeoutAttempt > 0 {
		timeout *= time.Duration(1 << uint(timeoutAttempt))
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := wire.EncodeCommand(wire.Command{Code: req.Code, TxID: txid, Params: req.Params})
	if err != nil {
		return CommandResult{}, err
	}
	if _, err := e.link.BulkOut(cctx, out); err != nil {
		return CommandResult{}, err
	}

	if len(req.DataOut) > 0 {
		if err := e.pumpDataOut(cctx, req.Code, txid, req.DataOut, req.Progress); err != nil {
			return CommandResult{}, err
		}
	}

	first, err := e.readContainer(cctx)
	if err != nil {
		return CommandResult{}, err
	}

	switch first.Header.Type {
	case wire.TypeData:
		if first.Header.TxID != txid {
			e.desync()
			return CommandResult{}, &ptperr.ProtocolDesync{Detail: "data phase txid mismatch"}
		}
		data := first.Body

		resp, err := e.readContainer(cctx)
		if err != nil {
			return CommandResult{}, err
		}
		if resp.Header.Type != wire.TypeResponse || resp.Header.TxID != txid {
			e.desync()
			return CommandResult{}, &ptperr.ProtocolDesync{Detail: "response phase txid mismatch"}
		}
		return finishResult(data, resp.Params(), resp.Header.Code, req.Code)

	case wire.TypeResponse:
		if first.Header.TxID != txid {
			e.desync()
			return CommandResult{}, &ptperr.ProtocolDesync{Detail: "response txid mismatch"}
		}
		return finishResult(nil, first.Params(), first.Header.Code, req.Code)

	default:
		e.desync()
		return CommandResult{}, &ptperr.ProtocolDesync{Detail: "unexpected container type in response phase"}
	}
}

func (e *Engine) desync() {
	e.mu.Lock()
	e.session.Open = false
	e.state = StateAttached
	e.mu.Unlock()
}

func finishResult(data []byte, params []uint32, code uint16, opcode uint16) (CommandResult, error) {
	res := CommandResult{ResponseParams: params, Data: data}
	if err := mapResponse(code, opcode, params); err != nil {
		return res, err
	}
	return res, nil
}

// mapResponse implements the response-code-to-outcome table.
func mapResponse(code uint16, opcode uint16, params []uint32) error {
	var p0 uint32
	if len(params) > 0 {
		p0 = params[0]
	}

	switch code {
	case wire.RespOK:
		return nil
	case wire.RespNotSupported:
		return &ptperr.NotSupported{Opcode: opcode}
	case wire.RespObjectNotFound:
		return &ptperr.ObjectNotFound{Handle: p0}
	case wire.RespStoreFull:
		return &ptperr.StoreFull{StorageID: p0}
	case wire.RespObjectWriteProtected:
		return &ptperr.ObjectWriteProtected{Handle: p0}
	case wire.RespDeviceBusy:
		return &ptperr.Busy{}
	case wire.RespSessionAlreadyOpen:
		return &ptperr.SessionAlreadyOpen{}
	case wire.RespAccessDenied:
		return &ptperr.AccessDeniedByDevice{Handle: p0}
	default:
		return &ptperr.ProtocolError{Code: code}
	}
}

func (e *Engine) pumpDataOut(ctx context.Context, code uint16, txid uint32, payload []byte, progress func(int, int)) error {
	total := wire.HeaderLen + len(payload)
	hdr, err := wire.EncodeDataHeader(code, txid, total)
	if err != nil {
		return err
	}
	if _, err := e.link.BulkOut(ctx, hdr); err != nil {
		return err
	}

	chunk := int(e.policy.Tuning.MaxChunkBytes)
	if chunk <= 0 {
		chunk = len(payload)
	}
	if chunk <= 0 {
		chunk = 1
	}

	sent := 0
	for sent < len(payload) {
		end := sent + chunk
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := e.link.BulkOut(ctx, payload[sent:end]); err != nil {
			return err
		}
		sent = end
		if progress != nil {
			progress(sent, len(payload))
		}
	}
	return nil
}

func (e *Engine) readContainer(ctx context.Context) (wire.Container, error) {
	hdrBuf := make([]byte, wire.HeaderLen)
	if err := e.readFull(ctx, hdrBuf); err != nil {
		return wire.Container{}, err
	}
	hdr, err := wire.DecodeHeader(hdrBuf)
	if err != nil {
		return wire.Container{}, err
	}

	buf := make([]byte, hdr.Length)
	copy(buf, hdrBuf)
	if int(hdr.Length) > wire.HeaderLen {
		if err := e.readFull(ctx, buf[wire.HeaderLen:]); err != nil {
			return wire.Container{}, err
		}
	}
	return wire.DecodeContainer(buf)
}

func (e *Engine) readFull(ctx context.Context, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := e.link.BulkIn(ctx, buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return &ptperr.Io{Msg: "bulk in", Err: fmt.Errorf("zero-length read")}
		}
		got += n
	}
	return nil
}

// --- Hooks ----------------------------------------------------------

func (e *Engine) runHook(ctx context.Context, phase string) {
	delay, ok := e.policy.Tuning.Hooks[phase]
	if !ok || delay == 0 {
		return
	}
	t := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// --- Cancellation -----------------------------------------------------

// Cancel aborts a pending command. Before the data phase starts the
// caller can simply abandon bulk_out; once it has started, a
// class-specific Cancel Request must be issued and the remaining data
// drained before the next command is safe to send.
func (e *Engine) Cancel(ctx context.Context, txid uint32, dataPhaseStarted bool) error {
	if !dataPhaseStarted {
		return nil
	}
	if err := e.link.CancelRequest(ctx, txid); err != nil {
		return err
	}

	buf := make([]byte, 512)
	for {
		n, err := e.link.BulkIn(ctx, buf)
		if err != nil {
			if ptperr.ClassOf(err) == ptperr.Transient {
				return nil
			}
			return e.link.ClearHalt(usblink.EndpointBulkIn)
		}
		if n == 0 {
			return nil
		}
	}
}

// --- Events -----------------------------------------------------------

func (e *Engine) startEventReader() {
	e.t.Go(func() error {
		buf := make([]byte, 256)
		ctx := e.t.Context(context.Background())
		for {
			select {
			case <-e.t.Dying():
				return nil
			default:
			}

			n, err := e.link.EventIn(ctx, buf)
			if err != nil {
				if ptperr.ClassOf(err) == ptperr.Permanent {
					return err
				}
				continue
			}
			if n < wire.HeaderLen {
				continue
			}
			hdr, err := wire.DecodeHeader(buf[:n])
			if err != nil {
				continue
			}
			e.publish(Event{Kind: eventKindOf(hdr.Code), Params: decodeEventParams(buf[wire.HeaderLen:n])})
		}
	})
}

func decodeEventParams(body []byte) []uint32 {
	n := len(body) / 4
	params := make([]uint32, n)
	for i := 0; i < n; i++ {
		params[i] = binary.LittleEndian.Uint32(body[i*4 : i*4+4])
	}
	return params
}

// Subscribe returns a channel fed every event this engine observes.
// Sends are non-blocking: a slow subscriber misses events rather than
// stalling the reader.
func (e *Engine) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()
	return ch
}

func (e *Engine) publish(ev Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// --- High-level operations ---------------------------------------------

// GetDeviceInfo returns the decoded GetDeviceInfo dataset.
func (e *Engine) GetDeviceInfo(ctx context.Context) (wire.DeviceInfoDataset, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetDeviceInfo})
	if err != nil {
		return wire.DeviceInfoDataset{}, err
	}
	return wire.DecodeDeviceInfoDataset(res.Data)
}

// GetStorageIDs lists the storage IDs the device currently exposes.
func (e *Engine) GetStorageIDs(ctx context.Context) ([]uint32, error) {
	e.runHookOutsideCommand(ctx, "pre_get_storage_ids")
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetStorageIDs})
	if err != nil {
		return nil, err
	}
	e.runHookOutsideCommand(ctx, "post_get_storage_ids")
	return wire.DecodeU32Array(res.Data)
}

// GetStorageInfo describes one storage.
func (e *Engine) GetStorageInfo(ctx context.Context, storageID uint32) (StorageInfo, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetStorageInfo, Params: []uint32{storageID}})
	if err != nil {
		return StorageInfo{}, err
	}
	ds, err := wire.DecodeStorageInfoDataset(res.Data)
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{
		StorageType:      ds.StorageType,
		FilesystemType:   ds.FilesystemType,
		AccessCapability: ds.AccessCap,
		MaxCapacity:      ds.MaxCapacity,
		FreeSpaceBytes:   ds.FreeSpaceBytes,
		Description:      ds.Description,
		VolumeLabel:      ds.VolumeLabel,
	}, nil
}

// GetObjectHandles implements enum.Commander's universal-fallback rung.
func (e *Engine) GetObjectHandles(ctx context.Context, storageID, parentHandle uint32) ([]uint32, error) {
	e.runHookOutsideCommand(ctx, "pre_get_object_handles")
	res, err := e.ExecuteCommand(ctx, CommandRequest{
		Code:   wire.OpGetObjectHandles,
		Params: []uint32{storageID, 0xFFFFFFFF, parentHandle},
	})
	if err != nil {
		return nil, err
	}
	e.runHookOutsideCommand(ctx, "post_get_object_handles")
	return wire.DecodeU32Array(res.Data)
}

// GetObjectInfo implements enum.Commander's per-handle info lookup.
func (e *Engine) GetObjectInfo(ctx context.Context, handle uint32) (enum.ObjectInfo, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetObjectInfo, Params: []uint32{handle}})
	if err != nil {
		return enum.ObjectInfo{}, err
	}
	ds, err := wire.DecodeObjectInfoDataset(res.Data)
	if err != nil {
		return enum.ObjectInfo{}, err
	}
	return enum.ObjectInfo{
		Handle:       handle,
		ParentHandle: ds.ParentObject,
		Name:         ds.Filename,
		Size:         uint64(ds.ObjectCompressedSize),
		FormatCode:   ds.ObjectFormat,
		IsDirectory:  ds.IsDirectory(),
		MTime:        ds.MTime(),
	}, nil
}

// GetObjectPropList implements enum.Commander's fast-path rung: one
// round trip returning every child's handle, name, size, format, and
// parent.
func (e *Engine) GetObjectPropList(ctx context.Context, storageID, parentHandle uint32) ([]enum.ObjectInfo, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{
		Code: wire.OpGetObjectPropList,
		// ObjectHandle, ObjectFormatCode (all), ObjectPropCode (all),
		// ObjectPropGroupCode (unused), Depth (immediate children only).
		Params: []uint32{parentHandle, 0xFFFFFFFF, 0xFFFFFFFF, 0, 0},
	})
	if err != nil {
		return nil, err
	}

	elems, err := wire.DecodeObjectPropList(res.Data)
	if err != nil {
		return nil, err
	}
	return groupPropElements(elems), nil
}

func groupPropElements(elems []wire.PropElement) []enum.ObjectInfo {
	byHandle := map[uint32]*enum.ObjectInfo{}
	var order []uint32

	for _, el := range elems {
		oi, ok := byHandle[el.Handle]
		if !ok {
			oi = &enum.ObjectInfo{Handle: el.Handle}
			byHandle[el.Handle] = oi
			order = append(order, el.Handle)
		}
		switch el.Code {
		case wire.PropObjectFormat:
			oi.FormatCode = uint16(el.UintVal)
		case wire.PropObjectSize:
			oi.Size = el.UintVal
		case wire.PropObjectFileName:
			oi.Name = el.StrVal
		case wire.PropParentObject:
			oi.ParentHandle = uint32(el.UintVal)
		case wire.PropDateModified:
			if t, err := time.Parse("20060102T150405", el.StrVal); err == nil {
				oi.MTime = t
			}
		}
	}

	out := make([]enum.ObjectInfo, 0, len(order))
	for _, h := range order {
		out = append(out, *byHandle[h])
	}
	return out
}

// GetObject streams an object's full content.
func (e *Engine) GetObject(ctx context.Context, handle uint32) ([]byte, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetObject, Params: []uint32{handle}})
	return res.Data, err
}

// GetPartialObject streams a byte range of an object's content.
func (e *Engine) GetPartialObject(ctx context.Context, handle uint32, offset, length uint32) ([]byte, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{
		Code:   wire.OpGetPartialObject,
		Params: []uint32{handle, offset, length},
	})
	return res.Data, err
}

// MoveObject reparents handle into (storageID, parentHandle); a
// parentHandle of 0 means the storage root.
func (e *Engine) MoveObject(ctx context.Context, handle, storageID, parentHandle uint32) error {
	_, err := e.ExecuteCommand(ctx, CommandRequest{
		Code:   wire.OpMoveObject,
		Params: []uint32{handle, storageID, parentHandle},
	})
	return err
}

// DeleteObject implements journal.DeviceOps's partial-write cleanup hook.
func (e *Engine) DeleteObject(ctx context.Context, handle uint32) error {
	_, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpDeleteObject, Params: []uint32{handle, 0}})
	return err
}

// ObjectSize implements journal.DeviceOps's reconcile-on-reconnect
// probe: it reports whether handle still exists and, if so, its size.
func (e *Engine) ObjectSize(ctx context.Context, handle uint32) (uint64, bool, error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpGetObjectInfo, Params: []uint32{handle}})
	if err != nil {
		var notFound *ptperr.ObjectNotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	ds, err := wire.DecodeObjectInfoDataset(res.Data)
	if err != nil {
		return 0, false, err
	}
	return uint64(ds.ObjectCompressedSize), true, nil
}

// SendObjectInfo sends the ObjectInfo dataset that must precede a
// SendObject data transfer, returning the device-assigned handle.
func (e *Engine) SendObjectInfo(ctx context.Context, storageID, parentHandle uint32, dataset []byte) (newStorageID, newParentHandle, newHandle uint32, err error) {
	res, err := e.ExecuteCommand(ctx, CommandRequest{
		Code:    wire.OpSendObjectInfo,
		Params:  []uint32{storageID, parentHandle},
		DataOut: dataset,
	})
	if err != nil {
		return 0, 0, 0, err
	}
	p := res.ResponseParams
	if len(p) < 3 {
		return 0, 0, 0, &ptperr.ProtocolDesync{Detail: "SendObjectInfo response missing parameters"}
	}
	return p[0], p[1], p[2], nil
}

// SendObject transfers an object's content after SendObjectInfo.
func (e *Engine) SendObject(ctx context.Context, payload []byte, progress func(sent, total int)) error {
	_, err := e.ExecuteCommand(ctx, CommandRequest{Code: wire.OpSendObject, DataOut: payload, Progress: progress})
	return err
}

func (e *Engine) runHookOutsideCommand(ctx context.Context, phase string) {
	e.runHook(ctx, phase)
}
