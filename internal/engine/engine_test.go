package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/quirks"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/usblink"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/wire"
)

func encodeResponse(code uint16, txid uint32, params []uint32) []byte {
	length := wire.HeaderLen + 4*len(params)
	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(wire.TypeResponse))
	binary.LittleEndian.PutUint16(buf[6:8], code)
	binary.LittleEndian.PutUint32(buf[8:12], txid)
	for i, p := range params {
		binary.LittleEndian.PutUint32(buf[12+4*i:16+4*i], p)
	}
	return buf
}

func encodeDataU32Array(code uint16, txid uint32, values []uint32) []byte {
	payload := make([]byte, 4+4*len(values))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[4+4*i:8+4*i], v)
	}
	length := wire.HeaderLen + len(payload)
	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(wire.TypeData))
	binary.LittleEndian.PutUint16(buf[6:8], code)
	binary.LittleEndian.PutUint32(buf[8:12], txid)
	copy(buf[wire.HeaderLen:], payload)
	return buf
}

func testInfo() usblink.DeviceInfo {
	return usblink.DeviceInfo{Vendor: 0x04a9, Product: 0x3190}
}

func TestOpenSessionTransitionsToSessionActive(t *testing.T) {
	link := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)},
	})
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("%s", err)
	}
	if e.State() != StateSessionActive {
		t.Fatalf("state = %s", e.State())
	}
	sess := e.Session()
	if !sess.Open || sess.NextTxID != 1 || sess.SessionID != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestOpenSessionAlreadyOpenIsRecoverable(t *testing.T) {
	link := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespSessionAlreadyOpen, 0, nil)},
	})
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("%s", err)
	}
	if e.State() != StateSessionActive {
		t.Fatalf("state = %s", e.State())
	}
}

func storageIDsReply(txid uint32) []byte {
	return append(encodeDataU32Array(wire.OpGetStorageIDs, txid, nil), encodeResponse(wire.RespOK, txid, nil)...)
}

func TestGetDeviceInfoDecodesModel(t *testing.T) {
	payload := wire.EncodeDeviceInfoDataset(wire.DeviceInfoDataset{
		StandardVersion:     100,
		Manufacturer:        "Google",
		Model:               "Pixel 7",
		OperationsSupported: []uint16{wire.OpGetObjectHandles, wire.OpGetObjectInfo},
	})
	data := make([]byte, wire.HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint16(data[4:6], uint16(wire.TypeData))
	binary.LittleEndian.PutUint16(data[6:8], wire.OpGetDeviceInfo)
	binary.LittleEndian.PutUint32(data[8:12], 1)
	copy(data[wire.HeaderLen:], payload)

	link := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)},
		{RespondIn: append(data, encodeResponse(wire.RespOK, 1, nil)...)},
	})
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("open: %s", err)
	}

	ds, err := e.GetDeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("get device info: %s", err)
	}
	if ds.Model != "Pixel 7" {
		t.Fatalf("model = %q", ds.Model)
	}
	if ds.Supports(wire.OpGetObjectPropList) {
		t.Fatalf("device should not claim proplist support")
	}
	if e.State() != StateSessionActive {
		t.Fatalf("state = %s", e.State())
	}
}

func TestExecuteCommandAssignsIncrementingTxIDs(t *testing.T) {
	link := usblink.NewCapturingLink(usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)},
		{RespondIn: storageIDsReply(1)},
		{RespondIn: storageIDsReply(2)},
	}))
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("open: %s", err)
	}
	if _, err := e.GetStorageIDs(context.Background()); err != nil {
		t.Fatalf("first GetStorageIDs: %s", err)
	}
	if _, err := e.GetStorageIDs(context.Background()); err != nil {
		t.Fatalf("second GetStorageIDs: %s", err)
	}

	var txids []uint32
	for _, tr := range link.Transcripts() {
		if tr.Op != "BulkOut" || len(tr.Data) < wire.HeaderLen {
			continue
		}
		hdr, err := wire.DecodeHeader(tr.Data)
		if err != nil || hdr.Type != wire.TypeCommand {
			continue
		}
		txids = append(txids, hdr.TxID)
	}

	if len(txids) != 3 {
		t.Fatalf("expected 3 command writes, got %d: %v", len(txids), txids)
	}
	if txids[0] != 0 || txids[1] != 1 || txids[2] != 2 {
		t.Fatalf("txids not sequential: %v", txids)
	}
}

func TestExecuteCommandRetriesOnBusy(t *testing.T) {
	inner := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)}, // open session
		{RespondIn: storageIDsReply(2)},                  // attempt 2, succeeds (attempt 1's BulkOut faulted before reaching this link)
	})
	link := usblink.NewFaultInjectingLink(inner, []usblink.Fault{
		{Op: "BulkOut", AtCall: 2, Err: &ptperr.Busy{}},
	})
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("open: %s", err)
	}
	if _, err := e.GetStorageIDs(context.Background()); err != nil {
		t.Fatalf("GetStorageIDs: %s", err)
	}
}

func TestTimeoutEscalatesToResetThenGivesUp(t *testing.T) {
	inner := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)}, // open session #1
		{RespondIn: nil}, // attempt0, BulkIn faulted
		{RespondIn: nil}, // attempt1, BulkIn faulted
		{RespondIn: encodeResponse(wire.RespOK, 3, nil)}, // close session (txid 3)
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)}, // reopen session #2
		{RespondIn: nil},                                 // attempt2, BulkIn faulted
	})
	link := usblink.NewFaultInjectingLink(inner, []usblink.Fault{
		{Op: "BulkIn", AtCall: 2, Err: &ptperr.Timeout{Op: "bulk in"}},
		{Op: "BulkIn", AtCall: 3, Err: &ptperr.Timeout{Op: "bulk in"}},
		{Op: "BulkIn", AtCall: 6, Err: &ptperr.Timeout{Op: "bulk in"}},
	})
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("open: %s", err)
	}

	_, err := e.GetStorageIDs(context.Background())
	if err == nil {
		t.Fatalf("expected a timeout error after escalation")
	}
	var timeout *ptperr.Timeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *ptperr.Timeout, got %T: %s", err, err)
	}

	sess := e.Session()
	if sess.SessionID != 2 {
		t.Fatalf("expected session reset to have run once, got session id %d", sess.SessionID)
	}
}

func TestCancelBeforeDataPhaseIsNoop(t *testing.T) {
	link := usblink.NewVirtualLink(testInfo(), nil)
	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	if err := e.Cancel(context.Background(), 5, false); err != nil {
		t.Fatalf("%s", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	link := usblink.NewVirtualLink(testInfo(), []usblink.Exchange{
		{RespondIn: encodeResponse(wire.RespOK, 0, nil)},
	})

	event := make([]byte, wire.HeaderLen)
	binary.LittleEndian.PutUint32(event[0:4], wire.HeaderLen)
	binary.LittleEndian.PutUint16(event[4:6], uint16(wire.TypeEvent))
	binary.LittleEndian.PutUint16(event[6:8], wire.EventObjectAdded)
	binary.LittleEndian.PutUint32(event[8:12], wire.EventTxID)
	link.QueueEvent(event)

	policy := quirks.DefaultPolicy()
	e := New(link, &policy, nil)

	// Subscribe before the session opens: the reader starts at
	// session-open and a slow subscriber misses events by design.
	ch := e.Subscribe()

	if err := e.OpenSession(context.Background()); err != nil {
		t.Fatalf("open: %s", err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventObjectAdded {
			t.Fatalf("kind = %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}

	_ = e.Shutdown()
}
