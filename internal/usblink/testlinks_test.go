package usblink

import (
	"bytes"
	"context"
	"testing"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/ptperr"
)

func TestVirtualLinkScript(t *testing.T) {
	info := DeviceInfo{Vendor: 0x04e8, Product: 0x6860}
	script := []Exchange{
		{ExpectOut: []byte("open-session"), RespondIn: []byte("ok")},
		{ExpectOut: []byte("get-device-info"), RespondIn: []byte("device-info-blob")},
	}
	link := NewVirtualLink(info, script)

	ctx := context.Background()

	n, err := link.BulkOut(ctx, []byte("open-session"))
	if err != nil || n != len("open-session") {
		t.Fatalf("BulkOut #1: n=%d err=%v", n, err)
	}

	buf := make([]byte, 64)
	n, err = link.BulkIn(ctx, buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("ok")) {
		t.Fatalf("BulkIn #1: got %q, err=%v", buf[:n], err)
	}

	n, err = link.BulkOut(ctx, []byte("get-device-info"))
	if err != nil || n != len("get-device-info") {
		t.Fatalf("BulkOut #2: n=%d err=%v", n, err)
	}

	n, err = link.BulkIn(ctx, buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("device-info-blob")) {
		t.Fatalf("BulkIn #2: got %q, err=%v", buf[:n], err)
	}

	_, err = link.BulkOut(ctx, []byte("unexpected"))
	if _, ok := err.(*ptperr.ProtocolDesync); !ok {
		t.Fatalf("expected *ptperr.ProtocolDesync after script exhausted, got %v", err)
	}
}

func TestVirtualLinkReset(t *testing.T) {
	link := NewVirtualLink(DeviceInfo{}, []Exchange{
		{ExpectOut: []byte("a"), RespondIn: []byte("1")},
	})

	ctx := context.Background()
	link.BulkOut(ctx, []byte("a"))
	buf := make([]byte, 4)
	link.BulkIn(ctx, buf)

	if err := link.Reset(); err != nil {
		t.Fatalf("%s", err)
	}

	n, err := link.BulkOut(ctx, []byte("a"))
	if err != nil || n != 1 {
		t.Fatalf("expected script to replay after reset, got n=%d err=%v", n, err)
	}
}

func TestFaultInjectingLink(t *testing.T) {
	inner := NewVirtualLink(DeviceInfo{}, []Exchange{
		{ExpectOut: []byte("a"), RespondIn: []byte("1")},
		{ExpectOut: []byte("a"), RespondIn: []byte("1")},
	})

	faulty := NewFaultInjectingLink(inner, []Fault{
		{Op: "BulkOut", AtCall: 1, Err: &ptperr.Busy{}},
	})

	ctx := context.Background()
	_, err := faulty.BulkOut(ctx, []byte("a"))
	if _, ok := err.(*ptperr.Busy); !ok {
		t.Fatalf("expected injected *ptperr.Busy on first call, got %v", err)
	}

	n, err := faulty.BulkOut(ctx, []byte("a"))
	if err != nil || n != 1 {
		t.Fatalf("expected second call to pass through, got n=%d err=%v", n, err)
	}
}

func TestCapturingLinkRecordsTranscript(t *testing.T) {
	inner := NewVirtualLink(DeviceInfo{}, []Exchange{
		{ExpectOut: []byte("a"), RespondIn: []byte("resp")},
	})
	capLink := NewCapturingLink(inner)

	ctx := context.Background()
	capLink.BulkOut(ctx, []byte("a"))
	buf := make([]byte, 16)
	capLink.BulkIn(ctx, buf)

	tr := capLink.Transcripts()
	if len(tr) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(tr))
	}
	if tr[0].Op != "BulkOut" || !bytes.Equal(tr[0].Data, []byte("a")) {
		t.Errorf("unexpected first entry: %+v", tr[0])
	}
	if tr[1].Op != "BulkIn" || !bytes.Equal(tr[1].Data, []byte("resp")) {
		t.Errorf("unexpected second entry: %+v", tr[1])
	}
}

func TestFallbackUUIDDeterministic(t *testing.T) {
	info := DeviceInfo{
		Vendor:       0x04e8,
		Product:      0x6860,
		SerialNumber: "RF8M33XYZ",
		Manufacturer: "Samsung",
		ProductName:  "Galaxy S10",
	}

	a := info.FallbackUUID()
	if a != info.FallbackUUID() {
		t.Fatal("FallbackUUID must be deterministic for identical descriptors")
	}
	if len(a) != 36 || a[14] != '5' {
		t.Fatalf("expected a version-5 UUID, got %q", a)
	}

	other := info
	other.SerialNumber = "DIFFERENT"
	if other.FallbackUUID() == a {
		t.Fatal("different descriptors must not share a fallback UUID")
	}
}
