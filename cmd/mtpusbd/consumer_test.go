package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/index"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/registry"
)

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open index: %s", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestDeviceTableSetGetDel(t *testing.T) {
	tbl := newDeviceTable()

	if _, ok := tbl.Get("dev-1"); ok {
		t.Fatal("expected miss on empty table")
	}

	dev := &Device{DeviceID: "dev-1"}
	tbl.Set(dev)

	got, ok := tbl.Get("dev-1")
	if !ok || got != dev {
		t.Fatal("expected to find the device just set")
	}

	tbl.Del("dev-1")
	if _, ok := tbl.Get("dev-1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestDeviceStatusOffline(t *testing.T) {
	svc := &sharedServices{
		registry: registry.New(t.TempDir()),
		devices:  newDeviceTable(),
	}

	st := svc.DeviceStatus("dev-unknown")
	if st.Connected || st.SessionOpen {
		t.Fatalf("expected an unseen device to report offline, got %+v", st)
	}
}

func TestListStoragesAndChildren(t *testing.T) {
	ix := newTestIndex(t)
	svc := &sharedServices{index: ix}

	const deviceID = "dev-1"
	if err := ix.UpsertDevice(deviceID, "fp", "Acme", "Camera", time.Now()); err != nil {
		t.Fatalf("upsert device: %s", err)
	}
	if err := ix.UpsertStorage(deviceID, 0x10001, "Internal", 1000, 500, false); err != nil {
		t.Fatalf("upsert storage: %s", err)
	}

	storages, err := svc.ListStorages(deviceID)
	if err != nil {
		t.Fatalf("list storages: %s", err)
	}
	if len(storages) != 1 || storages[0].StorageID != 0x10001 {
		t.Fatalf("unexpected storages: %+v", storages)
	}

	obj := index.Object{
		DeviceID:  deviceID,
		StorageID: 0x10001,
		Handle:    42,
		Name:      "photo.jpg",
		PathKey:   "photo.jpg",
		FormatCode: 0x3801,
	}
	if _, err := ix.UpsertObject(obj, 1); err != nil {
		t.Fatalf("upsert object: %s", err)
	}

	children, err := svc.ListChildren(deviceID, 0x10001, nil)
	if err != nil {
		t.Fatalf("list children: %s", err)
	}
	if len(children) != 1 || children[0].Handle != 42 {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestSyncAnchorRoundTrip(t *testing.T) {
	ix := newTestIndex(t)
	svc := &sharedServices{index: ix}

	const deviceID = "dev-1"
	if err := ix.UpsertDevice(deviceID, "fp", "Acme", "Camera", time.Now()); err != nil {
		t.Fatalf("upsert device: %s", err)
	}

	before, err := svc.CurrentSyncAnchor(deviceID)
	if err != nil {
		t.Fatalf("current sync anchor: %s", err)
	}

	obj := index.Object{
		DeviceID:  deviceID,
		StorageID: 1,
		Handle:    7,
		Name:      "a.txt",
		PathKey:   "a.txt",
	}
	if _, err := ix.UpsertObject(obj, 1); err != nil {
		t.Fatalf("upsert object: %s", err)
	}

	changes, err := svc.ChangesSince(deviceID, before)
	if err != nil {
		t.Fatalf("changes since: %s", err)
	}
	if len(changes) != 1 || changes[0].Object.Handle != 7 {
		t.Fatalf("expected one change for the new object, got %+v", changes)
	}

	after, err := svc.CurrentSyncAnchor(deviceID)
	if err != nil {
		t.Fatalf("current sync anchor: %s", err)
	}
	if more, err := svc.ChangesSince(deviceID, after); err != nil || len(more) != 0 {
		t.Fatalf("expected no changes after the fresh anchor, got %+v (err %v)", more, err)
	}
}

func TestPathKeyJoinRoot(t *testing.T) {
	ix := newTestIndex(t)
	dev := &Device{DeviceID: "dev-1", shared: &sharedServices{index: ix}}

	got := pathKeyJoin(dev, 1, nil, "photo.jpg")
	if got != "photo.jpg" {
		t.Fatalf("expected root-level path key, got %q", got)
	}
}

func TestPathKeyJoinNested(t *testing.T) {
	ix := newTestIndex(t)
	dev := &Device{DeviceID: "dev-1", shared: &sharedServices{index: ix}}

	const deviceID = "dev-1"
	if err := ix.UpsertDevice(deviceID, "fp", "Acme", "Camera", time.Now()); err != nil {
		t.Fatalf("upsert device: %s", err)
	}
	parent := index.Object{
		DeviceID:    deviceID,
		StorageID:   1,
		Handle:      5,
		Name:        "DCIM",
		PathKey:     "DCIM",
		IsDirectory: true,
	}
	if _, err := ix.UpsertObject(parent, 1); err != nil {
		t.Fatalf("upsert parent: %s", err)
	}

	parentHandle := uint32(5)
	got := pathKeyJoin(dev, 1, &parentHandle, "photo.jpg")
	if got != "DCIM/photo.jpg" {
		t.Fatalf("expected nested path key, got %q", got)
	}
}

func TestListChildrenPaging(t *testing.T) {
	ix := newTestIndex(t)
	svc := &sharedServices{index: ix}

	const deviceID = "device1"
	if err := ix.UpsertDevice(deviceID, "fp", "Acme", "Camera", time.Now()); err != nil {
		t.Fatalf("upsert device: %s", err)
	}
	for i := 1; i <= 1200; i++ {
		obj := index.Object{
			DeviceID:   deviceID,
			StorageID:  1,
			Handle:     uint32(i),
			Name:       "f",
			PathKey:    "f",
			FormatCode: 0x3000,
		}
		if _, err := ix.UpsertObject(obj, 1); err != nil {
			t.Fatalf("upsert object %d: %s", i, err)
		}
	}

	var cursor []byte
	var sizes []int
	for {
		page, next, err := svc.ListChildrenPage(deviceID, 1, nil, 500, cursor)
		if err != nil {
			t.Fatalf("page: %s", err)
		}
		sizes = append(sizes, len(page))
		if next == nil {
			break
		}
		cursor = next
	}

	if len(sizes) != 3 || sizes[0] != 500 || sizes[1] != 500 || sizes[2] != 200 {
		t.Fatalf("expected pages 500/500/200, got %v", sizes)
	}

	if _, err := decodeCursor([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a short cursor")
	}
}
