package index

import (
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestChangeCounterMonotonic(t *testing.T) {
	ix := openTestIndex(t)
	if err := ix.UpsertDevice("dev1", "04a9:3190", "Acme", "Widget", time.Now()); err != nil {
		t.Fatalf("%s", err)
	}

	var last int64
	for i := 0; i < 5; i++ {
		obj := Object{DeviceID: "dev1", StorageID: 1, Handle: uint32(i + 1), Name: "f", PathKey: "f", FormatCode: 0x3000}
		stored, err := ix.UpsertObject(obj, 1)
		if err != nil {
			t.Fatalf("%s", err)
		}
		if stored.ChangeCounter <= last {
			t.Fatalf("change counter did not increase: %d <= %d", stored.ChangeCounter, last)
		}
		last = stored.ChangeCounter
	}

	current, err := ix.CurrentChangeCounter("dev1")
	if err != nil {
		t.Fatalf("%s", err)
	}
	if current != last {
		t.Fatalf("current change counter %d != last upsert %d", current, last)
	}
}

func TestChangesSinceRoundTrip(t *testing.T) {
	ix := openTestIndex(t)
	ix.UpsertDevice("dev1", "04a9:3190", "Acme", "Widget", time.Now())

	for i := 1; i <= 3; i++ {
		obj := Object{DeviceID: "dev1", StorageID: 1, Handle: uint32(i), Name: "f", PathKey: "f", FormatCode: 0x3000}
		if _, err := ix.UpsertObject(obj, 1); err != nil {
			t.Fatalf("%s", err)
		}
	}

	current, _ := ix.CurrentChangeCounter("dev1")

	empty, err := ix.ChangesSince("dev1", current)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(empty) != 0 {
		t.Fatalf("changes_since(current) should be empty, got %d", len(empty))
	}

	all, err := ix.ChangesSince("dev1", 0)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(all) != 3 {
		t.Fatalf("changes_since(0) = %d entries, want 3", len(all))
	}
}

func TestStaleSweepEmitsOneDeletePerPurgedTombstone(t *testing.T) {
	ix := openTestIndex(t)
	ix.UpsertDevice("dev1", "04a9:3190", "Acme", "Widget", time.Now())

	for i := 1; i <= 3; i++ {
		obj := Object{DeviceID: "dev1", StorageID: 1, Handle: uint32(i), Name: "f", PathKey: "f", FormatCode: 0x3000}
		if _, err := ix.UpsertObject(obj, 1); err != nil {
			t.Fatalf("%s", err)
		}
	}

	if err := ix.MarkStaleChildren("dev1", 1, nil); err != nil {
		t.Fatalf("%s", err)
	}

	// Generation 2 crawl only re-observes handle 1 and 2; handle 3 stays tombstoned.
	for i := 1; i <= 2; i++ {
		obj := Object{DeviceID: "dev1", StorageID: 1, Handle: uint32(i), Name: "f", PathKey: "f", FormatCode: 0x3000}
		if _, err := ix.UpsertObject(obj, 2); err != nil {
			t.Fatalf("%s", err)
		}
	}

	if err := ix.PurgeStale("dev1", 1, nil); err != nil {
		t.Fatalf("%s", err)
	}

	children, err := ix.Children("dev1", 1, nil)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 live children after purge, got %d", len(children))
	}

	changes, err := ix.ChangesSince("dev1", 0)
	if err != nil {
		t.Fatalf("%s", err)
	}

	deletes := 0
	for _, c := range changes {
		if c.Kind == "deleted" {
			deletes++
		}
	}
	if deletes != 1 {
		t.Fatalf("expected exactly 1 delete change-log entry, got %d", deletes)
	}
}

func TestAnchorRoundTrip(t *testing.T) {
	buf := EncodeAnchor(123456789)
	got, err := DecodeAnchor(buf[:])
	if err != nil {
		t.Fatalf("%s", err)
	}
	if got != 123456789 {
		t.Fatalf("got %d", got)
	}

	if _, err := DecodeAnchor([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding short anchor")
	}
}
