package changesignal

import (
	"testing"
	"time"
)

func TestNotifyChangeImmediateFirstEmit(t *testing.T) {
	s := New()
	sub := s.Subscribe()

	now := time.Now()
	s.NotifyChange(WorkingSet("dev1"), 1, now)

	select {
	case n := <-sub:
		if n.Counter != 1 || n.Key != WorkingSet("dev1") {
			t.Fatalf("unexpected notification: %+v", n)
		}
	default:
		t.Fatal("expected an immediate notification for the first change on a key")
	}
}

func TestNotifyChangeStaleCounterDropped(t *testing.T) {
	s := New()
	sub := s.Subscribe()

	now := time.Now()
	s.NotifyChange(WorkingSet("dev1"), 5, now)
	<-sub // drain the first emission

	s.NotifyChange(WorkingSet("dev1"), 5, now.Add(time.Second))
	s.NotifyChange(WorkingSet("dev1"), 3, now.Add(time.Second))

	select {
	case n := <-sub:
		t.Fatalf("expected no notification for a non-advancing counter, got %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyChangeDebouncesWithinWindow(t *testing.T) {
	s := New()
	sub := s.Subscribe()

	now := time.Now()
	s.NotifyChange(WorkingSet("dev1"), 1, now)
	<-sub

	// Within the debounce window: coalesced, not emitted immediately.
	s.NotifyChange(WorkingSet("dev1"), 2, now.Add(time.Second))

	select {
	case n := <-sub:
		t.Fatalf("expected the second change to be debounced, got %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkingSetKeyIsDeviceScoped(t *testing.T) {
	a := WorkingSet("dev1")
	b := WorkingSet("dev1")
	if a != b {
		t.Fatal("WorkingSet should be a pure function of device ID")
	}
	if a == WorkingSet("dev2") {
		t.Fatal("different devices must not share a key")
	}
}

func TestSubscribeDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := New()
	_ = s.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 64; i++ {
			s.NotifyChange(Key{DeviceID: "dev1", StorageID: uint32(i)}, i, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyChange must not block when a subscriber channel is full")
	}
}
