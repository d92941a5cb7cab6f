/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Change Signaling: a thin, best-effort bridge from the index's
 * per-device change counter to external consumers.
 */

// Package changesignal implements the Change Signaling component: it
// turns "the index's change counter for this device advanced" into a
// debounced, non-blocking notification stream. It holds no state of
// its own about what changed, only when a key was last signaled.
package changesignal

import (
	"sync"
	"time"
)

// DebounceWindow is the minimum interval between two notifications for
// the same key; advances observed inside the window coalesce into one
// notification carrying the latest change counter, emitted at the
// window's trailing edge.
const DebounceWindow = 30 * time.Second

// Key identifies what changed: a device's whole working set
// (ParentHandle and StorageID left zero), or one storage, or one
// parent directory within a storage.
type Key struct {
	DeviceID     string
	StorageID    uint32
	ParentHandle uint32
	HasParent    bool
}

// WorkingSet returns the key for a whole-device "something changed
// somewhere" notification.
func WorkingSet(deviceID string) Key { return Key{DeviceID: deviceID} }

// Notification is one delivered change-signal event.
type Notification struct {
	Key      Key
	Counter  int64
	Signaled time.Time
}

type keyState struct {
	lastCounter  int64
	lastEmitted  time.Time
	pendingTimer *time.Timer
}

// Signaler fans out debounced change notifications to subscribers.
type Signaler struct {
	mu    sync.Mutex
	state map[Key]*keyState

	subsMu sync.Mutex
	subs   []chan Notification
}

// New creates an empty Signaler.
func New() *Signaler {
	return &Signaler{state: make(map[Key]*keyState)}
}

// Subscribe returns a channel fed every debounced notification this
// Signaler emits. Sends are non-blocking: a slow subscriber misses
// notifications rather than stalling the signaler.
func (s *Signaler) Subscribe() <-chan Notification {
	ch := make(chan Notification, 32)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

// NotifyChange reports that the index's change counter for key's
// device advanced to counter. A counter that hasn't advanced past the
// last one observed for this key is dropped as a no-op. Otherwise the
// notification is emitted immediately if at least DebounceWindow has
// elapsed since the last emission for this key, or scheduled for the
// window's trailing edge if not.
func (s *Signaler) NotifyChange(key Key, counter int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[key]
	if !ok {
		st = &keyState{}
		s.state[key] = st
	}

	if counter <= st.lastCounter {
		return
	}
	st.lastCounter = counter

	elapsed := now.Sub(st.lastEmitted)
	if st.lastEmitted.IsZero() || elapsed >= DebounceWindow {
		st.lastEmitted = now
		s.emit(key, counter, now)
		return
	}

	if st.pendingTimer != nil {
		return // already coalescing; the pending fire will pick up the new counter
	}

	wait := DebounceWindow - elapsed
	st.pendingTimer = time.AfterFunc(wait, func() {
		s.flush(key)
	})
}

func (s *Signaler) flush(key Key) {
	s.mu.Lock()
	st, ok := s.state[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.pendingTimer = nil
	counter := st.lastCounter
	now := time.Now()
	st.lastEmitted = now
	s.mu.Unlock()

	s.emit(key, counter, now)
}

func (s *Signaler) emit(key Key, counter int64, now time.Time) {
	n := Notification{Key: key, Counter: counter, Signaled: now}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
