/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Device Service & Registry: the lookup table from a physical
 * attachment to its per-device actor, and from a stable domain
 * identity back to that attachment.
 */

// Package registry implements the Device Service & Registry component:
// device_id -> actor handle, domain_id -> device_id reverse lookup,
// and the attach/detach/extended-absence bookkeeping that decides
// when a disconnected device's identity is finally forgotten.
package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/inifile"
)

// DefaultExtendedAbsence is how long a detached device stays
// registered (offline) before Sweep unregisters it for good.
const DefaultExtendedAbsence = 24 * time.Hour

// ActorHandle is the slice of a per-device actor the registry needs
// to tear one down on extended absence; the protocol engine satisfies
// this with its Close method.
type ActorHandle interface {
	Close() error
}

// Identity is the persisted StableDeviceIdentity: a domain_id that
// outlives any single attachment, bound to a fingerprint (device_id).
type Identity struct {
	DomainID    string
	DisplayName string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

type entry struct {
	identity     Identity
	actor        ActorHandle
	online       bool
	offlineSince time.Time
}

// Registry is the single-writer, lock-guarded device/identity table.
type Registry struct {
	mu              sync.Mutex
	byDeviceID      map[string]*entry
	byDomainID      map[string]string // domain_id -> device_id
	stateDir        string
	extendedAbsence time.Duration
}

// New creates a Registry persisting identities under stateDir, one
// file per device_id, using the default extended-absence threshold.
func New(stateDir string) *Registry {
	return &Registry{
		byDeviceID:      make(map[string]*entry),
		byDomainID:      make(map[string]string),
		stateDir:        stateDir,
		extendedAbsence: DefaultExtendedAbsence,
	}
}

// SetExtendedAbsence overrides the default unregister threshold, for
// callers that want a shorter window (e.g. tests).
func (r *Registry) SetExtendedAbsence(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extendedAbsence = d
}

// Attach registers actor under deviceID, resolving (or minting) its
// StableDeviceIdentity and marking it online with last_seen_at = now.
// A reconnect of a previously-seen deviceID re-enters online and
// refreshes last_seen_at without minting a new domain_id.
//
// domainSeed, when non-empty, becomes the domain_id of a freshly
// minted identity, so a device whose descriptors yield a stable UUID
// keeps the same domain_id even if the persisted identity record is
// lost. It never overrides a loaded identity.
func (r *Registry) Attach(deviceID, displayName string, actor ActorHandle, domainSeed string, now time.Time) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byDeviceID[deviceID]
	if !ok {
		identity, err := r.loadOrMintIdentity(deviceID, displayName, domainSeed, now)
		if err != nil {
			return Identity{}, err
		}
		e = &entry{identity: identity}
		r.byDeviceID[deviceID] = e
		r.byDomainID[identity.DomainID] = deviceID
	}

	e.actor = actor
	e.online = true
	e.offlineSince = time.Time{}
	e.identity.LastSeenAt = now
	if displayName != "" {
		e.identity.DisplayName = displayName
	}
	r.saveIdentity(deviceID, e.identity)

	return e.identity, nil
}

// Detach marks deviceID offline without unregistering it. The entry,
// and its actor handle, remain reachable until Sweep reclaims it
// after the extended-absence threshold elapses with no reconnect.
func (r *Registry) Detach(deviceID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byDeviceID[deviceID]
	if !ok {
		return
	}
	e.online = false
	e.offlineSince = now
}

// Sweep unregisters every device that has been offline for longer
// than the extended-absence threshold, closing its actor handle, and
// returns the device_ids it removed.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.byDeviceID {
		if e.online {
			continue
		}
		if now.Sub(e.offlineSince) < r.extendedAbsence {
			continue
		}
		if e.actor != nil {
			e.actor.Close()
		}
		delete(r.byDomainID, e.identity.DomainID)
		delete(r.byDeviceID, id)
		removed = append(removed, id)
	}
	return removed
}

// Lookup returns the actor handle registered under deviceID.
func (r *Registry) Lookup(deviceID string) (ActorHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDeviceID[deviceID]
	if !ok {
		return nil, false
	}
	return e.actor, true
}

// LookupByDomainID resolves a stable domain_id back to the device_id
// it's currently (or most recently) attached under.
func (r *Registry) LookupByDomainID(domainID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byDomainID[domainID]
	return id, ok
}

// Identity returns the StableDeviceIdentity registered for deviceID.
func (r *Registry) Identity(deviceID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDeviceID[deviceID]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// IsOnline reports whether deviceID is currently attached.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDeviceID[deviceID]
	return ok && e.online
}

// --- Identity persistence -------------------------------------------

func (r *Registry) identityPath(deviceID string) string {
	return filepath.Join(r.stateDir, deviceID+".state")
}

// loadOrMintIdentity loads a persisted identity for deviceID, or
// mints a fresh one (created_at = now) if none exists on disk yet.
// A minted identity takes domainSeed as its domain_id when one is
// supplied, falling back to a random UUID otherwise.
func (r *Registry) loadOrMintIdentity(deviceID, displayName, domainSeed string, now time.Time) (Identity, error) {
	identity, err := r.loadIdentity(deviceID)
	if err == nil {
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, err
	}

	domainID := domainSeed
	if domainID == "" {
		domainID = uuid.NewString()
	}

	return Identity{
		DomainID:    domainID,
		DisplayName: displayName,
		CreatedAt:   now,
		LastSeenAt:  now,
	}, nil
}

func (r *Registry) loadIdentity(deviceID string) (Identity, error) {
	ini, err := inifile.Open(r.identityPath(deviceID))
	if err != nil {
		return Identity{}, err
	}
	defer ini.Close()

	var id Identity
	for {
		rec, err := ini.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Identity{}, err
		}
		if rec.Section != "identity" {
			continue
		}
		switch rec.Key {
		case "domain-id":
			id.DomainID = rec.Value
		case "display-name":
			id.DisplayName = rec.Value
		case "created-at":
			id.CreatedAt = parseUnix(rec.Value)
		case "last-seen-at":
			id.LastSeenAt = parseUnix(rec.Value)
		}
	}
	if id.DomainID == "" {
		return Identity{}, fmt.Errorf("registry: %s: missing domain-id", deviceID)
	}
	return id, nil
}

// saveIdentity persists identity for deviceID, best-effort: a write
// failure is not fatal to the attach that triggered it, since the
// in-memory registry entry is already correct.
func (r *Registry) saveIdentity(deviceID string, identity Identity) {
	if err := os.MkdirAll(r.stateDir, 0755); err != nil {
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[identity]\n")
	fmt.Fprintf(&buf, "domain-id    = %q\n", identity.DomainID)
	fmt.Fprintf(&buf, "display-name = %q\n", identity.DisplayName)
	fmt.Fprintf(&buf, "created-at   = %d\n", identity.CreatedAt.Unix())
	fmt.Fprintf(&buf, "last-seen-at = %d\n", identity.LastSeenAt.Unix())

	_ = os.WriteFile(r.identityPath(deviceID), buf.Bytes(), 0644)
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
