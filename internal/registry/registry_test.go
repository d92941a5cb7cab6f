package registry

import (
	"testing"
	"time"
)

type fakeActor struct {
	closed bool
}

func (a *fakeActor) Close() error {
	a.closed = true
	return nil
}

func TestAttachMintsIdentityAndReattachReusesDomainID(t *testing.T) {
	r := New(t.TempDir())
	now := time.Unix(1000, 0)

	id1, err := r.Attach("dev1", "Acme Widget", &fakeActor{}, "", now)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	if id1.DomainID == "" {
		t.Fatalf("expected a minted domain id")
	}
	if id1.CreatedAt.Unix() != now.Unix() || id1.LastSeenAt.Unix() != now.Unix() {
		t.Fatalf("unexpected timestamps: %+v", id1)
	}

	r.Detach("dev1", now)
	if r.IsOnline("dev1") {
		t.Fatalf("expected dev1 offline after detach")
	}

	later := now.Add(time.Hour)
	id2, err := r.Attach("dev1", "Acme Widget", &fakeActor{}, "", later)
	if err != nil {
		t.Fatalf("reattach: %s", err)
	}
	if id2.DomainID != id1.DomainID {
		t.Fatalf("domain id changed on reattach: %s != %s", id2.DomainID, id1.DomainID)
	}
	if id2.LastSeenAt.Unix() != later.Unix() {
		t.Fatalf("last_seen_at not refreshed: %+v", id2)
	}
	if !r.IsOnline("dev1") {
		t.Fatalf("expected dev1 online after reattach")
	}

	if gotID, ok := r.LookupByDomainID(id1.DomainID); !ok || gotID != "dev1" {
		t.Fatalf("reverse lookup failed: %s %v", gotID, ok)
	}
}

func TestIdentityPersistsAcrossRegistries(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(2000, 0)

	r1 := New(dir)
	id1, err := r1.Attach("dev1", "Acme Widget", &fakeActor{}, "", now)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}

	r2 := New(dir)
	id2, err := r2.Attach("dev1", "Acme Widget", &fakeActor{}, "", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("attach on fresh registry: %s", err)
	}
	if id2.DomainID != id1.DomainID {
		t.Fatalf("domain id not persisted: %s != %s", id2.DomainID, id1.DomainID)
	}
	if id2.CreatedAt.Unix() != id1.CreatedAt.Unix() {
		t.Fatalf("created_at should survive reload: %v != %v", id2.CreatedAt, id1.CreatedAt)
	}
}

func TestSweepUnregistersAfterExtendedAbsence(t *testing.T) {
	r := New(t.TempDir())
	r.SetExtendedAbsence(time.Hour)

	actor := &fakeActor{}
	now := time.Unix(3000, 0)
	if _, err := r.Attach("dev1", "Acme Widget", actor, "", now); err != nil {
		t.Fatalf("attach: %s", err)
	}
	r.Detach("dev1", now)

	if removed := r.Sweep(now.Add(30 * time.Minute)); len(removed) != 0 {
		t.Fatalf("swept too early: %v", removed)
	}
	if actor.closed {
		t.Fatalf("actor closed before the absence threshold elapsed")
	}

	removed := r.Sweep(now.Add(2 * time.Hour))
	if len(removed) != 1 || removed[0] != "dev1" {
		t.Fatalf("expected dev1 to be swept, got %v", removed)
	}
	if !actor.closed {
		t.Fatalf("expected actor to be closed on sweep")
	}
	if _, ok := r.Lookup("dev1"); ok {
		t.Fatalf("dev1 should no longer be registered")
	}
}

func TestSweepLeavesOnlineDevicesAlone(t *testing.T) {
	r := New(t.TempDir())
	r.SetExtendedAbsence(time.Minute)
	now := time.Unix(4000, 0)

	if _, err := r.Attach("dev1", "Acme Widget", &fakeActor{}, "", now); err != nil {
		t.Fatalf("attach: %s", err)
	}

	if removed := r.Sweep(now.Add(time.Hour)); len(removed) != 0 {
		t.Fatalf("swept an online device: %v", removed)
	}
}

func TestAttachDomainSeed(t *testing.T) {
	const seed = "a5a0a1f0-1111-5222-8333-444455556666"
	now := time.Unix(5000, 0)

	r1 := New(t.TempDir())
	id1, err := r1.Attach("dev1", "Acme Widget", &fakeActor{}, seed, now)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	if id1.DomainID != seed {
		t.Fatalf("expected minted identity to take the seed, got %s", id1.DomainID)
	}

	// The same seed yields the same domain_id even with no persisted
	// record to load, e.g. after the state directory is lost.
	r2 := New(t.TempDir())
	id2, err := r2.Attach("dev1", "Acme Widget", &fakeActor{}, seed, now)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	if id2.DomainID != seed {
		t.Fatalf("expected the seed to be stable, got %s", id2.DomainID)
	}
}

func TestAttachSeedNeverOverridesLoadedIdentity(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(6000, 0)

	r1 := New(dir)
	id1, err := r1.Attach("dev1", "Acme Widget", &fakeActor{}, "", now)
	if err != nil {
		t.Fatalf("attach: %s", err)
	}

	r2 := New(dir)
	id2, err := r2.Attach("dev1", "Acme Widget", &fakeActor{}, "ffffffff-ffff-5fff-8fff-ffffffffffff", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("attach: %s", err)
	}
	if id2.DomainID != id1.DomainID {
		t.Fatalf("a seed must not replace a persisted domain_id: %s != %s", id2.DomainID, id1.DomainID)
	}
}
