package quirks

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("%s", err)
	}
}

func TestPrioritization(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", `
[test *]
reset-on-open = true

[test printer]
reset-on-open = false
`)

	db, err := LoadDb(dir)
	if err != nil {
		t.Fatalf("%s", err)
	}

	matched := db.MatchByModelName("test printer")
	q := matched.Get(NmResetOnOpen)
	if q == nil || q.Parsed.(bool) != false {
		t.Fatalf("expected the more specific match to win, got %+v", q)
	}
}

func TestMatchByHWID(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", `
[04e8:6860]
supports-get-object-prop-list = false

[04e8:*]
max-chunk-bytes = 1048576
`)

	db, err := LoadDb(dir)
	if err != nil {
		t.Fatalf("%s", err)
	}

	matched := db.MatchByHWID(Descriptors{VID: 0x04e8, PID: 0x6860})
	if q := matched.Get(NmSupportsGetObjectPropList); q == nil || q.Parsed.(bool) != false {
		t.Fatalf("expected exact HWID match to apply, got %+v", q)
	}
	if q := matched.Get(NmMaxChunkBytes); q == nil || q.Parsed.(uint) != 1048576 {
		t.Fatalf("expected VID wildcard match to also apply, got %+v", q)
	}

	matched = db.MatchByHWID(Descriptors{VID: 0x04e8, PID: 0x1234})
	if q := matched.Get(NmSupportsGetObjectPropList); q != nil {
		t.Fatalf("expected no match for a different PID under the same VID, got %+v", q)
	}
}

func TestMatchByHWIDInterfaceTripleBeatsBareVidPid(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", `
[04e8:6860]
io-timeout-ms = 15000

[04e8:6860/06.01.01]
io-timeout-ms = 9000
`)

	db, err := LoadDb(dir)
	if err != nil {
		t.Fatalf("%s", err)
	}

	matched := db.MatchByHWID(Descriptors{VID: 0x04e8, PID: 0x6860, InterfaceClass: 0x06, InterfaceSubClass: 0x01, InterfaceProtocol: 0x01})
	q := matched.Get(NmIoTimeoutMs)
	if q == nil || q.Parsed.(uint) != 9000 {
		t.Fatalf("expected the interface-triple match to win over the bare VID:PID match, got %+v", q)
	}

	matched = db.MatchByHWID(Descriptors{VID: 0x04e8, PID: 0x6860, InterfaceClass: 0x08})
	q = matched.Get(NmIoTimeoutMs)
	if q == nil || q.Parsed.(uint) != 15000 {
		t.Fatalf("expected the bare VID:PID match when the interface triple doesn't match, got %+v", q)
	}
}

func TestResolveSynthesizesCameraClass(t *testing.T) {
	db := Db{}
	p := Resolve(db, Descriptors{VID: 0x1234, PID: 0x5678, InterfaceClass: 0x06}, nil, nil)

	if !p.Flags.CameraClass || !p.Flags.SupportsGetObjectPropList || p.Flags.RequiresKernelDetach {
		t.Fatalf("unexpected synthesized policy: %+v", p.Flags)
	}
}

func TestResolveSynthesizesAndroidMTP(t *testing.T) {
	db := Db{}
	p := Resolve(db, Descriptors{VID: 0x1234, PID: 0x5678, InterfaceClass: 0xFF}, nil, nil)

	if !p.Flags.RequiresKernelDetach || p.Flags.SupportsGetObjectPropList || p.Flags.PrefersProplistEnumeration {
		t.Fatalf("unexpected synthesized policy: %+v", p.Flags)
	}
}

func TestResolveStaticTableBeatsSynthesis(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", `
[1234:5678]
supports-get-object-prop-list = false
`)

	db, err := LoadDb(dir)
	if err != nil {
		t.Fatalf("%s", err)
	}

	p := Resolve(db, Descriptors{VID: 0x1234, PID: 0x5678, InterfaceClass: 0x06}, nil, nil)
	if p.Flags.SupportsGetObjectPropList {
		t.Fatalf("expected static table entry to override class-based synthesis, got %+v", p.Flags)
	}
	if p.Flags.CameraClass {
		t.Fatalf("class-based synthesis must not run once a static entry matched, got %+v", p.Flags)
	}
}

func TestResolveLearnedProfileNeverFlipsFlags(t *testing.T) {
	db := Db{}
	learned := newQuirks()
	learned.put(&Quirk{Name: NmSupportsGetObjectPropList, RawValue: "true", Parsed: true})
	learned.put(&Quirk{Name: NmMaxChunkBytes, RawValue: "65536", Parsed: uint(65536)})

	p := Resolve(db, Descriptors{VID: 0x1234, PID: 0x5678, InterfaceClass: 0xFF}, learned, nil)

	if p.Flags.SupportsGetObjectPropList {
		t.Fatalf("learned profile must not override a synthesized flag")
	}
	if p.Tuning.MaxChunkBytes != 65536 {
		t.Fatalf("expected learned tuning to apply, got %d", p.Tuning.MaxChunkBytes)
	}
}

func TestResolveOverridesApplyLast(t *testing.T) {
	db := Db{}
	overrides := newQuirks()
	overrides.put(&Quirk{Name: NmIoTimeoutMs, RawValue: "5000", Parsed: uint(5000)})

	p := Resolve(db, Descriptors{}, nil, overrides)
	if p.Tuning.IoTimeoutMs != 5000 {
		t.Fatalf("expected caller override to win, got %d", p.Tuning.IoTimeoutMs)
	}
}

func TestDemoteGetObjectPropList(t *testing.T) {
	p := DefaultPolicy()
	p.Flags.SupportsGetObjectPropList = true
	DemoteGetObjectPropList(&p)
	if p.Flags.SupportsGetObjectPropList {
		t.Fatalf("expected flag to be cleared")
	}
}
