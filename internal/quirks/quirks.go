// Package quirks resolves a per-device DevicePolicy from a layered set
// of sources: a static, declarative table matched by HWID or model
// name, class-based synthesis for devices the table doesn't name,
// a learned profile refining tuning values, and caller-supplied
// overrides applied last.
package quirks

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/hwid"
	"github.com/EffortlessMetrics/SwiftMTP-dev-sub006/internal/inifile"
)

// Quirk names. Use these constants instead of literal strings so the
// compiler catches typos at the call site.
const (
	NmSupportsGetObjectPropList  = "supports-get-object-prop-list"
	NmPrefersProplistEnumeration = "prefers-proplist-enumeration"
	NmRequiresKernelDetach       = "requires-kernel-detach"
	NmCameraClass                = "camera-class"
	NmResetOnOpen                = "reset-on-open"
	NmMaxChunkBytes              = "max-chunk-bytes"
	NmHandshakeTimeoutMs         = "handshake-timeout-ms"
	NmIoTimeoutMs                = "io-timeout-ms"
	NmStabilizeMs                = "stabilize-ms"
	NmBusyBackoffRetries         = "busy-backoff-retries"
	NmBusyBackoffBaseMs          = "busy-backoff-base-ms"
	NmBusyBackoffJitterPct       = "busy-backoff-jitter-pct"
)

// Flags are the capability bits the protocol engine and enumeration
// ladder branch on.
type Flags struct {
	SupportsGetObjectPropList  bool
	PrefersProplistEnumeration bool
	RequiresKernelDetach       bool
	CameraClass                bool
	ResetOnOpen                bool
}

// BusyBackoff parameterizes the retry loop's wait between attempts
// after a device-busy response.
type BusyBackoff struct {
	Retries   uint
	BaseMs    uint
	JitterPct uint
}

// Tuning holds the timing and sizing knobs the protocol engine and
// transfer journal consult.
type Tuning struct {
	MaxChunkBytes      uint
	HandshakeTimeoutMs uint
	IoTimeoutMs        uint
	StabilizeMs        uint
	BusyBackoff        BusyBackoff
	Hooks              map[string]uint // phase name -> delay in ms
}

// Policy is the effective DevicePolicy produced by Resolve: the flags
// and tuning the protocol engine obeys for the remainder of a session.
type Policy struct {
	Flags  Flags
	Tuning Tuning
}

// DefaultPolicy returns the baseline policy applied when nothing else
// overrides it: conservative timeouts, no fast-path capability assumed.
func DefaultPolicy() Policy {
	return Policy{
		Tuning: Tuning{
			MaxChunkBytes:      4 << 20,
			HandshakeTimeoutMs: 10000,
			IoTimeoutMs:        15000,
			StabilizeMs:        0,
			BusyBackoff:        BusyBackoff{Retries: 5, BaseMs: 100, JitterPct: 20},
			Hooks:              map[string]uint{},
		},
	}
}

// Descriptors identifies the device being resolved, as surfaced by
// the USB link.
type Descriptors struct {
	VID, PID          uint16
	Model             string
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	BcdDevice         uint16
}

// Quirk is a single resolved key/value pair: which source matched,
// with what specificity, and the parsed value.
type Quirk struct {
	Origin    string // file:line of definition
	Match     string // match pattern (HWID or model glob)
	MatchHWID *hwid.Pattern
	Name      string
	RawValue  string
	Parsed    interface{}
	LoadOrder int
}

func (q *Quirk) isHWID() bool { return q.MatchHWID != nil }

var quirkParse = map[string]func(*Quirk) error{
	NmSupportsGetObjectPropList:  (*Quirk).parseBool,
	NmPrefersProplistEnumeration: (*Quirk).parseBool,
	NmRequiresKernelDetach:       (*Quirk).parseBool,
	NmCameraClass:                (*Quirk).parseBool,
	NmResetOnOpen:                (*Quirk).parseBool,
	NmMaxChunkBytes:              (*Quirk).parseUint,
	NmHandshakeTimeoutMs:         (*Quirk).parseUint,
	NmIoTimeoutMs:                (*Quirk).parseUint,
	NmStabilizeMs:                (*Quirk).parseUint,
	NmBusyBackoffRetries:         (*Quirk).parseUint,
	NmBusyBackoffBaseMs:          (*Quirk).parseUint,
	NmBusyBackoffJitterPct:       (*Quirk).parseUint,
}

func (q *Quirk) parseBool() error {
	switch q.RawValue {
	case "true":
		q.Parsed = true
	case "false":
		q.Parsed = false
	default:
		return fmt.Errorf("%q: must be true or false", q.RawValue)
	}
	return nil
}

func (q *Quirk) parseUint() error {
	v, err := strconv.ParseUint(q.RawValue, 10, 32)
	if err != nil {
		return fmt.Errorf("%q: invalid unsigned integer", q.RawValue)
	}
	q.Parsed = uint(v)
	return nil
}

// Quirks is a collection of Quirk, indexed by name, all matched
// against the same device. It is used both to represent one section
// of a quirks file and to represent the merged set applicable to a
// specific device.
type Quirks struct {
	byName  map[string]*Quirk
	weights map[string]int
}

func newQuirks() *Quirks {
	return &Quirks{byName: make(map[string]*Quirk), weights: make(map[string]int)}
}

func (qs *Quirks) put(q *Quirk) {
	qs.byName[q.Name] = q
}

// prioritizeAndSave inserts q into the set, or replaces the existing
// entry of the same name, if q matches more specifically. Ties are
// broken by load order: later-registered entries win.
func (qs *Quirks) prioritizeAndSave(q *Quirk, weight int) {
	prev := qs.byName[q.Name]
	prevWeight := qs.weights[q.Name]

	save := false
	switch {
	case prev == nil:
		save = true
	case weight > prevWeight:
		save = true
	case weight < prevWeight:
		// keep prev
	case q.LoadOrder > prev.LoadOrder:
		save = true
	}

	if save {
		qs.put(q)
		qs.weights[q.Name] = weight
	}
}

// IsEmpty reports whether the set carries no quirks at all.
func (qs *Quirks) IsEmpty() bool {
	return qs == nil || len(qs.byName) == 0
}

// Get returns the named quirk, or nil if not present in the set.
func (qs *Quirks) Get(name string) *Quirk {
	if qs == nil {
		return nil
	}
	return qs.byName[name]
}

// All returns every quirk in the set, sorted by name, for diagnostics.
func (qs *Quirks) All() []*Quirk {
	out := make([]*Quirk, 0, len(qs.byName))
	for _, q := range qs.byName {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// applyTo folds the quirks in qs onto policy, overwriting any field
// a present quirk names.
func (qs *Quirks) applyTo(p *Policy) {
	if qs == nil {
		return
	}
	if q := qs.Get(NmSupportsGetObjectPropList); q != nil {
		p.Flags.SupportsGetObjectPropList = q.Parsed.(bool)
	}
	if q := qs.Get(NmPrefersProplistEnumeration); q != nil {
		p.Flags.PrefersProplistEnumeration = q.Parsed.(bool)
	}
	if q := qs.Get(NmRequiresKernelDetach); q != nil {
		p.Flags.RequiresKernelDetach = q.Parsed.(bool)
	}
	if q := qs.Get(NmCameraClass); q != nil {
		p.Flags.CameraClass = q.Parsed.(bool)
	}
	if q := qs.Get(NmResetOnOpen); q != nil {
		p.Flags.ResetOnOpen = q.Parsed.(bool)
	}
	if q := qs.Get(NmMaxChunkBytes); q != nil {
		p.Tuning.MaxChunkBytes = q.Parsed.(uint)
	}
	if q := qs.Get(NmHandshakeTimeoutMs); q != nil {
		p.Tuning.HandshakeTimeoutMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmIoTimeoutMs); q != nil {
		p.Tuning.IoTimeoutMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmStabilizeMs); q != nil {
		p.Tuning.StabilizeMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmBusyBackoffRetries); q != nil {
		p.Tuning.BusyBackoff.Retries = q.Parsed.(uint)
	}
	if q := qs.Get(NmBusyBackoffBaseMs); q != nil {
		p.Tuning.BusyBackoff.BaseMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmBusyBackoffJitterPct); q != nil {
		p.Tuning.BusyBackoff.JitterPct = q.Parsed.(uint)
	}
}

// applyTuningOnly folds only the tuning fields of qs onto policy,
// leaving flags untouched. Used for the learned-profile merge step,
// which may refine timing but must never flip a capability flag.
func (qs *Quirks) applyTuningOnly(p *Policy) {
	if qs == nil {
		return
	}
	if q := qs.Get(NmMaxChunkBytes); q != nil {
		p.Tuning.MaxChunkBytes = q.Parsed.(uint)
	}
	if q := qs.Get(NmHandshakeTimeoutMs); q != nil {
		p.Tuning.HandshakeTimeoutMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmIoTimeoutMs); q != nil {
		p.Tuning.IoTimeoutMs = q.Parsed.(uint)
	}
	if q := qs.Get(NmStabilizeMs); q != nil {
		p.Tuning.StabilizeMs = q.Parsed.(uint)
	}
}

// Db is the in-memory set of Quirks sections loaded from the quirks
// table directories.
type Db []*Quirks

// LoadDb loads a Db from every ".conf" file in the given directories,
// in order; a later directory's entries take precedence on ties per
// prioritizeAndSave, so callers pass the static table first and a
// user-override directory last.
func LoadDb(paths ...string) (Db, error) {
	db := Db{}
	for _, path := range paths {
		if err := db.readDir(path); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *Db) readDir(path string) error {
	files, err := ioutil.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, file := range files {
		if file.Mode().IsRegular() && strings.HasSuffix(file.Name(), ".conf") {
			if err := db.readFile(filepath.Join(path, file.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *Db) readFile(path string) error {
	f, err := inifile.OpenWithRecType(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var set *Quirks
	var matchHWID *hwid.Pattern

	// Continue the load-order count across files and directories, so
	// an entry from a later file wins a weight tie against an earlier one.
	loadOrder := 0
	for _, qs := range *db {
		loadOrder += len(qs.byName)
	}

	for {
		rec, err := f.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		origin := fmt.Sprintf("%s:%d", rec.File, rec.Line)

		if rec.Type == inifile.RecordSection {
			matchHWID = hwid.Parse(rec.Section)
			set = newQuirks()
			db.Add(set)
			continue
		}
		if set == nil {
			return fmt.Errorf("%s: %q = %q out of any section", origin, rec.Key, rec.Value)
		}

		if found := set.byName[rec.Key]; found != nil {
			return fmt.Errorf("%s: %q already defined at %s", origin, rec.Key, found.Origin)
		}

		parse := quirkParse[rec.Key]
		if parse == nil {
			// Unknown key: ignore, it may belong to a newer schema
			// version than this build understands.
			continue
		}

		q := &Quirk{
			Origin:    origin,
			Match:     rec.Section,
			MatchHWID: matchHWID,
			Name:      rec.Key,
			RawValue:  rec.Value,
			LoadOrder: loadOrder,
		}
		loadOrder++

		if err := parse(q); err != nil {
			return fmt.Errorf("%s: %s", origin, err)
		}

		set.put(q)
	}
}

// Add appends a Quirks section to the Db.
func (db *Db) Add(qs *Quirks) {
	*db = append(*db, qs)
}

// MatchByHWID returns the merged set of quirks applicable to a
// device's full descriptor tuple, across every section matched by an
// HWID pattern. A pattern with no interface or bcdDevice qualifier
// matches on vid/pid alone; one that names a qualifier only matches
// devices satisfying it, and ranks more specifically when it does.
func (db Db) MatchByHWID(d Descriptors) *Quirks {
	ret := newQuirks()
	for _, set := range db {
		for _, q := range set.byName {
			if q.isHWID() {
				weight := q.MatchHWID.Match(d.VID, d.PID, d.InterfaceClass, d.InterfaceSubClass, d.InterfaceProtocol, d.BcdDevice)
				if weight >= 0 {
					ret.prioritizeAndSave(q, weight)
				}
			}
		}
	}
	return ret
}

// MatchByModelName returns the merged set of quirks applicable to
// model, across every section matched by a model-name glob. Matching
// weight is 2x the glob's matched-character count, so it ranks between
// the VID-only wildcard HWID match (weight 1) and an exact HWID match
// (weight 1000): a more specific model glob wins over a less specific
// one, and any model match beats the all-wildcard default.
func (db Db) MatchByModelName(model string) *Quirks {
	ret := newQuirks()
	for _, set := range db {
		for _, q := range set.byName {
			if !q.isHWID() {
				if weight := 2 * hwid.GlobMatch(model, q.Match); weight >= 0 {
					ret.prioritizeAndSave(q, weight)
				}
			}
		}
	}
	return ret
}

// merge folds src onto dst with the same prioritizeAndSave rule used
// within a single match pass, applied across the HWID and model-name
// passes: src's entry replaces dst's when it matches more specifically,
// or, at an equal weight, when it has the later load order.
func merge(dst, src *Quirks) *Quirks {
	for name, q := range src.byName {
		dst.prioritizeAndSave(q, src.weights[name])
	}
	return dst
}

// Resolve implements the layered quirk resolution: static table match
// (HWID, then model name, merged by specificity), class-based
// synthesis when nothing in the table matches, a learned profile
// refining tuning only, and caller overrides applied last.
func Resolve(db Db, d Descriptors, learned *Quirks, overrides *Quirks) Policy {
	matched := db.MatchByHWID(d)
	matched = merge(matched, db.MatchByModelName(d.Model))

	policy := DefaultPolicy()

	if matched.IsEmpty() {
		switch d.InterfaceClass {
		case 0x06: // still-image/PTP camera class
			policy.Flags.CameraClass = true
			policy.Flags.SupportsGetObjectPropList = true
			policy.Flags.RequiresKernelDetach = false
		case 0xFF: // vendor-specific, typical of Android MTP
			policy.Flags.RequiresKernelDetach = true
			policy.Flags.SupportsGetObjectPropList = false
			policy.Flags.PrefersProplistEnumeration = false
		}
	} else {
		matched.applyTo(&policy)
	}

	learned.applyTuningOnly(&policy)
	overrides.applyTo(&policy)

	return policy
}

// Overrides builds a caller-supplied override set for Resolve's final
// merge step, from already-parsed values keyed by quirk name. Values
// must carry the type the named quirk parses to (bool for flags, uint
// for tuning).
func Overrides(values map[string]interface{}) *Quirks {
	qs := newQuirks()
	for name, v := range values {
		qs.put(&Quirk{Origin: "override", Name: name, RawValue: fmt.Sprint(v), Parsed: v})
	}
	return qs
}

// DemoteGetObjectPropList clears the fast-path enumeration flag in
// place, for the auto-demotion the protocol engine performs after
// observing OperationNotSupported on GetObjectPropList.
func DemoteGetObjectPropList(p *Policy) {
	p.Flags.SupportsGetObjectPropList = false
}
