// Package hwid implements the matching primitives the quirk resolver
// uses to rank candidate entries against a device's descriptors: an
// exact/wildcard VID:PID pattern, and a glob matcher for model-name
// patterns, both returning a weight rather than a plain boolean so the
// resolver can pick the most specific match among several that apply.
package hwid

import (
	"strconv"
	"strings"
)

// Pattern matches a USB device by vendor ID, and either an exact
// product ID or a wildcard, optionally narrowed further by an
// interface class/subclass/protocol triple and a bcdDevice range.
type Pattern struct {
	vid, pid uint16
	anypid   bool

	hasIface                                 bool
	ifaceClass, ifaceSubClass, ifaceProtocol uint8

	hasBcd       bool
	bcdLo, bcdHi uint16
}

// Parse parses s as a HWID-style pattern.
//
// A HWID pattern takes one of the following forms:
//
//	VVVV:DDDD             - matches devices by vendor and product IDs
//	VVVV:*                - matches devices by vendor ID with any product ID
//	VVVV:DDDD/CC.SS.PP    - also requires an interface class.subclass.protocol triple
//	VVVV:DDDD@LLLL-HHHH   - also requires bcdDevice in range [LLLL,HHHH]
//	VVVV:DDDD/CC.SS.PP@LLLL-HHHH - both qualifiers together
//
// VVVV and DDDD are four-hex-digit vendor/product IDs, CC/SS/PP are
// two-hex-digit interface class/subclass/protocol, and LLLL/HHHH are
// four-hex-digit bcdDevice bounds, inclusive.
//
// It returns nil if s doesn't match the pattern syntax.
func Parse(s string) *Pattern {
	rest := s

	var bcdPart string
	hasBcdPart := false
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		bcdPart, rest = rest[i+1:], rest[:i]
		hasBcdPart = true
	}

	var ifacePart string
	hasIfacePart := false
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		ifacePart, rest = rest[i+1:], rest[:i]
		hasIfacePart = true
	}

	if len(rest) != 6 && len(rest) != 9 {
		return nil
	}
	if rest[4] != ':' {
		return nil
	}

	strVID := rest[:4]
	strPID := rest[5:]

	var vid, pid uint64
	var anypid bool
	var err error

	vid, err = strconv.ParseUint(strVID, 16, 16)
	if err != nil {
		return nil
	}

	if strPID == "*" {
		anypid = true
	} else {
		pid, err = strconv.ParseUint(strPID, 16, 16)
		if err != nil {
			return nil
		}
	}

	p := &Pattern{vid: uint16(vid), pid: uint16(pid), anypid: anypid}

	if hasIfacePart {
		class, sub, proto, ok := parseIfaceTriple(ifacePart)
		if !ok {
			return nil
		}
		p.hasIface = true
		p.ifaceClass, p.ifaceSubClass, p.ifaceProtocol = class, sub, proto
	}

	if hasBcdPart {
		lo, hi, ok := parseBcdRange(bcdPart)
		if !ok {
			return nil
		}
		p.hasBcd = true
		p.bcdLo, p.bcdHi = lo, hi
	}

	return p
}

func parseIfaceTriple(s string) (class, sub, proto uint8, ok bool) {
	a := strings.IndexByte(s, '.')
	if a < 0 {
		return 0, 0, 0, false
	}
	b := strings.IndexByte(s[a+1:], '.')
	if b < 0 {
		return 0, 0, 0, false
	}
	b += a + 1

	c1, err1 := strconv.ParseUint(s[:a], 16, 8)
	c2, err2 := strconv.ParseUint(s[a+1:b], 16, 8)
	c3, err3 := strconv.ParseUint(s[b+1:], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return uint8(c1), uint8(c2), uint8(c3), true
}

func parseBcdRange(s string) (lo, hi uint16, ok bool) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return 0, 0, false
	}
	l, err1 := strconv.ParseUint(s[:i], 16, 16)
	h, err2 := strconv.ParseUint(s[i+1:], 16, 16)
	if err1 != nil || err2 != nil || l > h {
		return 0, 0, false
	}
	return uint16(l), uint16(h), true
}

// Match reports the matching weight of a device's descriptors against
// the pattern, or -1 for no match at all. The VID/PID tier dominates
// (1000 for an exact VID+PID match, 1 for a VID-only wildcard match);
// within that tier, a present interface-triple qualifier adds 200 and
// a present bcdDevice-range qualifier adds 50, so the full triple beats
// a bare VID:PID match and a bcd range narrows further still, without
// ever letting an interface/bcd qualifier on a wildcard VID match
// outrank an exact VID:PID match. A pattern that names a qualifier the
// device doesn't satisfy doesn't match at all: qualifiers narrow, they
// don't merely rank. Both tiers still out-rank a model-name match
// built from GlobMatch (see the quirks package's merge weighting).
func (p *Pattern) Match(vid, pid uint16, ifaceClass, ifaceSubClass, ifaceProtocol uint8, bcdDevice uint16) int {
	if vid != p.vid {
		return -1
	}
	if !p.anypid && pid != p.pid {
		return -1
	}

	weight := 1
	if !p.anypid {
		weight = 1000
	}

	if p.hasIface {
		if ifaceClass != p.ifaceClass || ifaceSubClass != p.ifaceSubClass || ifaceProtocol != p.ifaceProtocol {
			return -1
		}
		weight += 200
	}

	if p.hasBcd {
		if bcdDevice < p.bcdLo || bcdDevice > p.bcdHi {
			return -1
		}
		weight += 50
	}

	return weight
}

// GlobMatch matches str against a glob-style pattern with the
// following syntax:
//
//	?   - matches exactly one character
//	*   - matches any sequence of characters
//	\C  - matches character C literally
//	C   - matches character C (C is not *, ? or \)
//
// It returns the count of matched non-wildcard characters, or -1 if
// str doesn't match pattern at all.
func GlobMatch(str, pattern string) int {
	return globMatch(str, pattern, 0)
}

func globMatch(str, pattern string, count int) int {
	for str != "" && pattern != "" {
		p := pattern[0]
		pattern = pattern[1:]

		switch p {
		case '*':
			for pattern != "" && pattern[0] == '*' {
				pattern = pattern[1:]
			}

			if pattern == "" {
				return count
			}

			for i := 0; i < len(str); i++ {
				c2 := globMatch(str[i:], pattern, count)
				if c2 >= 0 {
					return c2
				}
			}

		case '?':
			str = str[1:]

		case '\\':
			if pattern == "" {
				return -1
			}
			p, pattern = pattern[0], pattern[1:]
			fallthrough

		default:
			if str[0] != p {
				return -1
			}
			str = str[1:]
			count++
		}
	}

	for pattern != "" && pattern[0] == '*' {
		pattern = pattern[1:]
	}

	if str == "" && pattern == "" {
		return count
	}

	return -1
}
