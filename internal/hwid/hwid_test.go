package hwid

import "testing"

func TestGlobMatch(t *testing.T) {
	testData := []struct {
		model, pattern string
		count          int
	}{
		{"test", "test", 4},
		{"test", "tes?", 3},
		{"test", "te?t", 3},
		{"test", "te??", 2},
		{"test", "te??x", -1},
		{"test", "te*", 2},
		{"test", "te**", 2},
		{"test", "*te**", 2},
		{"", "*", 0},
		{"test", "t\\est", 4},
		{"t?st", "t\\?st", 4},
	}

	for _, data := range testData {
		n := GlobMatch(data.model, data.pattern)
		if n != data.count {
			t.Errorf("GlobMatch(%q,%q): expected %d got %d",
				data.model, data.pattern, data.count, n)
		}
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"04e8:6860", true},
		{"04e8:*", true},
		{"04e8", false},
		{"04e8:686", false},
		{"zzzz:6860", false},
		{"04e8:zzzz", false},
		{"04e8:6860/06.01.01", true},
		{"04e8:*/06.01.01", true},
		{"04e8:6860@0100-0200", true},
		{"04e8:6860/06.01.01@0100-0200", true},
		{"04e8:6860/06.01", false},
		{"04e8:6860/zz.01.01", false},
		{"04e8:6860@0200-0100", false},
		{"04e8:6860@0100", false},
		{"04e8:6860@zzzz-ffff", false},
	}

	for _, tc := range tests {
		p := Parse(tc.in)
		if (p != nil) != tc.valid {
			t.Errorf("Parse(%q): expected valid=%v, got %v", tc.in, tc.valid, p)
		}
	}
}

func TestPatternMatch(t *testing.T) {
	exact := Parse("04e8:6860")
	wildcard := Parse("04e8:*")
	withIface := Parse("04e8:6860/06.01.01")
	withBcd := Parse("04e8:6860@0100-0200")
	withBoth := Parse("04e8:6860/06.01.01@0100-0200")

	tests := []struct {
		p                                        *Pattern
		vid, pid                                 uint16
		ifaceClass, ifaceSubClass, ifaceProtocol uint8
		bcdDevice                                uint16
		weight                                   int
	}{
		{exact, 0x04e8, 0x6860, 0, 0, 0, 0, 1000},
		{exact, 0x04e8, 0x1234, 0, 0, 0, 0, -1},
		{exact, 0x1234, 0x6860, 0, 0, 0, 0, -1},
		{wildcard, 0x04e8, 0x1234, 0, 0, 0, 0, 1},
		{wildcard, 0x1234, 0x1234, 0, 0, 0, 0, -1},

		// an interface-triple qualifier must match to match at all, and
		// adds 200 to the exact VID:PID weight when it does.
		{withIface, 0x04e8, 0x6860, 0x06, 0x01, 0x01, 0, 1200},
		{withIface, 0x04e8, 0x6860, 0x06, 0x01, 0x00, 0, -1},
		{withIface, 0x04e8, 0x6860, 0xFF, 0x01, 0x01, 0, -1},

		// a bcdDevice-range qualifier must match to match at all, and
		// adds 50 to the exact VID:PID weight when it does.
		{withBcd, 0x04e8, 0x6860, 0, 0, 0, 0x0100, 1050},
		{withBcd, 0x04e8, 0x6860, 0, 0, 0, 0x0200, 1050},
		{withBcd, 0x04e8, 0x6860, 0, 0, 0, 0x0099, -1},
		{withBcd, 0x04e8, 0x6860, 0, 0, 0, 0x0201, -1},

		// both qualifiers together compound the weight to 1250, beating
		// either qualifier alone, which in turn beats a bare VID:PID.
		{withBoth, 0x04e8, 0x6860, 0x06, 0x01, 0x01, 0x0150, 1250},
		{withBoth, 0x04e8, 0x6860, 0x06, 0x01, 0x01, 0x0300, -1},
	}

	for _, tc := range tests {
		got := tc.p.Match(tc.vid, tc.pid, tc.ifaceClass, tc.ifaceSubClass, tc.ifaceProtocol, tc.bcdDevice)
		if got != tc.weight {
			t.Errorf("Match(%04x,%04x,%02x,%02x,%02x,%04x): expected %d got %d",
				tc.vid, tc.pid, tc.ifaceClass, tc.ifaceSubClass, tc.ifaceProtocol, tc.bcdDevice, tc.weight, got)
		}
	}
}
