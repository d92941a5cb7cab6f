package inifile

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

var testData = []struct{ section, key, value string }{
	{"network", "handshake-timeout-ms", "10000"},
	{"network", "io-timeout-ms", "15000"},
	{"logging", "device-log", "all"},
	{"logging", "main-log", "debug"},
	{"logging", "console-log", "debug"},
	{"logging", "max-file-size", "256K"},
	{"logging", "max-backup-files", "5"},
	{"logging", "console-color", "enable"},
}

const testConf = `
[network]
handshake-timeout-ms = 10000
io-timeout-ms = 15000

[logging]
; comment line, should be skipped
device-log = all
main-log = debug
console-log = debug
max-file-size = 256K
max-backup-files = 5
console-color = enable
`

func writeTestConf(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mtpusb.conf")
	if err := os.WriteFile(path, []byte(testConf), 0644); err != nil {
		t.Fatalf("%s", err)
	}
	return path
}

func TestIniReader(t *testing.T) {
	path := writeTestConf(t)

	ini, err := Open(path)
	if err != nil {
		t.Fatalf("%s", err)
	}
	defer ini.Close()

	var rec *Record
	current := 0
	for err == nil {
		rec, err = ini.Next()
		if err != nil {
			break
		}

		if current >= len(testData) {
			t.Errorf("unexpected record: [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else if rec.Section != testData[current].section ||
			rec.Key != testData[current].key ||
			rec.Value != testData[current].value {
			t.Errorf("data mismatch:")
			t.Errorf("  expected: [%s] %s = %s", testData[current].section, testData[current].key, testData[current].value)
			t.Errorf("  present:  [%s] %s = %s", rec.Section, rec.Key, rec.Value)
		} else {
			current++
		}
	}

	if err != io.EOF {
		t.Fatalf("%s", err)
	}

	if current != len(testData) {
		t.Errorf("expected %d records, got %d", len(testData), current)
	}
}

func TestLoadSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"256", 256},
		{"4K", 4 * 1024},
		{"4k", 4 * 1024},
		{"4M", 4 * 1024 * 1024},
	}

	for _, c := range cases {
		rec := &Record{Key: "size", Value: c.in}
		var out int64
		if err := rec.LoadSize(&out); err != nil {
			t.Errorf("LoadSize(%q): %s", c.in, err)
			continue
		}
		if out != c.want {
			t.Errorf("LoadSize(%q): got %d, want %d", c.in, out, c.want)
		}
	}
}

func TestLoadUintRange(t *testing.T) {
	rec := &Record{Key: "parallel", Value: "20"}
	var out uint
	if err := rec.LoadUintRange(&out, 1, 16); err == nil {
		t.Errorf("expected out-of-range error, got nil")
	}

	rec = &Record{Key: "parallel", Value: "4"}
	if err := rec.LoadUintRange(&out, 1, 16); err != nil {
		t.Errorf("unexpected error: %s", err)
	}
	if out != 4 {
		t.Errorf("got %d, want 4", out)
	}
}
