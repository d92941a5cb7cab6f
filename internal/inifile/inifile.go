/* mtpusb - host-side MTP/PTP stack over USB
 *
 * .INI file loader
 *
 * This is mtpusb's configuration and quirks-table reader. No
 * third-party INI library supports this dialect (quoted values,
 * backslash escapes, hex/octal escapes, line continuation, dual
 * section/keyval record types for quirks matching), so it stays a
 * from-scratch recursive-descent reader rather than reaching for
 * e.g. gopkg.in/ini.v1, which does not expose the escaping rules the
 * quirks table format needs.
 */

package inifile

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// File represents an opened .INI file.
type File struct {
	file        *os.File
	line        int
	reader      *bufio.Reader
	buf         bytes.Buffer
	rec         Record
	withRecType bool
}

// Record represents a single .INI file record: either a [section]
// header or a key = value pair.
type Record struct {
	Section    string
	Key, Value string
	File       string
	Line       int
	Type       RecordType
}

// RecordType distinguishes [section] headers from key = value pairs.
type RecordType int

const (
	RecordSection RecordType = iota
	RecordKeyVal
)

// Error represents a file read/parse error, carrying its origin.
type Error struct {
	File    string
	Line    int
	Message string
}

// Error implements the error interface.
func (err *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", err.File, err.Line, err.Message)
}

// Open opens path for reading. Next() will only return RecordKeyVal
// records; [section] headers are consumed transparently and tracked
// in Record.Section.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	ini := &File{
		file:   f,
		line:   1,
		reader: bufio.NewReader(f),
		rec:    Record{File: path},
	}

	return ini, nil
}

// OpenWithRecType opens path for reading, returning both section
// headers and key/value records from Next(). Used by readers (like
// the quirks table) that need the section name as a match pattern.
func OpenWithRecType(path string) (*File, error) {
	ini, err := Open(path)
	if ini != nil {
		ini.withRecType = true
	}
	return ini, err
}

// Close closes the underlying file.
func (ini *File) Close() error {
	return ini.file.Close()
}

// Next returns the next Record, or an error (io.EOF at end of file).
func (ini *File) Next() (*Record, error) {
	for {
		c, err := ini.getcNonSpace()
		for err == nil && ini.iscomment(c) {
			ini.getcNl()
			c, err = ini.getcNonSpace()
		}

		if err != nil {
			return nil, err
		}

		ini.rec.Line = ini.line
		var token string

		switch c {
		case '[':
			c, token, err = ini.token(']', false)
			if err == nil && c == ']' {
				ini.rec.Section = token
			}

			ini.getcNl()
			ini.rec.Type = RecordSection

			if ini.withRecType {
				return &ini.rec, nil
			}

		case '=':
			ini.getcNl()
			return nil, ini.errorf("unexpected '=' character")

		default:
			ini.ungetc(c)

			c, token, err = ini.token('=', false)
			if err == nil && c == '=' {
				ini.rec.Key = token
				c, token, err = ini.token(-1, true)
				if err == nil {
					ini.rec.Value = token
					ini.rec.Type = RecordKeyVal
					return &ini.rec, nil
				}
			} else if err == nil {
				return nil, ini.errorf("expected '=' character")
			}
		}
	}
}

func (ini *File) token(delimiter rune, linecont bool) (byte, string, error) {
	var accumulator, count, trailingSpace int
	var c byte
	var err error

	type prsState int
	const (
		prsSkipSpace prsState = iota
		prsBody
		prsString
		prsStringBslash
		prsStringHex
		prsStringOctal
		prsComment
	)

	state := prsSkipSpace
	ini.buf.Reset()

	for {
		c, err = ini.getc()
		if err != nil || c == '\n' {
			break
		}

		if (state == prsBody || state == prsSkipSpace) && rune(c) == delimiter {
			break
		}

		switch state {
		case prsSkipSpace:
			if ini.isspace(c) {
				break
			}
			state = prsBody
			fallthrough

		case prsBody:
			if c == '"' {
				state = prsString
			} else if ini.iscomment(c) {
				state = prsComment
			} else if c == '\\' && linecont {
				c2, _ := ini.getc()
				if c2 == '\n' {
					ini.buf.Truncate(ini.buf.Len() - trailingSpace)
					trailingSpace = 0
					state = prsSkipSpace
				} else {
					ini.ungetc(c2)
				}
			} else {
				ini.buf.WriteByte(c)
			}

			if state == prsBody {
				if ini.isspace(c) {
					trailingSpace++
				} else {
					trailingSpace = 0
				}
			} else {
				ini.buf.Truncate(ini.buf.Len() - trailingSpace)
				trailingSpace = 0
			}

		case prsString:
			if c == '\\' {
				state = prsStringBslash
			} else if c == '"' {
				state = prsBody
			} else {
				ini.buf.WriteByte(c)
			}

		case prsStringBslash:
			if c == 'x' || c == 'X' {
				state = prsStringHex
				accumulator, count = 0, 0
			} else if ini.isoctal(c) {
				state = prsStringOctal
				accumulator = ini.hex2int(c)
				count = 1
			} else {
				switch c {
				case 'a':
					c = '\a'
				case 'b':
					c = '\b'
				case 'e':
					c = '\x1b'
				case 'f':
					c = '\f'
				case 'n':
					c = '\n'
				case 'r':
					c = '\r'
				case 't':
					c = '\t'
				case 'v':
					c = '\v'
				}

				ini.buf.WriteByte(c)
				state = prsString
			}

		case prsStringHex:
			if ini.isxdigit(c) {
				if count != 2 {
					accumulator = accumulator*16 + ini.hex2int(c)
					count++
				}
			} else {
				state = prsString
				ini.ungetc(c)
			}

			if state != prsStringHex {
				ini.buf.WriteByte(byte(accumulator))
			}

		case prsStringOctal:
			if ini.isoctal(c) {
				accumulator = accumulator*8 + ini.hex2int(c)
				count++
				if count == 3 {
					state = prsString
				}
			} else {
				state = prsString
				ini.ungetc(c)
			}

			if state != prsStringOctal {
				ini.buf.WriteByte(byte(accumulator))
			}

		case prsComment:
		}
	}

	ini.buf.Truncate(ini.buf.Len() - trailingSpace)

	if state != prsSkipSpace && state != prsBody && state != prsComment {
		return 0, "", ini.errorf("unterminated string")
	}

	return c, ini.buf.String(), nil
}

func (ini *File) getc() (byte, error) {
	c, err := ini.reader.ReadByte()
	if c == '\n' {
		ini.line++
	}
	return c, err
}

func (ini *File) getcNonSpace() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || !ini.isspace(c) {
			return c, err
		}
	}
}

func (ini *File) getcNl() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || c == '\n' {
			return c, err
		}
	}
}

func (ini *File) ungetc(c byte) {
	if c == '\n' {
		ini.line--
	}
	ini.reader.UnreadByte()
}

func (ini *File) isspace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func (ini *File) iscomment(c byte) bool {
	return c == ';' || c == '#'
}

func (ini *File) isoctal(c byte) bool {
	return '0' <= c && c <= '7'
}

func (ini *File) isxdigit(c byte) bool {
	return ('0' <= c && c <= '9') ||
		('a' <= c && c <= 'f') ||
		('A' <= c && c <= 'F')
}

func (ini *File) hex2int(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return 0
}

func (ini *File) errorf(format string, args ...interface{}) *Error {
	return &Error{File: ini.rec.File, Line: ini.rec.Line, Message: fmt.Sprintf(format, args...)}
}

// LoadPort loads a TCP/UDP port number.
func (rec *Record) LoadPort(out *int) error {
	port, err := strconv.Atoi(rec.Value)
	if err == nil && (port < 1 || port > 65535) {
		err = rec.BadValue("must be in range 1...65535")
	}
	if err != nil {
		return err
	}
	*out = port
	return nil
}

// LoadBool loads a "true"/"false" boolean.
func (rec *Record) LoadBool(out *bool) error {
	return rec.LoadNamedBool(out, "false", "true")
}

// LoadNamedBool loads a boolean using caller-chosen literal names.
func (rec *Record) LoadNamedBool(out *bool, vFalse, vTrue string) error {
	switch rec.Value {
	case vFalse:
		*out = false
		return nil
	case vTrue:
		*out = true
		return nil
	default:
		return rec.BadValue("must be %s or %s", vFalse, vTrue)
	}
}

// LoadDuration loads a millisecond count as time.Duration.
func (rec *Record) LoadDuration(out *time.Duration) error {
	var ms uint
	err := rec.LoadUint(&ms)
	if err == nil {
		*out = time.Millisecond * time.Duration(ms)
	}
	return err
}

// LoadSize loads a byte count with optional K/M suffix.
func (rec *Record) LoadSize(out *int64) error {
	var units uint64 = 1
	val := rec.Value

	if l := len(val); l > 0 {
		switch val[l-1] {
		case 'k', 'K':
			units = 1024
		case 'm', 'M':
			units = 1024 * 1024
		}
		if units != 1 {
			val = val[:l-1]
		}
	}

	sz, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return rec.BadValue("%q: invalid size", val)
	}

	if sz > uint64(math.MaxInt64/units) {
		return rec.BadValue("size too large")
	}

	*out = int64(sz * units)
	return nil
}

// LoadUint loads an unsigned integer.
func (rec *Record) LoadUint(out *uint) error {
	num, err := strconv.ParseUint(rec.Value, 10, 0)
	if err != nil {
		return rec.BadValue("%q: invalid number", rec.Value)
	}
	*out = uint(num)
	return nil
}

// LoadUintRange loads an unsigned integer within [min, max].
func (rec *Record) LoadUintRange(out *uint, min, max uint) error {
	var val uint
	err := rec.LoadUint(&val)
	if err == nil && (val < min || val > max) {
		err = rec.BadValue("must be in range %d...%d", min, max)
	}
	if err != nil {
		return err
	}
	*out = val
	return nil
}

// BadValue creates a "bad value" error tied to this record's key.
func (rec *Record) BadValue(format string, args ...interface{}) error {
	return fmt.Errorf(rec.Key+": "+format, args...)
}
