/* mtpusb - host-side MTP/PTP stack over USB
 *
 * PTP string and dataset encoding: the UTF-16LE, length-prefixed string
 * format used inside GetDeviceInfo, ObjectInfo, and ObjectPropList
 * datasets, plus little-endian scalar readers shared by their decoders.
 */

package wire

import (
	"encoding/binary"
	"unicode/utf16"
)

// DecodePTPString decodes a PTP string: one byte giving the character
// count (including a trailing NUL, 0 for an empty string), followed by
// that many UTF-16LE code units. It returns the decoded string (NUL
// trimmed) and the number of bytes consumed.
func DecodePTPString(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, &TruncatedHeader{Got: len(buf)}
	}

	n := int(buf[0])
	need := 1 + n*2
	if len(buf) < need {
		return "", 0, &MalformedContainer{Detail: "truncated PTP string"}
	}

	if n == 0 {
		return "", 1, nil
	}

	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = binary.LittleEndian.Uint16(buf[1+i*2 : 1+i*2+2])
	}

	// Drop the trailing NUL code unit PTP strings are required to carry.
	if units[n-1] == 0 {
		units = units[:n-1]
	}

	return string(utf16.Decode(units)), need, nil
}

// EncodePTPString encodes s as a PTP string, NUL-terminated.
func EncodePTPString(s string) []byte {
	if s == "" {
		return []byte{0}
	}

	units := utf16.Encode([]rune(s))
	units = append(units, 0)

	if len(units) > 255 {
		units = units[:254]
		units = append(units, 0)
	}

	out := make([]byte, 1+len(units)*2)
	out[0] = byte(len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[1+i*2:1+i*2+2], u)
	}
	return out
}

// scalarReader walks a little-endian byte slice, tracking how far it
// has advanced so dataset decoders can report a consistent offset on
// truncation without repeating bounds checks everywhere.
type scalarReader struct {
	buf []byte
	pos int
}

func newScalarReader(buf []byte) *scalarReader { return &scalarReader{buf: buf} }

func (r *scalarReader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return &MalformedContainer{Detail: "truncated dataset"}
	}
	return nil
}

func (r *scalarReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *scalarReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *scalarReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *scalarReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *scalarReader) u16array() ([]uint16, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := r.u16()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *scalarReader) str() (string, error) {
	s, n, err := DecodePTPString(r.buf[r.pos:])
	if err != nil {
		return "", err
	}
	r.pos += n
	return s, nil
}

func (r *scalarReader) remaining() []byte { return r.buf[r.pos:] }
