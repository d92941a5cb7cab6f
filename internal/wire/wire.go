/* mtpusb - host-side MTP/PTP stack over USB
 *
 * PTP container wire format: the 12-byte header plus parameters or
 * payload that rides every bulk transfer.
 */

// Package wire encodes and decodes PTP/MTP bulk containers.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ContainerType is the second header field, tagging what follows the header.
type ContainerType uint16

const (
	TypeCommand  ContainerType = 1
	TypeData     ContainerType = 2
	TypeResponse ContainerType = 3
	TypeEvent    ContainerType = 4
)

func (t ContainerType) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeData:
		return "data"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	default:
		return fmt.Sprintf("type(0x%04x)", uint16(t))
	}
}

// HeaderLen is the fixed size of every container header, in bytes.
const HeaderLen = 12

// MaxParams is the maximum number of u32 parameters a command or
// response container carries.
const MaxParams = 5

// MaxContainerLength is the upper bound a container's declared Length
// may carry. It's a protocol-level sanity ceiling, independent of any
// per-device chunk-size tuning (internal/quirks' MaxChunkBytes caps
// how much payload the engine asks for per data-phase read; this caps
// what a device is allowed to claim a single container holds before
// the codec will even allocate a buffer for it), generous enough to
// hold the largest realistic data-phase chunk.
const MaxContainerLength = 64 << 20

// Header is the 12-byte little-endian container header shared by
// every phase: {length:u32, type:u16, code:u16, txid:u32}.
type Header struct {
	Length uint32
	Type   ContainerType
	Code   uint16
	TxID   uint32
}

// MalformedContainer reports a header or payload that doesn't parse.
type MalformedContainer struct {
	Detail string
}

func (e *MalformedContainer) Error() string { return "malformed container: " + e.Detail }

// TruncatedHeader reports fewer than HeaderLen bytes available.
type TruncatedHeader struct {
	Got int
}

func (e *TruncatedHeader) Error() string {
	return fmt.Sprintf("truncated header: got %d of %d bytes", e.Got, HeaderLen)
}

// OverflowingParameters reports a command/response with more than
// MaxParams u32 parameters.
type OverflowingParameters struct {
	Count int
}

func (e *OverflowingParameters) Error() string {
	return fmt.Sprintf("%d parameters exceeds maximum of %d", e.Count, MaxParams)
}

// Command is an outgoing command-phase container: opcode plus up to
// MaxParams u32 parameters, no payload.
type Command struct {
	Code   uint16
	TxID   uint32
	Params []uint32
}

// EncodeCommand serializes a command container.
func EncodeCommand(c Command) ([]byte, error) {
	if len(c.Params) > MaxParams {
		return nil, &OverflowingParameters{Count: len(c.Params)}
	}

	length := HeaderLen + 4*len(c.Params)
	buf := new(bytes.Buffer)
	buf.Grow(length)

	hdr := Header{Length: uint32(length), Type: TypeCommand, Code: c.Code, TxID: c.TxID}
	if err := writeHeader(buf, hdr); err != nil {
		return nil, err
	}

	for _, p := range c.Params {
		if err := binary.Write(buf, binary.LittleEndian, p); err != nil {
			return nil, &MalformedContainer{Detail: err.Error()}
		}
	}

	return buf.Bytes(), nil
}

// DataOut is an outgoing data-phase container wrapping a payload the
// host sends to the device (e.g. SendObject, SendObjectInfo).
type DataOut struct {
	Code    uint16
	TxID    uint32
	Payload []byte
}

// EncodeDataOut serializes a data-out container. Length is computed
// from len(Payload); callers streaming a payload larger than fits in
// memory should write the header via EncodeDataHeader instead and
// stream the payload themselves.
func EncodeDataOut(d DataOut) ([]byte, error) {
	length := HeaderLen + len(d.Payload)
	if length < 0 || uint64(length) > uint64(^uint32(0)) {
		return nil, &MalformedContainer{Detail: "payload too large for u32 length field"}
	}

	buf := new(bytes.Buffer)
	buf.Grow(length)

	hdr := Header{Length: uint32(length), Type: TypeData, Code: d.Code, TxID: d.TxID}
	if err := writeHeader(buf, hdr); err != nil {
		return nil, err
	}

	buf.Write(d.Payload)
	return buf.Bytes(), nil
}

// EncodeDataHeader serializes just the 12-byte header for a data
// phase whose payload will be streamed separately, given the total
// container length (header + payload).
func EncodeDataHeader(code uint16, txid uint32, totalLen int) ([]byte, error) {
	if totalLen < HeaderLen {
		return nil, &MalformedContainer{Detail: "total length smaller than header"}
	}
	buf := new(bytes.Buffer)
	buf.Grow(HeaderLen)
	hdr := Header{Length: uint32(totalLen), Type: TypeData, Code: code, TxID: txid}
	if err := writeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, hdr Header) error {
	if err := binary.Write(buf, binary.LittleEndian, hdr.Length); err != nil {
		return &MalformedContainer{Detail: err.Error()}
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(hdr.Type)); err != nil {
		return &MalformedContainer{Detail: err.Error()}
	}
	if err := binary.Write(buf, binary.LittleEndian, hdr.Code); err != nil {
		return &MalformedContainer{Detail: err.Error()}
	}
	if err := binary.Write(buf, binary.LittleEndian, hdr.TxID); err != nil {
		return &MalformedContainer{Detail: err.Error()}
	}
	return nil
}

// DecodeHeader parses just the 12-byte header from buf, returning the
// header and the number of bytes consumed. It rejects a declared
// Length outside [HeaderLen, MaxContainerLength] before the caller
// ever sizes a buffer from it.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, &TruncatedHeader{Got: len(buf)}
	}

	var raw struct {
		Length uint32
		Type   uint16
		Code   uint16
		TxID   uint32
	}

	r := bytes.NewReader(buf[:HeaderLen])
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return Header{}, &MalformedContainer{Detail: err.Error()}
	}

	if raw.Length < HeaderLen {
		return Header{}, &MalformedContainer{
			Detail: fmt.Sprintf("length %d smaller than header", raw.Length),
		}
	}
	if raw.Length > MaxContainerLength {
		return Header{}, &MalformedContainer{
			Detail: fmt.Sprintf("length %d exceeds max container length %d", raw.Length, MaxContainerLength),
		}
	}

	return Header{Length: raw.Length, Type: ContainerType(raw.Type), Code: raw.Code, TxID: raw.TxID}, nil
}

// Container is a fully decoded container: header plus its trailing
// bytes (parameters, for command/response; raw payload, for data).
type Container struct {
	Header Header
	Body   []byte
}

// DecodeContainer parses a full container from buf. For TypeCommand
// and TypeResponse, Body holds the raw parameter bytes (4 bytes per
// parameter, use Params to decode); for TypeData, Body is the payload
// verbatim.
func DecodeContainer(buf []byte) (Container, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return Container{}, err
	}

	if len(buf) < int(hdr.Length) {
		return Container{}, &MalformedContainer{
			Detail: fmt.Sprintf("declared length %d exceeds buffer of %d bytes", hdr.Length, len(buf)),
		}
	}

	body := buf[HeaderLen:hdr.Length]

	if hdr.Type == TypeCommand || hdr.Type == TypeResponse {
		if len(body)%4 != 0 {
			return Container{}, &MalformedContainer{Detail: "parameter block not a multiple of 4 bytes"}
		}
		if len(body)/4 > MaxParams {
			return Container{}, &OverflowingParameters{Count: len(body) / 4}
		}
	}

	return Container{Header: hdr, Body: body}, nil
}

// Params decodes c.Body as a sequence of little-endian u32 parameters.
// Valid only for TypeCommand and TypeResponse containers.
func (c Container) Params() []uint32 {
	n := len(c.Body) / 4
	params := make([]uint32, n)
	for i := 0; i < n; i++ {
		params[i] = binary.LittleEndian.Uint32(c.Body[i*4 : i*4+4])
	}
	return params
}
