// Package wire implements MindFry's binary frame protocol (spec §4.J, §6):
// MFBP v1, a fixed 8-byte little-endian frame header followed by
// opcode-specific payload, plus the {status, payload?} response envelope.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/mindfry/mindfry/internal/mferr"
)

// Magic identifies an MFBP frame (arbitrary but fixed per spec §6).
var Magic = [2]byte{'M', 'F'}

// ProtocolVersion is the only version this codec understands.
const ProtocolVersion byte = 1

// Opcode identifies a request's operation (spec §6 opcode table, hex).
type Opcode byte

const (
	OpCreate Opcode = 0x10
	OpGet    Opcode = 0x11
	OpStimulate Opcode = 0x12
	OpForget Opcode = 0x13
	OpTouch  Opcode = 0x14

	OpConnect   Opcode = 0x20
	OpReinforce Opcode = 0x21
	OpSever     Opcode = 0x22
	OpNeighbors Opcode = 0x23

	OpConscious Opcode = 0x30
	OpTopK      Opcode = 0x31
	OpTrauma    Opcode = 0x32
	OpPattern   Opcode = 0x33

	OpPing         Opcode = 0x40
	OpStats        Opcode = 0x41
	OpSnapshot     Opcode = 0x42
	OpRestore      Opcode = 0x43
	OpFreeze       Opcode = 0x44
	OpPhysicsTune  Opcode = 0x45
	OpSysMoodSet   Opcode = 0x46

	OpSubscribe   Opcode = 0x50
	OpUnsubscribe Opcode = 0x51
)

// Status is the response envelope's status byte (spec §4.J).
type Status byte

const (
	StatusFound      Status = 0
	StatusNotFound   Status = 1
	StatusRepressed  Status = 2
	StatusDormant    Status = 3
	StatusError      Status = 4
	StatusWarmingUp  Status = 5
)

// Query flags (spec §6).
const (
	FlagBypassFilters    byte = 0x01
	FlagIncludeRepressed byte = 0x02
	FlagNoSideEffects    byte = 0x04
	FlagForensic         byte = 0x07
)

// Stimulate flags (spec §6).
const FlagNoPropagate byte = 0x01

// headerLen is the fixed frame header size: magic(2)+version(1)+opcode(1)+flags(1)+reserved(1)+len(2).
const headerLen = 8

// maxPayloadLen bounds a single frame's payload to guard against a
// malformed length field requesting an unbounded allocation.
const maxPayloadLen = 1 << 20

// Frame is a decoded MFBP request frame.
type Frame struct {
	Opcode  Opcode
	Flags   byte
	Payload []byte
}

// ReadFrame reads and validates one frame from r (spec §4.J fixed 8-byte
// header). Returns mferr.ErrMalformed for a bad magic/version or an
// oversized length field.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	if header[0] != Magic[0] || header[1] != Magic[1] {
		return Frame{}, mferr.ErrMalformed
	}
	if header[2] != ProtocolVersion {
		return Frame{}, mferr.ErrMalformed
	}
	opcode := Opcode(header[3])
	flags := header[4]
	length := binary.LittleEndian.Uint16(header[6:8])
	if int(length) > maxPayloadLen {
		return Frame{}, mferr.ErrMalformed
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Opcode: opcode, Flags: flags, Payload: payload}, nil
}

// WriteFrame encodes and writes a request frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayloadLen {
		return fmt.Errorf("wire: payload too large: %d bytes", len(f.Payload))
	}
	header := make([]byte, headerLen)
	header[0], header[1] = Magic[0], Magic[1]
	header[2] = ProtocolVersion
	header[3] = byte(f.Opcode)
	header[4] = f.Flags
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		_, err := w.Write(f.Payload)
		return err
	}
	return nil
}

// Response is the {status, payload?} response envelope (spec §4.J).
type Response struct {
	Status  Status
	Payload []byte
}

// WriteResponse encodes a response as status(1)+len(u16)+payload.
func WriteResponse(w io.Writer, resp Response) error {
	header := make([]byte, 3)
	header[0] = byte(resp.Status)
	binary.LittleEndian.PutUint16(header[1:3], uint16(len(resp.Payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(resp.Payload) > 0 {
		_, err := w.Write(resp.Payload)
		return err
	}
	return nil
}

// ReadResponse decodes a response written by WriteResponse — used by
// cmd/mindfryctl to interpret server replies.
func ReadResponse(r io.Reader) (Response, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return Response{}, err
	}
	status := Status(header[0])
	length := binary.LittleEndian.Uint16(header[1:3])
	if int(length) > maxPayloadLen {
		return Response{}, mferr.ErrMalformed
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Response{}, err
		}
	}
	return Response{Status: status, Payload: payload}, nil
}

// StatusFromError maps an mferr sentinel to the wire status it should
// produce, using mferr.ToCode/mferr.Retryable as the source of truth so
// the mapping can never drift from the Code table.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusFound
	}
	switch mferr.ToCode(err) {
	case mferr.CodeNotFound:
		return StatusNotFound
	case mferr.CodeWarmingUp:
		return StatusWarmingUp
	default:
		return StatusError
	}
}

// PutString writes a length-prefixed (u16) UTF-8 string, the request
// payload encoding used for lineage keys (spec §6: "key(len-prefixed)").
func PutString(buf []byte, s string) []byte {
	lb := make([]byte, 2)
	binary.LittleEndian.PutUint16(lb, uint16(len(s)))
	buf = append(buf, lb...)
	buf = append(buf, s...)
	return buf
}

// GetString reads a length-prefixed string starting at offset off, returning
// the string and the offset immediately past it.
func GetString(payload []byte, off int) (string, int, error) {
	if off+2 > len(payload) {
		return "", 0, mferr.ErrMalformed
	}
	n := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	if off+n > len(payload) {
		return "", 0, mferr.ErrMalformed
	}
	return string(payload[off : off+n]), off + n, nil
}

// PutFloat32/GetFloat32 encode the f32 fields used throughout request
// payloads (energy, threshold, decay, strength, min_energy).
func PutFloat32(buf []byte, v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return append(buf, b...)
}

func GetFloat32(payload []byte, off int) (float32, int, error) {
	if off+4 > len(payload) {
		return 0, 0, mferr.ErrMalformed
	}
	bits := binary.LittleEndian.Uint32(payload[off : off+4])
	return math.Float32frombits(bits), off + 4, nil
}
