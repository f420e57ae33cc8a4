package wire

import (
	"bytes"
	"testing"

	"github.com/mindfry/mindfry/internal/mferr"
)

// Expectations:
//   - WriteFrame followed by ReadFrame round-trips opcode, flags, and payload
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	var payload []byte
	payload = PutString(payload, "alpha")
	payload = PutFloat32(payload, 0.75)

	want := Frame{Opcode: OpCreate, Flags: FlagNoSideEffects, Payload: payload}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Opcode != want.Opcode || got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, want)
	}
}

// Expectations:
//   - a frame with a bad magic byte decodes to ErrMalformed
func TestReadFrameBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'X', 'X', ProtocolVersion, byte(OpPing), 0, 0, 0, 0})
	if _, err := ReadFrame(&buf); err != mferr.ErrMalformed {
		t.Fatalf("ReadFrame(bad magic) = %v, want ErrMalformed", err)
	}
}

// Expectations:
//   - PutString/GetString round-trips a string and returns the offset past it
func TestStringRoundTrip(t *testing.T) {
	var buf []byte
	buf = PutString(buf, "hello")
	buf = PutString(buf, "world")

	s1, off, err := GetString(buf, 0)
	if err != nil || s1 != "hello" {
		t.Fatalf("GetString #1 = (%q, %v), want (hello, nil)", s1, err)
	}
	s2, off2, err := GetString(buf, off)
	if err != nil || s2 != "world" {
		t.Fatalf("GetString #2 = (%q, %v), want (world, nil)", s2, err)
	}
	if off2 != len(buf) {
		t.Fatalf("final offset = %d, want %d", off2, len(buf))
	}
}

// Expectations:
//   - GetString on a truncated buffer returns ErrMalformed, never panics
func TestGetStringTruncated(t *testing.T) {
	buf := []byte{5, 0, 'h', 'i'} // claims length 5 but only 2 bytes follow
	if _, _, err := GetString(buf, 0); err != mferr.ErrMalformed {
		t.Fatalf("GetString(truncated) = %v, want ErrMalformed", err)
	}
}

// Expectations:
//   - PutFloat32/GetFloat32 round-trips exactly
func TestFloat32RoundTrip(t *testing.T) {
	var buf []byte
	buf = PutFloat32(buf, 0.125)
	got, _, err := GetFloat32(buf, 0)
	if err != nil || got != 0.125 {
		t.Fatalf("GetFloat32 = (%v, %v), want (0.125, nil)", got, err)
	}
}

// Expectations:
//   - StatusFromError maps nil to StatusFound and ErrNotFound to StatusNotFound
func TestStatusFromError(t *testing.T) {
	if got := StatusFromError(nil); got != StatusFound {
		t.Fatalf("StatusFromError(nil) = %v, want StatusFound", got)
	}
	if got := StatusFromError(mferr.ErrNotFound); got != StatusNotFound {
		t.Fatalf("StatusFromError(ErrNotFound) = %v, want StatusNotFound", got)
	}
}

// Expectations:
//   - WriteResponse followed by ReadResponse round-trips status and payload
func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Response{Status: StatusDormant, Payload: []byte("hi")}
	if err := WriteResponse(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != want.Status || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, want)
	}
}
