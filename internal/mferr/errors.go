// Package mferr defines MindFry's typed error kinds (spec §7). Primitive
// calls in internal/arena, internal/bondgraph, internal/decay, and
// internal/synapse return these sentinels unwrapped so the command handler
// and wire codec can map them to wire status codes without string matching
// (ToCode also accepts wrapped forms via errors.Is).
package mferr

import "errors"

// Sentinel error kinds. Not retried unless documented otherwise below.
var (
	// ErrNotFound — unknown key or index. Not retried.
	ErrNotFound = errors.New("mindfry: not found")

	// ErrConflict — key already exists, or a bond already exists for the pair.
	// Not retried.
	ErrConflict = errors.New("mindfry: conflict")

	// ErrWarmingUp — the warmup gate has not opened yet. Client SHOULD retry
	// with backoff.
	ErrWarmingUp = errors.New("mindfry: warming up")

	// ErrExhausted — capacity or energy pressure. Client MAY retry; the
	// error response carries only the error code, no retry-after hint.
	ErrExhausted = errors.New("mindfry: exhausted")

	// ErrDensityCap — bond degree cap reached for an endpoint. Not retried;
	// caller must SEVER an existing bond first.
	ErrDensityCap = errors.New("mindfry: density cap")

	// ErrMalformed — a decode-level error in a request frame. The
	// connection is closed after this is returned.
	ErrMalformed = errors.New("mindfry: malformed frame")

	// ErrInternal — an invariant was violated inside a primitive. The
	// primitive's caller must have already rolled back any partial mutation;
	// the connection is closed but the server keeps running.
	ErrInternal = errors.New("mindfry: internal invariant violation")
)

// Code is the wire error code carried in an Error response payload (§6).
type Code byte

const (
	CodeOk         Code = 0x00
	CodeNotFound   Code = 0x01
	CodeConflict   Code = 0x02
	CodeWarmingUp  Code = 0x03
	CodeExhausted  Code = 0x04
	CodeDensityCap Code = 0x05
	CodeMalformed  Code = 0x06
	CodeInternal   Code = 0x07
)

// ToCode maps a sentinel error (possibly wrapped) to its wire error code.
// Unrecognised errors map to CodeInternal — the handler treats any error it
// does not recognise as an invariant violation rather than guessing.
func ToCode(err error) Code {
	switch {
	case err == nil:
		return CodeOk
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrWarmingUp):
		return CodeWarmingUp
	case errors.Is(err, ErrExhausted):
		return CodeExhausted
	case errors.Is(err, ErrDensityCap):
		return CodeDensityCap
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	default:
		return CodeInternal
	}
}

// Retryable reports whether a client encountering this error kind should
// retry (§7): WarmingUp and Exhausted are retryable, everything else is not.
func Retryable(err error) bool {
	return errors.Is(err, ErrWarmingUp) || errors.Is(err, ErrExhausted)
}
