package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mindfry/mindfry/internal/connlog"
	"github.com/mindfry/mindfry/internal/handler"
	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/trit"
	"github.com/mindfry/mindfry/internal/types"
	"github.com/mindfry/mindfry/internal/wire"
)

// handleConn serves one MFBP connection until the client disconnects, the
// frame stream is malformed, or ctx is cancelled (spec §5: "Client
// disconnect aborts frame read only; an in-progress primitive runs to
// completion"). clog is nil when connection logging is disabled.
func handleConn(ctx context.Context, h *handler.Handler, conn net.Conn, clog *connlog.Log) {
	defer conn.Close()
	defer clog.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var subs []subscription
	defer func() {
		for _, s := range subs {
			h.Bus.Unsubscribe(s.topic, s.ch)
		}
	}()

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("[mindfryd] connection closed", "error", err)
			}
			return
		}
		now := time.Now()
		clog.Request(opcodeName(frame.Opcode), frame.Flags)

		if frame.Opcode == wire.OpUnsubscribe {
			resp := unsubscribe(h, &subs, frame)
			clog.Response(opcodeName(frame.Opcode), statusName(resp.Status), time.Since(now), nil)
			if err := wire.WriteResponse(conn, resp); err != nil {
				return
			}
			continue
		}

		resp, newSub := dispatch(h, frame, now)
		clog.Response(opcodeName(frame.Opcode), statusName(resp.Status), time.Since(now), responseError(resp))
		if newSub != nil {
			subs = append(subs, *newSub)
			go streamSubscription(conn, *newSub)
			continue
		}
		if err := wire.WriteResponse(conn, resp); err != nil {
			return
		}
		if resp.Status == wire.StatusError && frame.Opcode != wire.OpPing && len(resp.Payload) > 0 &&
			(mferr.Code(resp.Payload[0]) == mferr.CodeMalformed || mferr.Code(resp.Payload[0]) == mferr.CodeInternal) {
			// Malformed-frame errors close the connection (spec §7), as do
			// Internal errors; Conflict, Exhausted and DensityCap leave it open.
			return
		}
	}
}

// responseError reconstructs a loggable error from an Error-status response's
// code byte, for connlog's benefit; it is never sent back to the client.
func responseError(resp wire.Response) error {
	if resp.Status != wire.StatusError || len(resp.Payload) == 0 {
		return nil
	}
	return fmt.Errorf("mindfry: error code 0x%02x", resp.Payload[0])
}

func opcodeName(op wire.Opcode) string {
	return fmt.Sprintf("0x%02x", byte(op))
}

func statusName(s wire.Status) string {
	switch s {
	case wire.StatusFound:
		return "found"
	case wire.StatusNotFound:
		return "not_found"
	case wire.StatusRepressed:
		return "repressed"
	case wire.StatusDormant:
		return "dormant"
	case wire.StatusWarmingUp:
		return "warming_up"
	default:
		return "error"
	}
}

// unsubscribe removes the subscription matching the request's topic from
// subs, closing its channel via the bus. No-op if the topic was never
// subscribed on this connection.
func unsubscribe(h *handler.Handler, subs *[]subscription, f wire.Frame) wire.Response {
	topic, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	for i, s := range *subs {
		if string(s.topic) == topic {
			h.Bus.Unsubscribe(s.topic, s.ch)
			*subs = append((*subs)[:i], (*subs)[i+1:]...)
			break
		}
	}
	return wire.Response{Status: wire.StatusFound}
}

type subscription struct {
	topic types.Topic
	ch    <-chan types.Message
}

// streamSubscription forwards bus messages as unsolicited response frames
// until the subscriber channel is closed (spec §6 "Stream" category).
func streamSubscription(conn net.Conn, s subscription) {
	for msg := range s.ch {
		payload, err := encodeStreamEvent(msg)
		if err != nil {
			continue
		}
		if err := wire.WriteResponse(conn, wire.Response{Status: wire.StatusFound, Payload: payload}); err != nil {
			return
		}
	}
}

func encodeStreamEvent(msg types.Message) ([]byte, error) {
	var buf []byte
	buf = wire.PutString(buf, string(msg.Topic))
	buf = wire.PutString(buf, msg.ID)
	return buf, nil
}

// dispatch decodes one request frame, invokes the matching handler
// operation, and encodes the response. Returns a non-nil subscription only
// for SUBSCRIBE, which never sends an immediate response of its own.
func dispatch(h *handler.Handler, f wire.Frame, now time.Time) (wire.Response, *subscription) {
	switch f.Opcode {
	case wire.OpCreate:
		return dispatchCreate(h, f, now), nil
	case wire.OpGet:
		return dispatchGet(h, f, now), nil
	case wire.OpStimulate:
		return dispatchStimulate(h, f, now), nil
	case wire.OpForget:
		return dispatchKeyOnly(h, f, now, h.Forget), nil
	case wire.OpTouch:
		return dispatchKeyOnly(h, f, now, h.Touch), nil
	case wire.OpConnect:
		return dispatchConnect(h, f, now), nil
	case wire.OpReinforce:
		return dispatchReinforce(h, f, now), nil
	case wire.OpSever:
		return dispatchSever(h, f, now), nil
	case wire.OpNeighbors:
		return dispatchNeighbors(h, f, now), nil
	case wire.OpConscious, wire.OpTopK:
		return dispatchTopK(h, f, now), nil
	case wire.OpTrauma:
		return dispatchTrauma(h, f, now), nil
	case wire.OpPattern:
		return dispatchPattern(h, f, now), nil
	case wire.OpPing:
		_ = h.Ping()
		return wire.Response{Status: wire.StatusFound}, nil
	case wire.OpStats:
		return dispatchStats(h), nil
	case wire.OpSnapshot:
		return dispatchSnapshot(h, now), nil
	case wire.OpRestore:
		return dispatchRestore(h, now), nil
	case wire.OpFreeze:
		h.Freeze(func() { time.Sleep(0) })
		return wire.Response{Status: wire.StatusFound}, nil
	case wire.OpPhysicsTune:
		return dispatchPhysicsTune(h, f), nil
	case wire.OpSysMoodSet:
		return dispatchSysMoodSet(h, f, now), nil
	case wire.OpSubscribe:
		return dispatchSubscribe(h, f)
	default:
		return wire.Response{Status: wire.StatusError, Payload: []byte{byte(mferr.CodeMalformed)}}, nil
	}
}

func errResponse(err error) wire.Response {
	status := wire.StatusFromError(err)
	return wire.Response{Status: status, Payload: []byte{byte(mferr.ToCode(err))}}
}

func dispatchCreate(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	key, off, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	energy, off, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	threshold, off, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	decayRate, _, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	idx, err := h.Create(key, float64(energy), float64(threshold), float64(decayRate), now)
	if err != nil {
		return errResponse(err)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, idx)
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

// eventFromKey derives the event octet a GET's resonance check is measured
// against (spec §4.F). No opcode carries an explicit event vector over the
// wire, but a fixed zero octet makes Resonance always 0 (zero-magnitude
// guard, trit.Resonance) and the Repressed/Dormant filter branches in
// cortex.FilterPolicy unreachable. Hashing the key into a deterministic,
// non-zero octet keeps GET idempotent for a given key (same key always
// resonates the same way against a fixed personality) while actually
// exercising the filter policy.
func eventFromKey(key string) trit.Octet {
	var out trit.Octet
	for i := range out {
		h := fnv.New32a()
		fmt.Fprintf(h, "%s:%d", key, i)
		// Map [0, 2^32) to [-1, 1].
		out[i] = float64(h.Sum32())/float64(1<<31) - 1
	}
	return out
}

func dispatchGet(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	key, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	view, err := h.Get(key, eventFromKey(key), f.Flags, now)
	if err != nil {
		return errResponse(err)
	}
	switch view.Filter {
	case 1:
		return wire.Response{Status: wire.StatusRepressed}
	case 2:
		return wire.Response{Status: wire.StatusDormant}
	}
	var buf []byte
	buf = wire.PutFloat32(buf, float32(view.DerivedEnergy))
	buf = wire.PutFloat32(buf, float32(view.Threshold))
	buf = append(buf, byte(view.Consciousness))
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

func dispatchStimulate(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	key, off, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	delta, _, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	view, propagated, err := h.Stimulate(key, float64(delta), f.Flags, now)
	if err != nil {
		return errResponse(err)
	}
	var buf []byte
	buf = wire.PutFloat32(buf, float32(view.DerivedEnergy))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(propagated))
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

func dispatchKeyOnly(h *handler.Handler, f wire.Frame, now time.Time, op func(string, time.Time) error) wire.Response {
	key, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	if err := op(key, now); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchConnect(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	from, off, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	to, off, err := wire.GetString(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	strength, off, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	if off >= len(f.Payload) {
		return errResponse(mferr.ErrMalformed)
	}
	polarity := trit.Trit(int8(f.Payload[off]))
	off++
	directional := off < len(f.Payload) && f.Payload[off] != 0
	if off < len(f.Payload) {
		off++
	}
	decayRate, _, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		decayRate = float32(0.01)
	}
	if err := h.Connect(from, to, float64(strength), polarity, directional, float64(decayRate), now); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchReinforce(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	from, off, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	to, _, err := wire.GetString(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	strength, err := h.Reinforce(from, to, now)
	if err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound, Payload: wire.PutFloat32(nil, float32(strength))}
}

func dispatchSever(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	from, off, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	to, _, err := wire.GetString(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	if err := h.Sever(from, to, now); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchNeighbors(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	key, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	neighbors, err := h.Neighbors(key, now)
	if err != nil {
		return errResponse(err)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(neighbors)))
	for _, n := range neighbors {
		buf = binary.LittleEndian.AppendUint32(buf, n.Other)
		buf = wire.PutFloat32(buf, float32(n.DerivedStrength))
		buf = append(buf, byte(n.Polarity))
	}
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

func dispatchTopK(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	if len(f.Payload) < 2 {
		return errResponse(mferr.ErrMalformed)
	}
	k := int(binary.LittleEndian.Uint16(f.Payload[0:2]))
	minEnergy, _, err := wire.GetFloat32(f.Payload, 2)
	if err != nil {
		minEnergy = 0
	}
	keys, err := h.Conscious(k, float64(minEnergy), now)
	if err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound, Payload: encodeKeyList(keys)}
}

func dispatchTrauma(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	if len(f.Payload) < 2 {
		return errResponse(mferr.ErrMalformed)
	}
	k := int(binary.LittleEndian.Uint16(f.Payload[0:2]))
	keys, err := h.Trauma(k, now)
	if err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound, Payload: encodeKeyList(keys)}
}

func dispatchPattern(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	glob, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	keys, err := h.Pattern(glob, now)
	if err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound, Payload: encodeKeyList(keys)}
}

func encodeKeyList(keys []string) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = wire.PutString(buf, k)
	}
	return buf
}

func dispatchStats(h *handler.Handler) wire.Response {
	s := h.Stats()
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Lineages))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Bonds))
	buf = wire.PutFloat32(buf, float32(s.Utilization))
	buf = append(buf, byte(s.ExhaustionLevel))
	buf = append(buf, byte(s.Recovery))
	buf = wire.PutFloat32(buf, float32(s.Mood))
	warm := byte(0)
	if s.Warm {
		warm = 1
	}
	buf = append(buf, warm)
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

func dispatchSnapshot(h *handler.Handler, now time.Time) wire.Response {
	gen, err := h.Snapshot(now)
	if err != nil {
		return errResponse(err)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, gen)
	return wire.Response{Status: wire.StatusFound, Payload: buf}
}

func dispatchRestore(h *handler.Handler, now time.Time) wire.Response {
	if err := h.Restore(now); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchPhysicsTune(h *handler.Handler, f wire.Frame) wire.Response {
	baseThreshold, off, err := wire.GetFloat32(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	moodGain, _, err := wire.GetFloat32(f.Payload, off)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	q := trit.Quantizer{BaseThreshold: float64(baseThreshold), MoodGain: float64(moodGain)}
	if err := h.PhysicsTune(q); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchSysMoodSet(h *handler.Handler, f wire.Frame, now time.Time) wire.Response {
	mood, _, err := wire.GetFloat32(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed)
	}
	if err := h.SysMoodSet(float64(mood), now); err != nil {
		return errResponse(err)
	}
	return wire.Response{Status: wire.StatusFound}
}

func dispatchSubscribe(h *handler.Handler, f wire.Frame) (wire.Response, *subscription) {
	topic, _, err := wire.GetString(f.Payload, 0)
	if err != nil {
		return errResponse(mferr.ErrMalformed), nil
	}
	ch := h.Bus.Subscribe(types.Topic(topic))
	return wire.Response{}, &subscription{topic: types.Topic(topic), ch: ch}
}
