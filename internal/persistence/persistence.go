// Package persistence implements MindFry's Persistence Adapter (spec §4.H):
// a LevelDB-backed snapshot store, snappy-compressed snapshot codec, and
// the clean-shutdown marker used by the stability layer's recovery
// classifier. Grounded on internal/roles/memory/memory.go's prefix-keyed
// LevelDB usage and batch writes.
package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"

	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/mindfry/mindfry/internal/arena"
	"github.com/mindfry/mindfry/internal/bondgraph"
	"github.com/mindfry/mindfry/internal/mferr"
	"github.com/mindfry/mindfry/internal/trit"
)

// LevelDB key prefix scheme, mirrored from the teacher's m|/x|/l| scheme:
//
//	s|<generation>   → compressed snapshot payload
//	k|shutdown       → ShutdownMarker gob blob
const (
	prefixSnapshot = "s|"
	keyShutdown    = "k|shutdown"

	snapshotMagic = "MFSS"

	// snapshotVersion is the version this Store writes: sparse encoding,
	// Dump omits never-touched empty slots (spec §4.H).
	snapshotVersion = uint32(2)
	// snapshotVersionDense is the legacy dense encoding, where every
	// capacity slot (including never-touched ones) was present in
	// Lineages. The wire shape (gobSnapshot) is identical between the two
	// versions — LoadRow already tolerates empty-key rows harmlessly — so
	// decoding a dense payload needs no separate code path, only
	// acceptance of the version number (spec §4.H, §9: "Always accept
	// version 1 (dense) input").
	snapshotVersionDense = uint32(1)
)

// Store owns the embedded LevelDB handle. Snapshot writes are synchronous
// (SNAPSHOT freezes mutations for its duration, spec §4.G step 6), unlike
// the teacher's async Megram write queue — there is no hot-path writer to
// protect here, since snapshots are infrequent relative to lineage ops.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the LevelDB database at dbPath.
//
// Expectations:
//   - Returns a usable Store on success
//   - Returns a wrapped error, never os.Exit, on failure (unlike the teacher's
//     memory.New, which terminates the process); the caller decides whether
//     the failure is fatal (cmd/mindfryd exits with code 4)
func Open(dbPath string) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close releases the LevelDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot is the decoded form of a persisted MFSS payload (spec §4.H).
type Snapshot struct {
	Generation  uint64
	Lineages    []arena.RawRow
	Bonds       []bondgraph.RawBond
	Personality trit.Octet
	Mood        float64
	Retention   map[uint32]int
	KeyIndex    map[string]uint32
}

// gobSnapshot is the shape that is gob-encoded. It omits KeyIndex, which
// decodeSnapshot rederives from the non-archived rows in Lineages.
type gobSnapshot struct {
	Generation  uint64
	Lineages    []arena.RawRow
	Bonds       []bondgraph.RawBond
	Personality trit.Octet
	Mood        float64
	Retention   map[uint32]int
}

// SaveSnapshot encodes snap as header+gob payload, snappy-compresses the
// payload, and writes it under s|<generation> (spec §4.H: "header (magic,
// version 2, flags), sparse list of non-empty lineages, bond list, cortex
// block ..., key↔index index. ... The payload is compressed.").
//
// Expectations:
//   - The stored blob begins with the 4-byte magic "MFSS" followed by a
//     4-byte little-endian version
//   - The remainder is valid snappy-compressed gob data decodable by Load
//   - A LevelDB write error is returned, never panics (spec §7: "snapshot
//     I/O error during save is fatal for the save only, logged, existing
//     state untouched")
func (s *Store) SaveSnapshot(snap Snapshot) error {
	gs := gobSnapshot{
		Generation:  snap.Generation,
		Lineages:    snap.Lineages,
		Bonds:       snap.Bonds,
		Personality: snap.Personality,
		Mood:        snap.Mood,
		Retention:   snap.Retention,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gs); err != nil {
		return fmt.Errorf("persistence: encode snapshot: %w", err)
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	header := make([]byte, 8)
	copy(header[:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)

	payload := append(header, compressed...)
	key := []byte(fmt.Sprintf("%s%020d", prefixSnapshot, snap.Generation))
	if err := s.db.Put(key, payload, nil); err != nil {
		slog.Error("[H] snapshot write failed", "generation", snap.Generation, "error", err)
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	slog.Info("[H] snapshot saved", "generation", snap.Generation, "lineages", len(snap.Lineages), "bonds", len(snap.Bonds))
	return nil
}

// LoadLatestSnapshot returns the highest-generation snapshot in the store,
// or mferr.ErrNotFound if none exists. Corruption (bad magic, undecodable
// payload) is surfaced as mferr.ErrMalformed so the caller can empty the
// arena and apply recovery bias rather than panicking (spec §7: "snapshot
// corruption during restore leaves the arena empty ... never panics").
func (s *Store) LoadLatestSnapshot() (Snapshot, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var lastKey, lastVal []byte
	for iter.Next() {
		k := iter.Key()
		if len(k) < len(prefixSnapshot) || string(k[:len(prefixSnapshot)]) != prefixSnapshot {
			continue
		}
		lastKey = append([]byte(nil), k...)
		lastVal = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		return Snapshot{}, fmt.Errorf("persistence: iterate snapshots: %w", err)
	}
	if lastKey == nil {
		return Snapshot{}, mferr.ErrNotFound
	}
	return decodeSnapshot(lastVal)
}

func decodeSnapshot(payload []byte) (Snapshot, error) {
	if len(payload) < 8 || string(payload[:4]) != snapshotMagic {
		return Snapshot{}, mferr.ErrMalformed
	}
	version := binary.LittleEndian.Uint32(payload[4:8])
	if version != snapshotVersion && version != snapshotVersionDense {
		return Snapshot{}, mferr.ErrMalformed
	}
	raw, err := snappy.Decode(nil, payload[8:])
	if err != nil {
		return Snapshot{}, mferr.ErrMalformed
	}
	var gs gobSnapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&gs); err != nil {
		return Snapshot{}, mferr.ErrMalformed
	}

	keyIndex := make(map[string]uint32, len(gs.Lineages))
	for _, row := range gs.Lineages {
		if row.Key != "" && row.Flags&arena.FlagArchived == 0 {
			keyIndex[row.Key] = row.Index
		}
	}
	return Snapshot{
		Generation:  gs.Generation,
		Lineages:    gs.Lineages,
		Bonds:       gs.Bonds,
		Personality: gs.Personality,
		Mood:        gs.Mood,
		Retention:   gs.Retention,
		KeyIndex:    keyIndex,
	}, nil
}

// ShutdownMarker records whether the previous process exited cleanly, read
// at startup by the stability layer's recovery classifier (spec §4.I).
type ShutdownMarker struct {
	Clean   bool
	TExitMs int64
	Version uint32
}

// WriteShutdownMarker is called on graceful exit (spec §4.H).
func (s *Store) WriteShutdownMarker(m ShutdownMarker) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("persistence: encode shutdown marker: %w", err)
	}
	return s.db.Put([]byte(keyShutdown), buf.Bytes(), nil)
}

// ReadAndClearShutdownMarker reads the marker written by the previous run
// and deletes it, as required by §4.I ("the marker is read... deleted on
// startup after classification"). Absence or corruption both report
// ok=false so the caller classifies Shock without needing to distinguish
// "never shut down before" from "marker unreadable" — both mean the same
// thing to the recovery classifier.
func (s *Store) ReadAndClearShutdownMarker() (marker ShutdownMarker, ok bool) {
	data, err := s.db.Get([]byte(keyShutdown), nil)
	if err != nil {
		return ShutdownMarker{}, false
	}
	_ = s.db.Delete([]byte(keyShutdown), nil)

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&marker); err != nil {
		return ShutdownMarker{}, false
	}
	return marker, true
}
