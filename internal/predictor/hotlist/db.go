package hotlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Juraldinio/adblockradio/internal/kv"
)

// schemaVersion is bumped when the key layout or value encoding changes
const schemaVersion = 1

// ErrIncompatible is returned when a database was built with different
// analysis parameters
var ErrIncompatible = errors.New("hotlist: database built with incompatible parameters")

// Key layout:
//
//	meta:info        Info
//	track:<%08d id>  Track
//	hash:<%016x>     []Posting
var infoKey = kv.Key{"meta", "info"}

func trackKey(id uint32) kv.Key { return kv.Key{"track", fmt.Sprintf("%08d", id)} }
func hashKey(h uint64) kv.Key   { return kv.Key{"hash", fmt.Sprintf("%016x", h)} }

// Info describes a fingerprint database
type Info struct {
	Version     int               `msgpack:"version" json:"version"`
	SampleRate  int               `msgpack:"sample_rate" json:"sampleRate"`
	Fingerprint FingerprintConfig `msgpack:"fingerprint" json:"-"`
	Tracks      uint32            `msgpack:"tracks" json:"tracks"`
	Landmarks   uint64            `msgpack:"landmarks" json:"landmarks"`
}

// Track is a reference recording indexed in the database
type Track struct {
	ID        uint32    `msgpack:"id" json:"id"`
	Name      string    `msgpack:"name" json:"name"`
	Landmarks int       `msgpack:"landmarks" json:"landmarks"`
	Duration  int64     `msgpack:"duration" json:"duration"` // ms
	AddedAt   time.Time `msgpack:"added_at" json:"addedAt"`
}

// Posting records where a hash occurs in a track
type Posting struct {
	TrackID uint32 `msgpack:"t"`
	Anchor  uint32 `msgpack:"a"` // frame index
}

// Match is a track aligned with a query at a consistent offset
type Match struct {
	TrackID    uint32  `json:"trackId" msgpack:"trackId"`
	Track      string  `json:"track" msgpack:"track"`
	Votes      int     `json:"votes" msgpack:"votes"`
	OffsetMs   int64   `json:"offsetMs" msgpack:"offsetMs"` // position of the query in the track
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// DB stores landmark postings in a kv.Store
type DB struct {
	store      kv.Store
	fp         *Fingerprinter
	sampleRate int
	logger     *slog.Logger

	mu   sync.Mutex // serialises writers
	info Info
}

// OpenDB opens the database held by store, initialising it when empty.
// The DB owns store from then on.
func OpenDB(ctx context.Context, store kv.Store, config FingerprintConfig, sampleRate int, logger *slog.Logger) (*DB, error) {
	fp, err := NewFingerprinter(config)
	if err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	db := &DB{
		store:      store,
		fp:         fp,
		sampleRate: sampleRate,
		logger:     logger,
	}

	raw, err := store.Get(ctx, infoKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		db.info = Info{Version: schemaVersion, SampleRate: sampleRate, Fingerprint: config}
		if err := db.putInfo(ctx); err != nil {
			return nil, err
		}
		logger.Info("Initialised hotlist database", slog.Int("sample_rate", sampleRate))
	case err != nil:
		return nil, fmt.Errorf("failed to read database info: %w", err)
	default:
		if err := msgpack.Unmarshal(raw, &db.info); err != nil {
			return nil, fmt.Errorf("failed to decode database info: %w", err)
		}
		if db.info.Version != schemaVersion || db.info.SampleRate != sampleRate || db.info.Fingerprint != config {
			return nil, fmt.Errorf("%w: version %d at %d Hz", ErrIncompatible, db.info.Version, db.info.SampleRate)
		}
	}

	return db, nil
}

// Info returns the database description
func (db *DB) Info() Info {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.info
}

// Fingerprinter returns the analysis the database was built with
func (db *DB) Fingerprinter() *Fingerprinter {
	return db.fp
}

// AddTrack fingerprints samples and indexes them under a new track
func (db *DB) AddTrack(ctx context.Context, name string, samples []float32) (Track, error) {
	if name == "" {
		return Track{}, fmt.Errorf("track name cannot be empty")
	}

	landmarks := db.fp.Landmarks(samples)
	if len(landmarks) == 0 {
		return Track{}, fmt.Errorf("track %q produced no landmarks", name)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	track := Track{
		ID:        db.info.Tracks + 1,
		Name:      name,
		Landmarks: len(landmarks),
		Duration:  int64(len(samples)) * 1000 / int64(db.sampleRate),
		AddedAt:   time.Now().UTC(),
	}

	postings := make(map[uint64][]Posting)
	for _, l := range landmarks {
		postings[l.Hash] = append(postings[l.Hash], Posting{TrackID: track.ID, Anchor: uint32(l.T)})
	}

	entries := make([]kv.Entry, 0, len(postings)+2)
	for h, add := range postings {
		existing, err := db.postings(ctx, h)
		if err != nil {
			return Track{}, err
		}
		value, err := msgpack.Marshal(append(existing, add...))
		if err != nil {
			return Track{}, fmt.Errorf("failed to encode postings: %w", err)
		}
		entries = append(entries, kv.Entry{Key: hashKey(h), Value: value})
	}

	value, err := msgpack.Marshal(track)
	if err != nil {
		return Track{}, fmt.Errorf("failed to encode track: %w", err)
	}
	entries = append(entries, kv.Entry{Key: trackKey(track.ID), Value: value})

	next := db.info
	next.Tracks = track.ID
	next.Landmarks += uint64(len(landmarks))
	value, err = msgpack.Marshal(next)
	if err != nil {
		return Track{}, fmt.Errorf("failed to encode database info: %w", err)
	}
	entries = append(entries, kv.Entry{Key: infoKey, Value: value})

	if err := db.store.BatchSet(ctx, entries); err != nil {
		return Track{}, fmt.Errorf("failed to store track %q: %w", name, err)
	}
	db.info = next

	db.logger.Info("Indexed hotlist track",
		slog.String("track", name),
		slog.Int("landmarks", len(landmarks)),
		slog.Int("hashes", len(postings)))

	return track, nil
}

// Tracks lists indexed tracks in ID order
func (db *DB) Tracks(ctx context.Context) ([]Track, error) {
	var tracks []Track
	for entry, err := range db.store.List(ctx, kv.Key{"track"}) {
		if err != nil {
			return nil, fmt.Errorf("failed to list tracks: %w", err)
		}
		var t Track
		if err := msgpack.Unmarshal(entry.Value, &t); err != nil {
			return nil, fmt.Errorf("failed to decode track %s: %w", entry.Key, err)
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// Match votes the query landmarks by (track, offset) and returns up to k
// tracks, best first. Confidence is the share of query landmarks agreeing on
// the winning offset of each track.
func (db *DB) Match(ctx context.Context, samples []float32, k int) ([]Match, error) {
	landmarks := db.fp.Landmarks(samples)
	if len(landmarks) == 0 {
		return nil, nil
	}

	type bucket struct {
		track  uint32
		offset int
	}
	votes := make(map[bucket]int)
	for _, l := range landmarks {
		postings, err := db.postings(ctx, l.Hash)
		if err != nil {
			return nil, err
		}
		for _, p := range postings {
			votes[bucket{p.TrackID, int(p.Anchor) - l.T}]++
		}
	}
	if len(votes) == 0 {
		return nil, nil
	}

	best := make(map[uint32]bucket)
	for b, v := range votes {
		cur, ok := best[b.track]
		if !ok || v > votes[cur] || (v == votes[cur] && abs(b.offset) < abs(cur.offset)) {
			best[b.track] = b
		}
	}

	matches := make([]Match, 0, len(best))
	for id, b := range best {
		name, err := db.trackName(ctx, id)
		if err != nil {
			return nil, err
		}
		v := votes[b]
		matches = append(matches, Match{
			TrackID:    id,
			Track:      name,
			Votes:      v,
			OffsetMs:   db.fp.FrameMillis(b.offset, db.sampleRate),
			Confidence: min(1, float64(v)/float64(len(landmarks))),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Votes != matches[j].Votes {
			return matches[i].Votes > matches[j].Votes
		}
		return matches[i].TrackID < matches[j].TrackID
	})

	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// Close closes the underlying store
func (db *DB) Close() error {
	return db.store.Close()
}

func (db *DB) postings(ctx context.Context, h uint64) ([]Posting, error) {
	raw, err := db.store.Get(ctx, hashKey(h))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read postings: %w", err)
	}

	var postings []Posting
	if err := msgpack.Unmarshal(raw, &postings); err != nil {
		return nil, fmt.Errorf("failed to decode postings: %w", err)
	}
	return postings, nil
}

func (db *DB) trackName(ctx context.Context, id uint32) (string, error) {
	raw, err := db.store.Get(ctx, trackKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read track %d: %w", id, err)
	}

	var t Track
	if err := msgpack.Unmarshal(raw, &t); err != nil {
		return "", fmt.Errorf("failed to decode track %d: %w", id, err)
	}
	return t.Name, nil
}

func (db *DB) putInfo(ctx context.Context) error {
	value, err := msgpack.Marshal(db.info)
	if err != nil {
		return fmt.Errorf("failed to encode database info: %w", err)
	}
	if err := db.store.Set(ctx, infoKey, value); err != nil {
		return fmt.Errorf("failed to write database info: %w", err)
	}
	return nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
