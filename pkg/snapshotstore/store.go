// Package snapshotstore keeps a history of skip-rate snapshots on disk.
//
// Snapshots are JSON encoded, zstd compressed and stored in BoltDB keyed by
// fetch time, so iteration order is chronological. A fingerprint index
// drops repeated fetches of an unchanged window, and a summary index lets
// List run without decompressing full snapshots.
package snapshotstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/stratus-skiprate/internal/types"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

var (
	// ErrNotFound is returned when no snapshot matches.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("snapshot store closed")
)

// Bucket names for BoltDB.
var (
	// bucketSnapshots stores compressed snapshots keyed by fetch time.
	bucketSnapshots = []byte("snapshots")

	// bucketSummaries stores a small JSON Entry per snapshot, same keys.
	bucketSummaries = []byte("summaries")

	// bucketFingerprints maps a fingerprint to its snapshot key.
	bucketFingerprints = []byte("fingerprints")
)

// Config holds snapshot store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Retain is the number of snapshots kept; older ones are pruned on Put.
	// Zero keeps everything.
	Retain int

	// Level is the zstd compression level.
	Level zstd.EncoderLevel
}

// DefaultRetain is the default number of snapshots kept.
const DefaultRetain = 1000

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Retain: DefaultRetain,
		Level:  zstd.SpeedDefault,
	}
}

// Entry summarizes a stored snapshot.
type Entry struct {
	FetchedAt       time.Time             `json:"fetched_at"`
	SlotRange       skiprate.SlotRange    `json:"slot_range"`
	Fingerprint     types.Hash            `json:"fingerprint"`
	Validators      int                   `json:"validators"`
	OverallSkipRate float64               `json:"overall_skip_rate"`
	HealthScore     float64               `json:"health_score"`
	Status          skiprate.HealthStatus `json:"status"`
	Alerts          int                   `json:"alerts"`
	CompressedSize  int                   `json:"compressed_size"`
}

// Stats contains store statistics.
type Stats struct {
	// Count is the number of stored snapshots.
	Count int

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Store persists snapshots in BoltDB.
type Store struct {
	db     *bolt.DB
	config Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a snapshot store.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	level := config.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	s := &Store{db: db, config: config, enc: enc, dec: dec}

	if !config.ReadOnly {
		err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketSnapshots, bucketSummaries, bucketFingerprints} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return s, nil
}

// EncodeTimeKey encodes a timestamp as a big-endian key so keys sort
// chronologically.
func EncodeTimeKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

// DecodeTimeKey is the inverse of EncodeTimeKey.
func DecodeTimeKey(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key))).UTC()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores snap. It returns false without writing when a snapshot with
// the same fingerprint is already stored.
func (s *Store) Put(snap *skiprate.Snapshot) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	compressed := s.enc.EncodeAll(data, nil)

	entry := Entry{
		FetchedAt:       snap.FetchedAt.UTC(),
		SlotRange:       snap.SlotRange,
		Fingerprint:     snap.Fingerprint,
		Validators:      len(snap.Validators),
		OverallSkipRate: snap.Statistics.OverallSkipRatePercent,
		HealthScore:     snap.NetworkHealth.HealthScore,
		Status:          snap.NetworkHealth.Status,
		Alerts:          len(snap.NetworkHealth.Alerts),
		CompressedSize:  len(compressed),
	}
	summary, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode summary: %w", err)
	}

	stored := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		fps := tx.Bucket(bucketFingerprints)
		if fps.Get(snap.Fingerprint.Bytes()) != nil {
			return nil
		}

		snaps := tx.Bucket(bucketSnapshots)
		key := EncodeTimeKey(snap.FetchedAt)
		for snaps.Get(key) != nil {
			binary.BigEndian.PutUint64(key, binary.BigEndian.Uint64(key)+1)
		}

		if err := snaps.Put(key, compressed); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSummaries).Put(key, summary); err != nil {
			return err
		}
		if err := fps.Put(snap.Fingerprint.Bytes(), key); err != nil {
			return err
		}
		stored = true

		if s.config.Retain > 0 {
			_, err := prune(tx, s.config.Retain)
			return err
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Get returns the snapshot fetched at t.
func (s *Store) Get(t time.Time) (*skiprate.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(EncodeTimeKey(t))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// Latest returns the most recently fetched snapshot.
func (s *Store) Latest() (*skiprate.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return ErrNotFound
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// ByFingerprint returns the snapshot with fingerprint fp.
func (s *Store) ByFingerprint(fp types.Hash) (*skiprate.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		fps := tx.Bucket(bucketFingerprints)
		if fps == nil {
			return ErrNotFound
		}
		key := fps.Get(fp.Bytes())
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketSnapshots).Get(key)
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

func (s *Store) decode(compressed []byte) (*skiprate.Snapshot, error) {
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap skiprate.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// List returns up to limit summaries, newest first. A limit of zero or less
// returns all of them.
func (s *Store) List(limit int) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSummaries)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode summary %x: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *Store) Prune(keep int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = prune(tx, keep)
		return err
	})
	return removed, err
}

func prune(tx *bolt.Tx, keep int) (int, error) {
	snaps := tx.Bucket(bucketSnapshots)
	summaries := tx.Bucket(bucketSummaries)
	fps := tx.Bucket(bucketFingerprints)

	// Bucket stats only see committed pages, so walk back from the newest
	// key to include writes made earlier in this transaction.
	var keys [][]byte
	c := snaps.Cursor()
	seen := 0
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		seen++
		if seen > keep {
			keys = append(keys, append([]byte(nil), k...))
		}
	}

	for _, key := range keys {
		if v := summaries.Get(key); v != nil {
			var e Entry
			if err := json.Unmarshal(v, &e); err == nil {
				if err := fps.Delete(e.Fingerprint.Bytes()); err != nil {
					return 0, err
				}
			}
		}
		if err := summaries.Delete(key); err != nil {
			return 0, err
		}
		if err := snaps.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// GetStats returns store statistics.
func (s *Store) GetStats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketSnapshots); b != nil {
			stats.Count = b.Stats().KeyN
		}
		stats.DatabaseSize = tx.Size()
		return nil
	})
	return stats, err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.dec.Close()
	encErr := s.enc.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return encErr
}
