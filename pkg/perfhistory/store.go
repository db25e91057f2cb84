// Package perfhistory keeps a per-validator time series of categorized
// performance snapshots in BadgerDB.
package perfhistory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/stratus-skiprate/internal/types"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

// Key prefixes for different data types.
var (
	prefixPoint = []byte{0x01} // point:<pubkey><timestamp> -> point
	prefixMeta  = []byte{0x02} // meta:<key> -> value
)

var metaLastRecorded = []byte("last_recorded")

const (
	timestampSize = 8
	pointKeySize  = 1 + types.PubkeySize + timestampSize
	pointSize     = 8 + 8 + 1
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("history store is closed")

	// ErrCorruptPoint is returned when a stored value cannot be decoded.
	ErrCorruptPoint = errors.New("corrupt history point")
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path is the directory for database files.
	Path string

	// InMemory keeps everything in memory. Path is ignored.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	NumCompactors    int
	NumMemtables     int
	ValueLogFileSize int64

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger badger.Logger
}

// DefaultConfig returns a configuration suited to a small time series.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		NumMemtables:     2,
		ValueLogFileSize: 64 << 20,
	}
}

// Store is a BadgerDB-backed performance history.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens or creates a history store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends every snapshot in one batch. Snapshots whose pubkey is not
// a base58 public key are skipped; the number written is returned.
func (s *Store) Record(snaps []skiprate.PerformanceSnapshot) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	written := 0
	var latest time.Time
	for _, snap := range snaps {
		pk, err := types.PubkeyFromBase58(snap.Pubkey)
		if err != nil {
			continue
		}
		if err := wb.Set(pointKey(pk, snap.Timestamp), encodePoint(snap)); err != nil {
			return 0, fmt.Errorf("record %s: %w", snap.Pubkey, err)
		}
		written++
		if snap.Timestamp.After(latest) {
			latest = snap.Timestamp
		}
	}
	if written > 0 {
		var ts [timestampSize]byte
		binary.BigEndian.PutUint64(ts[:], uint64(latest.UnixNano()))
		if err := wb.Set(metaKey(metaLastRecorded), ts[:]); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush history batch: %w", err)
	}
	return written, nil
}

// History returns up to limit points for pubkey, newest first. A limit of
// zero or less returns every point.
func (s *Store) History(pubkey string, limit int) ([]skiprate.PerformanceSnapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	pk, err := types.PubkeyFromBase58(pubkey)
	if err != nil {
		return nil, err
	}
	prefix := pointPrefix(pk)

	var out []skiprate.PerformanceSnapshot
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := pointKey(pk, time.Unix(0, math.MaxInt64))
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ts := decodeTimestamp(item.Key())
			err := item.Value(func(val []byte) error {
				point, err := decodePoint(val)
				if err != nil {
					return err
				}
				point.Pubkey = pubkey
				point.Timestamp = ts
				out = append(out, point)
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Between returns the points for pubkey with from <= timestamp < to, oldest
// first.
func (s *Store) Between(pubkey string, from, to time.Time) ([]skiprate.PerformanceSnapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	pk, err := types.PubkeyFromBase58(pubkey)
	if err != nil {
		return nil, err
	}
	prefix := pointPrefix(pk)
	end := pointKey(pk, to)

	var out []skiprate.PerformanceSnapshot
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(pointKey(pk, from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if string(item.Key()) >= string(end) {
				break
			}
			ts := decodeTimestamp(item.Key())
			err := item.Value(func(val []byte) error {
				point, err := decodePoint(val)
				if err != nil {
					return err
				}
				point.Pubkey = pubkey
				point.Timestamp = ts
				out = append(out, point)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Validators returns every pubkey with at least one point, in key order.
func (s *Store) Validators() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixPoint
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var last []byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != pointKeySize {
				continue
			}
			pk := key[1 : 1+types.PubkeySize]
			if last != nil && string(pk) == string(last) {
				continue
			}
			last = append(last[:0], pk...)
			p, err := types.PubkeyFromBytes(pk)
			if err != nil {
				return err
			}
			out = append(out, p.String())
		}
		return nil
	})
	return out, err
}

// LastRecorded returns the newest timestamp passed to Record, or the zero
// time when nothing has been recorded.
func (s *Store) LastRecorded() (time.Time, error) {
	if s.closed.Load() {
		return time.Time{}, ErrClosed
	}
	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(metaLastRecorded))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != timestampSize {
				return ErrCorruptPoint
			}
			ts = time.Unix(0, int64(binary.BigEndian.Uint64(val))).UTC()
			return nil
		})
	})
	return ts, err
}

// Prune deletes every point older than before and returns how many were
// removed.
func (s *Store) Prune(before time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	cutoff := before.UnixNano()

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixPoint
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != pointKeySize {
				continue
			}
			if decodeTimestamp(key).UnixNano() < cutoff {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush prune batch: %w", err)
	}
	return len(stale), nil
}

// RunGC runs value log garbage collection until nothing is reclaimed.
func (s *Store) RunGC() error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close closes the store. It is safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func pointPrefix(pk types.Pubkey) []byte {
	key := make([]byte, 0, 1+types.PubkeySize)
	key = append(key, prefixPoint...)
	return append(key, pk[:]...)
}

func pointKey(pk types.Pubkey, ts time.Time) []byte {
	key := make([]byte, pointKeySize)
	copy(key, prefixPoint)
	copy(key[1:], pk[:])
	binary.BigEndian.PutUint64(key[1+types.PubkeySize:], uint64(ts.UnixNano()))
	return key
}

func metaKey(name []byte) []byte {
	key := make([]byte, 0, len(prefixMeta)+len(name))
	key = append(key, prefixMeta...)
	return append(key, name...)
}

func decodeTimestamp(key []byte) time.Time {
	nanos := binary.BigEndian.Uint64(key[len(key)-timestampSize:])
	return time.Unix(0, int64(nanos)).UTC()
}

// Point layout: leader slots (8) | skip rate bits (8) | category (1).
func encodePoint(snap skiprate.PerformanceSnapshot) []byte {
	buf := make([]byte, pointSize)
	binary.LittleEndian.PutUint64(buf[0:], snap.LeaderSlots)
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(snap.SkipRatePercent))
	buf[16] = byte(snap.Category)
	return buf
}

func decodePoint(val []byte) (skiprate.PerformanceSnapshot, error) {
	if len(val) != pointSize {
		return skiprate.PerformanceSnapshot{}, fmt.Errorf("%w: %d bytes", ErrCorruptPoint, len(val))
	}
	cat := skiprate.PerformanceCategory(val[16])
	if cat > skiprate.CategoryOffline {
		return skiprate.PerformanceSnapshot{}, fmt.Errorf("%w: category %d", ErrCorruptPoint, val[16])
	}
	return skiprate.PerformanceSnapshot{
		LeaderSlots:     binary.LittleEndian.Uint64(val[0:]),
		SkipRatePercent: math.Float64frombits(binary.LittleEndian.Uint64(val[8:])),
		Category:        cat,
	}, nil
}
