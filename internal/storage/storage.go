// Package storage is the embedded persistence layer, backed by BadgerDB.
//
// One Store serves all three persistence concerns: the learned pattern
// snapshot, pending and completed decisions, and the statistics snapshot.
// Records are stored as JSON under typed key prefixes.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/stats"
)

// Key prefixes. Pattern and pending keys embed their natural ID; history
// keys embed a zero-padded completion timestamp so lexical order is
// chronological order.
const (
	prefixPattern = "pattern:"
	prefixPending = "pending:"
	prefixHistory = "history:"
	keyStatistics = "statistics"
)

// Store is the Badger-backed implementation of the persistence boundaries
// declared by the patterns, decision, and stats packages.
type Store struct {
	db         *badger.DB
	historyCap int
	logger     *zap.Logger
}

// Compile-time interface checks.
var (
	_ patterns.Snapshotter = (*Store)(nil)
	_ decision.Store       = (*Store)(nil)
	_ stats.Persister      = (*Store)(nil)
)

// Open creates a Store from configuration. Persistent databases require a
// path; the directory is created if missing. Callers own Close.
func Open(cfg config.StorageConfig, historyCap int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyCap < 1 {
		return nil, fmt.Errorf("history cap must be >= 1, got %d", historyCap)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("storage path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerZapLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	return &Store{db: db, historyCap: historyCap, logger: logger}, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory(historyCap int) (*Store, error) {
	return Open(config.StorageConfig{InMemory: true}, historyCap, nil)
}

// Close releases the database. Further calls error.
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePatterns replaces the persisted pattern snapshot.
func (s *Store) SavePatterns(_ context.Context, ps []*patterns.LearningPattern) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, prefixPattern); err != nil {
			return err
		}
		for _, p := range ps {
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encoding pattern %s: %w", p.PatternID, err)
			}
			if err := txn.Set([]byte(prefixPattern+p.PatternID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPatterns returns the persisted pattern snapshot. Records that no
// longer decode are skipped with a warning; one bad record must not take
// the learned set down with it.
func (s *Store) LoadPatterns(_ context.Context) ([]*patterns.LearningPattern, error) {
	var out []*patterns.LearningPattern
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachValue(txn, prefixPattern, func(key string, raw []byte) error {
			var p patterns.LearningPattern
			if err := json.Unmarshal(raw, &p); err != nil {
				s.logger.Warn("skipping undecodable pattern record",
					zap.String("key", key),
					zap.Error(err))
				return nil
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SavePending inserts or overwrites a pending decision.
func (s *Store) SavePending(_ context.Context, d *decision.PendingDecision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding pending decision %s: %w", d.PopupID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPending+d.PopupID), raw)
	})
}

// DeletePending removes a pending decision. Unknown IDs are a no-op.
func (s *Store) DeletePending(_ context.Context, popupID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixPending + popupID))
	})
}

// LoadPending returns all persisted pending decisions, skipping records
// that no longer decode.
func (s *Store) LoadPending(_ context.Context) ([]*decision.PendingDecision, error) {
	var out []*decision.PendingDecision
	err := s.db.View(func(txn *badger.Txn) error {
		return forEachValue(txn, prefixPending, func(key string, raw []byte) error {
			var d decision.PendingDecision
			if err := json.Unmarshal(raw, &d); err != nil {
				s.logger.Warn("skipping undecodable pending decision",
					zap.String("key", key),
					zap.Error(err))
				return nil
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendCompleted appends to the completed history and evicts the oldest
// entries beyond the cap.
func (s *Store) AppendCompleted(_ context.Context, d *decision.CompletedDecision) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding completed decision %s: %w", d.PopupID, err)
	}
	key := fmt.Sprintf("%s%020d:%s", prefixHistory, d.CompletedAt.UnixNano(), d.PopupID)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), raw); err != nil {
			return err
		}
		return s.evictHistoryLocked(txn)
	})
}

// evictHistoryLocked removes the oldest history entries beyond the cap.
// Runs inside the caller's transaction.
func (s *Store) evictHistoryLocked(txn *badger.Txn) error {
	var keys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	prefix := []byte(prefixHistory)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for len(keys) > s.historyCap {
		if err := txn.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// LoadCompleted returns up to limit most recent completed decisions in
// chronological order.
func (s *Store) LoadCompleted(_ context.Context, limit int) ([]*decision.CompletedDecision, error) {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}

	var out []*decision.CompletedDecision
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixHistory)
		// Seek past the prefix range, then walk backwards within it.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := string(it.Item().Key())
			err := it.Item().Value(func(raw []byte) error {
				var d decision.CompletedDecision
				if err := json.Unmarshal(raw, &d); err != nil {
					s.logger.Warn("skipping undecodable completed decision",
						zap.String("key", key),
						zap.Error(err))
					return nil
				}
				out = append(out, &d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveStatistics writes the statistics snapshot.
func (s *Store) SaveStatistics(_ context.Context, snap *stats.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding statistics: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyStatistics), raw)
	})
}

// LoadStatistics returns the statistics snapshot, or nil when none has
// been written yet. A snapshot that no longer decodes is treated the same
// as a missing one: counters restart from zero rather than keeping the
// daemon down.
func (s *Store) LoadStatistics(_ context.Context) (*stats.Snapshot, error) {
	var snap *stats.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyStatistics))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			snap = &stats.Snapshot{}
			if err := json.Unmarshal(raw, snap); err != nil {
				s.logger.Warn("discarding undecodable statistics snapshot",
					zap.Error(err))
				snap = nil
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func forEachValue(txn *badger.Txn, prefix string, fn func(key string, raw []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		key := string(it.Item().Key())
		err := it.Item().Value(func(raw []byte) error {
			return fn(key, raw)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	var keys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// badgerZapLogger adapts zap to Badger's internal logger interface.
type badgerZapLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerZapLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

func (l *badgerZapLogger) Warningf(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *badgerZapLogger) Infof(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *badgerZapLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}
