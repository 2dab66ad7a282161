package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratus-paas/stratus/pkg/engine"
)

const (
	recordPrefix = "res/"
	seqKey       = "seq/resources"
)

// BadgerConfig holds Badger store configuration.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval runs value log GC periodically; zero disables it.
	GCInterval time.Duration

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *zerolog.Logger
}

// BadgerStore implements ResourceStore on a Badger key-value store.
// Records are stored as JSON under res/<kind>/<id>.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	now    func() time.Time
	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadgerStore opens (or creates) a Badger store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{zlog: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}

	s := &BadgerStore{db: db, seq: seq, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite just means nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		}
	}
}

func recordKey(kind engine.Kind, id uuid.UUID) []byte {
	return []byte(recordPrefix + string(kind) + "/" + id.String())
}

func kindPrefix(kind engine.Kind) []byte {
	if kind == "" {
		return []byte(recordPrefix)
	}
	return []byte(recordPrefix + string(kind) + "/")
}

// ListIDs returns the IDs recorded for kind in insertion order.
func (s *BadgerStore) ListIDs(ctx context.Context, kind engine.Kind) ([]uuid.UUID, error) {
	records, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// List returns the records of kind, or every record when kind is empty.
func (s *BadgerStore) List(_ context.Context, kind engine.Kind) ([]Record, error) {
	records := []Record{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := kindPrefix(kind)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("corrupt record %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

// Get returns the record of one resource.
func (s *BadgerStore) Get(_ context.Context, kind engine.Kind, id uuid.UUID) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(kind, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &rec, nil
}

// Put inserts the record of r or refreshes its spec hash.
func (s *BadgerStore) Put(_ context.Context, r *engine.Resource) error {
	hash, err := SpecHash(r)
	if err != nil {
		return fmt.Errorf("failed to hash resource spec: %w", err)
	}
	now := s.now().UTC()
	key := recordKey(r.Kind, r.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		rec := Record{
			ID:          r.ID,
			Kind:        r.Kind,
			WorkspaceID: r.WorkspaceID,
			SpecHash:    hash,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		item, err := txn.Get(key)
		switch {
		case err == nil:
			var prev Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
				return err
			}
			rec.Seq = prev.Seq
			rec.CreatedAt = prev.CreatedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			next, err := s.seq.Next()
			if err != nil {
				return err
			}
			rec.Seq = int64(next) + 1
		default:
			return err
		}

		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("failed to put resource: %w", err)
	}
	return nil
}

// Delete removes the record of one resource.
func (s *BadgerStore) Delete(_ context.Context, kind engine.Kind, id uuid.UUID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(kind, id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return s.db.Close()
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	zlog zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}
