// Package vectorstore implements component B of the pattern intelligence
// core: a durable, content-addressed store of (id, vector, metadata) rows
// with brute-force cosine top-k search. It is grounded on the teacher's
// pkg/core/store.go SQLite backend, trimmed to the schema of spec.md §6
// (plus a `seq` column recording insertion order for tie-breaks) and to
// brute-force search (the spec requires exact results under
// 10k rows; see DESIGN.md for why the teacher's HNSW/IVF indexes were
// dropped rather than adapted).
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/patterncore/intel/internal/encoding"
	"github.com/patterncore/intel/pkg/corelog"
	"github.com/patterncore/intel/pkg/errs"
)

const defaultDimension = 384

// Metadata is a flat string-to-string map; it is turned into JSON only when
// a row is persisted.
type Metadata map[string]string

// Record is a stored (id, vector, metadata) row.
type Record struct {
	ID        string
	Vector    []float32
	Metadata  Metadata
	CreatedAt time.Time
}

// Scored pairs a Record with its similarity score against a query vector.
type Scored struct {
	Record
	Score float64
}

// Store is the public contract for component B.
type Store interface {
	Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error
	Search(ctx context.Context, query []float32, limit int) ([]Scored, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
	// CorruptedCount reports how many rows Search has failed to decode over
	// the store's lifetime (spec.md §4.B's CorruptedEmbedding case) — a
	// running total callers can sample to detect data loss that would
	// otherwise surface only as silently fewer-than-expected results.
	CorruptedCount() int64
}

// SQLiteStore is the durable, ACID implementation of Store.
type SQLiteStore struct {
	db        *sql.DB
	dim       int
	mu        sync.RWMutex
	closed    bool
	logger    corelog.Logger
	insertSeq int64
	corrupted int64
}

// Option configures an SQLiteStore at construction time.
type Option func(*SQLiteStore)

// WithLogger overrides the default no-op logger.
func WithLogger(l corelog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithDimension fixes the expected vector dimension (defaults to 384 per
// spec.md's embedding contract).
func WithDimension(dim int) Option {
	return func(s *SQLiteStore) { s.dim = dim }
}

// Open creates (or opens) a SQLite-backed vector store at path.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errs.New("vectorstore.Open", errs.Validation, fmt.Errorf("path cannot be empty"))
	}

	s := &SQLiteStore{dim: defaultDimension, logger: corelog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	// _journal_mode=WAL for concurrent readers; _busy_timeout to avoid
	// spurious SQLITE_BUSY under write contention. Carried from the
	// teacher's store_init.go DSN.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New("vectorstore.Open", errs.Fatal, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			seq INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_created_at ON vectors(created_at);
	`); err != nil {
		return nil, errs.New("vectorstore.Open", errs.Fatal, fmt.Errorf("create schema: %w", err))
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(seq) FROM vectors").Scan(&maxSeq); err == nil && maxSeq.Valid {
		s.insertSeq = maxSeq.Int64
	}

	s.logger.Info("vector store opened", "path", path, "dim", s.dim)
	return s, nil
}

// Insert upserts a (id, vector, metadata) row.
func (s *SQLiteStore) Insert(ctx context.Context, id string, vector []float32, metadata Metadata) error {
	if id == "" {
		return errs.New("insert", errs.Validation, fmt.Errorf("id cannot be empty"))
	}
	if err := encoding.ValidateVector(vector); err != nil {
		return errs.New("insert", errs.Validation, err)
	}
	if s.dim > 0 && len(vector) != s.dim {
		return errs.New("insert", errs.Integrity, fmt.Errorf("dimension mismatch: expected %d, got %d", s.dim, len(vector)))
	}

	vecJSON, err := encoding.EncodeVector(vector)
	if err != nil {
		return errs.New("insert", errs.Integrity, err)
	}
	metaJSON, err := encoding.EncodeMetadata(metadata)
	if err != nil {
		return errs.New("insert", errs.Integrity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("insert", errs.Fatal, errs.ErrClosed)
	}

	s.insertSeq++
	seq := s.insertSeq

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (id, embedding, metadata, created_at, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata, created_at = excluded.created_at
	`, id, vecJSON, metaJSON, time.Now().Unix(), seq)
	if err != nil {
		return errs.New("insert", errs.Transient, err)
	}
	return nil
}

// Search returns the top-`limit` rows by descending cosine similarity.
// Because embeddings are unit-norm, cosine(a,b) == dot(a,b) (spec.md §4.B).
func (s *SQLiteStore) Search(ctx context.Context, query []float32, limit int) ([]Scored, error) {
	if err := encoding.ValidateVector(query); err != nil {
		return nil, errs.New("search", errs.Validation, err)
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.New("search", errs.Fatal, errs.ErrClosed)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata, created_at FROM vectors ORDER BY seq ASC`)
	if err != nil {
		return nil, errs.New("search", errs.Transient, err)
	}
	defer rows.Close()

	var candidates []Scored
	for rows.Next() {
		var id, embJSON, metaJSON string
		var createdAt int64
		if err := rows.Scan(&id, &embJSON, &metaJSON, &createdAt); err != nil {
			continue
		}
		vec, err := encoding.DecodeVector(embJSON)
		if err != nil {
			atomic.AddInt64(&s.corrupted, 1)
			s.logger.Warn("corrupted embedding skipped", "id", id, "error", err)
			continue
		}
		meta, _ := encoding.DecodeMetadata(metaJSON)
		candidates = append(candidates, Scored{
			Record: Record{
				ID:        id,
				Vector:    vec,
				Metadata:  Metadata(meta),
				CreatedAt: time.Unix(createdAt, 0),
			},
			Score: dot(query, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("search", errs.Transient, err)
	}

	// Stable sort preserves insertion order among ties (spec.md §4.B).
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Delete removes a row by id. Deleting a missing id is not an error
// (idempotent, per spec.md §4.B).
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("delete", errs.Fatal, errs.ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
		return errs.New("delete", errs.Transient, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errs.New("count", errs.Fatal, errs.ErrClosed)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, errs.New("count", errs.Transient, err)
	}
	return n, nil
}

// Clear wipes every row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("clear", errs.Fatal, errs.ErrClosed)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vectors"); err != nil {
		return errs.New("clear", errs.Transient, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// CorruptedCount reports how many rows Search has failed to decode so far.
func (s *SQLiteStore) CorruptedCount() int64 {
	return atomic.LoadInt64(&s.corrupted)
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
