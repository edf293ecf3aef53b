// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// DefaultDims is the embedding width of nomic-embed-text.
const DefaultDims = 768

// DefaultLimit caps Search results when the caller passes zero.
const DefaultLimit = 5

// Schema stores one row per memory with its embedding as packed float32s.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    embedding BLOB NOT NULL,
    dims INTEGER NOT NULL,
    created_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`

var (
	// ErrDimensionMismatch is returned when an embedding has the wrong width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyContent is returned by Add for blank text.
	ErrEmptyContent = errors.New("memory content is empty")

	// ErrNotEmpty is returned by Restore when the store already has rows.
	ErrNotEmpty = errors.New("memory store is not empty")
)

// =============================================================================
// TYPES
// =============================================================================

// Record is one stored memory. It is also the backup format.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a search hit.
type Match struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures Open.
type Options struct {
	// Dims is the embedding width. Zero uses DefaultDims.
	Dims int

	Logger *slog.Logger
}

// Store is a SQLite-backed memory table. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	dims   int
	logger *slog.Logger
}

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// Open opens or creates the memory database at path. Rows whose embedding
// width differs from opts.Dims are dropped, since they cannot be compared.
func Open(path string, opts Options) (*Store, error) {
	if opts.Dims <= 0 {
		opts.Dims = DefaultDims
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	res, err := db.Exec("DELETE FROM memories WHERE dims != ?", opts.Dims)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prune memories: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		opts.Logger.Warn("dropped memories with a different embedding width",
			"count", n, "dims", opts.Dims)
	}

	return &Store{db: db, path: path, dims: opts.Dims, logger: opts.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dims returns the embedding width the store accepts.
func (s *Store) Dims() int { return s.dims }

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// =============================================================================
// OPERATIONS
// =============================================================================

// Add stores content with its embedding and returns the new record.
func (s *Store) Add(ctx context.Context, content string, embedding []float32) (Record, error) {
	if content == "" {
		return Record{}, ErrEmptyContent
	}
	if len(embedding) != s.dims {
		return Record{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.dims)
	}

	rec := Record{
		ID:        uuid.NewString(),
		Content:   content,
		Embedding: append([]float32(nil), embedding...),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.insert(ctx, s.db, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Search returns up to limit memories ordered by descending cosine
// similarity to embedding. A limit of zero uses DefaultLimit.
func (s *Store) Search(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.dims)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	records, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		matches = append(matches, Match{
			ID:        rec.ID,
			Content:   rec.Content,
			Score:     Cosine(embedding, rec.Embedding),
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// Clear deletes every memory.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories"); err != nil {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	return nil
}

// Backup returns every memory, oldest first.
func (s *Store) Backup(ctx context.Context) ([]Record, error) {
	return s.all(ctx)
}

// Restore loads records into an empty store and returns how many were
// kept. Records of another embedding width or with no content are skipped.
func (s *Store) Restore(ctx context.Context, records []Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	if n > 0 {
		return 0, ErrNotEmpty
	}

	kept := 0
	for _, rec := range records {
		if rec.Content == "" || len(rec.Embedding) != s.dims {
			continue
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if err := s.insert(ctx, tx, rec); err != nil {
			return 0, err
		}
		kept++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit restore: %w", err)
	}
	if skipped := len(records) - kept; skipped > 0 {
		s.logger.Warn("skipped memories during restore", "count", skipped, "dims", s.dims)
	}
	return kept, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, db execer, rec Record) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO memories(id, content, embedding, dims, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Content, encodeEmbedding(rec.Embedding), len(rec.Embedding), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func (s *Store) all(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, embedding, created_at FROM memories ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			blob    []byte
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Content, &blob, &created); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		rec.Embedding = decodeEmbedding(blob)
		rec.CreatedAt = time.UnixMilli(created).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths and
// zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
