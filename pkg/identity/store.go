// Package identity persists the friends a robot has met: a name and a face
// embedding per face ID, plus when they were last seen.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-cozmonaut/pkg/face"
)

// ErrNotFound is returned when a face ID has no record.
var ErrNotFound = errors.New("identity: not found")

const schema = `
CREATE TABLE IF NOT EXISTS friends (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	embedding  TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL DEFAULT 0
)`

// Record is a face ID and its embedding, as loaded into a face.Identities
// table at startup.
type Record struct {
	FaceID    int
	Embedding face.Embedding
}

// Friend is a stored identity without its embedding.
type Friend struct {
	ID        int
	Name      string
	CreatedAt time.Time
	// LastSeen is zero if the friend has not been seen since enrolment.
	LastSeen time.Time
}

// Store is a SQLite-backed identity store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the identity database at path with WAL
// journaling and a busy timeout.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll returns every stored embedding.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM friends ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r   Record
			raw string
		)
		if err := rows.Scan(&r.FaceID, &raw); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if r.Embedding, err = decodeEmbedding(raw); err != nil {
			return nil, fmt.Errorf("identity %d: %w", r.FaceID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert stores a new friend and returns the assigned face ID.
func (s *Store) Insert(ctx context.Context, name string, emb face.Embedding) (int, error) {
	raw, err := encodeEmbedding(emb)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO friends (name, embedding, created_at) VALUES (?, ?, ?)`,
		name, raw, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert friend: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert friend: %w", err)
	}
	return int(id), nil
}

// TouchLastSeen records that faceID was just seen.
func (s *Store) TouchLastSeen(ctx context.Context, faceID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE friends SET last_seen = ? WHERE id = ?`, s.now().UnixNano(), faceID)
	if err != nil {
		return fmt.Errorf("touch friend %d: %w", faceID, err)
	}
	return affectedOne(res, faceID)
}

// Lookup returns a friend's name and when they were last seen.
func (s *Store) Lookup(ctx context.Context, faceID int) (string, time.Time, error) {
	var (
		name     string
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, last_seen FROM friends WHERE id = ?`, faceID).Scan(&name, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("%w: face %d", ErrNotFound, faceID)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lookup friend %d: %w", faceID, err)
	}
	return name, unixNano(lastSeen), nil
}

// List returns every friend ordered by face ID.
func (s *Store) List(ctx context.Context) ([]Friend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, last_seen FROM friends ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var (
			f                 Friend
			created, lastSeen int64
		)
		if err := rows.Scan(&f.ID, &f.Name, &created, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		f.CreatedAt = unixNano(created)
		f.LastSeen = unixNano(lastSeen)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Remove deletes a friend.
func (s *Store) Remove(ctx context.Context, faceID int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM friends WHERE id = ?`, faceID)
	if err != nil {
		return fmt.Errorf("remove friend %d: %w", faceID, err)
	}
	return affectedOne(res, faceID)
}

func affectedOne(res sql.Result, faceID int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: face %d", ErrNotFound, faceID)
	}
	return nil
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Embeddings are stored as JSON arrays of numbers.
func encodeEmbedding(emb face.Embedding) (string, error) {
	b, err := json.Marshal(emb[:])
	if err != nil {
		return "", fmt.Errorf("encode embedding: %w", err)
	}
	return string(b), nil
}

func decodeEmbedding(raw string) (face.Embedding, error) {
	var emb face.Embedding
	var vals []float64
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return emb, fmt.Errorf("decode embedding: %w", err)
	}
	if len(vals) != face.EmbeddingSize {
		return emb, fmt.Errorf("decode embedding: got %d values, want %d", len(vals), face.EmbeddingSize)
	}
	copy(emb[:], vals)
	return emb, nil
}
