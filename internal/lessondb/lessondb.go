// Package lessondb persists lessons synthesized from completed sub-agent
// runs, using pure-Go SQLite. Zero CGO required.
package lessondb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Lesson is an immutable note written after a sub-agent run. Lessons with
// kind "learned_lesson" are exempt from age-based pruning.
type Lesson struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// KindLearnedLesson marks synthesized lessons. Pruning never removes them.
const KindLearnedLesson = "learned_lesson"

// Store is a SQLite-backed lesson archive.
// All goroutines serialize through one connection (SetMaxOpenConns(1)) so
// concurrent writers cannot trip SQLITE_BUSY.
type Store struct {
	db *sql.DB
}

// Open creates a Store at dbPath and ensures the schema exists.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening lesson db: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS lessons (
		key        TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating lessons table: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes one lesson. Keys are unique; a duplicate key is an error
// because lessons are immutable after write.
func (s *Store) Save(ctx context.Context, l Lesson) error {
	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lessons (key, kind, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.Key, l.Kind, l.Content, string(tags), l.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving lesson %s: %w", l.Key, err)
	}
	return nil
}

// Get fetches one lesson by key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, kind, content, tags, created_at FROM lessons WHERE key = ?`, key)
	l, err := scanLesson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ByTag lists lessons whose tag list contains the given tag, newest first.
func (s *Store) ByTag(ctx context.Context, tag string) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, content, tags, created_at FROM lessons ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing lessons: %w", err)
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range l.Tags {
			if t == tag {
				out = append(out, *l)
				break
			}
		}
	}
	return out, rows.Err()
}

// Prune deletes entries older than maxAge, except learned lessons, which
// age-based cleanup never touches. Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lessons WHERE kind != ? AND created_at < ?`,
		KindLearnedLesson, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning lessons: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("pruned lessons", "count", n)
	}
	return n, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(r rowScanner) (*Lesson, error) {
	var l Lesson
	var tags string
	var created int64
	if err := r.Scan(&l.Key, &l.Kind, &l.Content, &tags, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for %s: %w", l.Key, err)
	}
	l.CreatedAt = time.Unix(created, 0)
	return &l, nil
}
