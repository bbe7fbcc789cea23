package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultContextTurns is the recall window when the caller does not set one.
const DefaultContextTurns = 10

// SQLite persists turns per session and recalls context by recency plus
// keyword match. No embeddings; recall quality is bounded by substring hits.
type SQLite struct {
	db      *sql.DB
	session string
}

// SQLiteConfig configures the store.
type SQLiteConfig struct {
	Path      string // database file; ":memory:" for ephemeral
	SessionID string // generated when empty
}

// NewSQLite opens (and migrates) the store.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialize writers; also keeps :memory: on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, session: cfg.SessionID}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SessionID returns the session this store writes under.
func (s *SQLite) SessionID() string { return s.session }

// Add records one turn.
func (s *SQLite) Add(ctx context.Context, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), s.session, role, content,
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RelevantContext returns up to limit recent turns plus older keyword hits,
// oldest first. The recent window always wins ties.
func (s *SQLite) RelevantContext(ctx context.Context, input string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultContextTurns
	}

	recent, recentIDs, err := s.recentTurns(ctx, limit)
	if err != nil {
		return nil, err
	}

	matched, err := s.keywordTurns(ctx, input, recentIDs, limit)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(matched)+len(recent))
	out = append(out, matched...)
	out = append(out, recent...)
	return out, nil
}

func (s *SQLite) recentTurns(ctx context.Context, limit int) ([]string, map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content FROM turns
		 WHERE session_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		s.session, limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var lines []string
	ids := make(map[string]bool)
	for rows.Next() {
		var id, role, content string
		if err := rows.Scan(&id, &role, &content); err != nil {
			return nil, nil, err
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, content))
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, ids, nil
}

func (s *SQLite) keywordTurns(ctx context.Context, input string, exclude map[string]bool, limit int) ([]string, error) {
	keywords := extractKeywords(input)
	if len(keywords) == 0 {
		return nil, nil
	}

	conds := make([]string, len(keywords))
	args := []any{s.session}
	for i, kw := range keywords {
		conds[i] = "instr(lower(content), ?) > 0"
		args = append(args, kw)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content FROM turns
		 WHERE session_id = ? AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY created_at ASC, rowid ASC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query keyword turns: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var id, role, content string
		if err := rows.Scan(&id, &role, &content); err != nil {
			return nil, err
		}
		if exclude[id] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, content))
	}
	return lines, rows.Err()
}

// extractKeywords pulls the first few substantial words from the input.
func extractKeywords(input string) []string {
	var out []string
	for _, word := range strings.Fields(strings.ToLower(input)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) < 4 {
			continue
		}
		out = append(out, word)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// SaveSession upserts the session row with the current turn count.
func (s *SQLite) SaveSession(ctx context.Context) error {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE session_id = ?`, s.session,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count turns: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, turn_count) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET turn_count = excluded.turn_count, updated_at = CURRENT_TIMESTAMP`,
		s.session, count,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
