package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/raym33/lattice/internal/permissions"
)

// SQLiteStore persists users and API keys in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the auth database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			scopes TEXT NOT NULL,
			policy TEXT,
			disabled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			scopes TEXT NOT NULL,
			policy TEXT,
			name TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			last_used_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, u.Username,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if exists {
		return ErrUserExists
	}

	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	policy, err := encodePolicy(u.Policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, scopes, policy, disabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(scopes), policy, boolToInt(u.Disabled), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UserByName(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, scopes, policy, disabled, created_at
		 FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *SQLiteStore) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, scopes, policy, disabled, created_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u *User) error {
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	policy, err := encodePolicy(u.Policy)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, password_hash = ?, scopes = ?, policy = ?, disabled = ? WHERE id = ?`,
		u.Username, u.PasswordHash, string(scopes), policy, boolToInt(u.Disabled), u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, password_hash, scopes, policy, disabled, created_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateKey(ctx context.Context, k *APIKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	policy, err := encodePolicy(k.Policy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, key_hash, owner_user_id, scopes, policy, name, created_at, expires_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.KeyID, k.KeyHash, k.OwnerID, string(scopes), policy, k.Name, k.CreatedAt,
		nullTime(k.ExpiresAt), nullTime(k.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) KeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, key_hash, owner_user_id, scopes, policy, name, created_at, expires_at, last_used_at
		 FROM api_keys WHERE key_hash = ?`, hash)
	key, err := scanKey(row)
	if err != nil {
		return nil, err
	}
	// The index did the lookup; compare once more in constant time before
	// trusting the row.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (s *SQLiteStore) TouchKey(ctx context.Context, hash string, when time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`, when, hash)
	if err != nil {
		return fmt.Errorf("touch key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, ownerID string) ([]*APIKey, error) {
	query := `SELECT key_id, key_hash, owner_user_id, scopes, policy, name, created_at, expires_at, last_used_at
		 FROM api_keys`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var scopes string
	var policy sql.NullString
	var disabled int
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &scopes, &policy, &disabled, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &u.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if u.Policy, err = decodePolicy(policy); err != nil {
		return nil, err
	}
	u.Disabled = disabled != 0
	return &u, nil
}

func scanKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var scopes string
	var policy, name sql.NullString
	var expires, lastUsed sql.NullTime
	err := row.Scan(&k.KeyID, &k.KeyHash, &k.OwnerID, &scopes, &policy, &name, &k.CreatedAt, &expires, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan key: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	if k.Policy, err = decodePolicy(policy); err != nil {
		return nil, err
	}
	k.Name = name.String
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return &k, nil
}

// encodePolicy stores a policy as JSON, or NULL when there is none.
func encodePolicy(p *permissions.Policy) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return string(data), nil
}

func decodePolicy(col sql.NullString) (*permissions.Policy, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var p permissions.Policy
	if err := json.Unmarshal([]byte(col.String), &p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
