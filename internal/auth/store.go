package auth

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/raym33/lattice/internal/permissions"
)

// Store persists users and API keys.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	UserByName(ctx context.Context, username string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int, error)

	CreateKey(ctx context.Context, k *APIKey) error
	KeyByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchKey(ctx context.Context, hash string, when time.Time) error
	ListKeys(ctx context.Context, ownerID string) ([]*APIKey, error)
	DeleteKey(ctx context.Context, keyID string) error

	Close() error
}

// MemoryStore keeps everything in process. Suitable for tests and for
// deployments that accept credential loss on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User   // by id
	names map[string]string  // username -> id
	keys  map[string]*APIKey // by hash
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		names: make(map[string]string),
		keys:  make(map[string]*APIKey),
	}
}

// cloneUser copies a user so callers cannot mutate stored state. Slice and
// policy fields are copied too; a nil allow-list must stay nil, which means
// something different from an empty one.
func cloneUser(u *User) *User {
	cp := *u
	cp.Scopes = cloneStrings(u.Scopes)
	cp.Policy = clonePolicy(u.Policy)
	return &cp
}

func cloneKey(k *APIKey) *APIKey {
	cp := *k
	cp.Scopes = cloneStrings(k.Scopes)
	cp.Policy = clonePolicy(k.Policy)
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func clonePolicy(p *permissions.Policy) *permissions.Policy {
	if p == nil {
		return nil
	}
	return &permissions.Policy{
		AllowedSkills: cloneStrings(p.AllowedSkills),
		DeniedSkills:  cloneStrings(p.DeniedSkills),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.names[u.Username]; taken {
		return ErrUserExists
	}
	m.users[u.ID] = cloneUser(u)
	m.names[u.Username] = u.ID
	return nil
}

func (m *MemoryStore) UserByName(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *MemoryStore) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemoryStore) CountUsers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) CreateKey(_ context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.KeyHash] = cloneKey(k)
	return nil
}

// KeyByHash scans all keys with a constant-time comparison so lookup time
// does not reveal which hashes exist.
func (m *MemoryStore) KeyByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *APIKey
	for stored, key := range m.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hash)) == 1 {
			found = key
		}
	}
	if found == nil {
		return nil, ErrKeyNotFound
	}
	return cloneKey(found), nil
}

func (m *MemoryStore) TouchKey(_ context.Context, hash string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[hash]
	if !ok {
		return ErrKeyNotFound
	}
	key.LastUsedAt = &when
	return nil
}

func (m *MemoryStore) ListKeys(_ context.Context, ownerID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*APIKey, 0)
	for _, key := range m.keys {
		if ownerID != "" && key.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneKey(key))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, key := range m.keys {
		if key.KeyID == keyID {
			delete(m.keys, hash)
			return nil
		}
	}
	return ErrKeyNotFound
}

func (m *MemoryStore) Close() error { return nil }
