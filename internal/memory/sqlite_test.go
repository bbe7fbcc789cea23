package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{Path: ":memory:", SessionID: "test-session"})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAddAndRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turns := []struct{ role, content string }{
		{"user", "hello there"},
		{"assistant", "hi, how can I help"},
		{"user", "tell me about lighthouses"},
	}
	for _, turn := range turns {
		if err := s.Add(ctx, turn.role, turn.content); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.RelevantContext(ctx, "", 10)
	if err != nil {
		t.Fatalf("RelevantContext: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %v", len(got), got)
	}
	if got[0] != "user: hello there" {
		t.Errorf("first line = %q, want chronological order", got[0])
	}
	if got[2] != "user: tell me about lighthouses" {
		t.Errorf("last line = %q", got[2])
	}
}

func TestSQLiteRecallWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := s.Add(ctx, "user", fmt.Sprintf("padding message %02d", i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.RelevantContext(ctx, "", 5)
	if err != nil {
		t.Fatalf("RelevantContext: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want the 5 most recent", len(got))
	}
	if !strings.HasSuffix(got[4], "19") || !strings.HasSuffix(got[0], "15") {
		t.Errorf("window = %v, want messages 15..19 oldest first", got)
	}
}

func TestSQLiteKeywordRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "user", "my favorite color is teal"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := s.Add(ctx, "user", fmt.Sprintf("padding message %02d", i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got, err := s.RelevantContext(ctx, "which favorite color did I mention?", 5)
	if err != nil {
		t.Fatalf("RelevantContext: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("len = %d, want 1 keyword hit + 5 recent: %v", len(got), got)
	}
	if got[0] != "user: my favorite color is teal" {
		t.Errorf("keyword hit should come before the recent window, got %q", got[0])
	}
}

func TestSQLiteKeywordRecallSkipsRecentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "user", "remember the launch codes"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.RelevantContext(ctx, "what were the launch codes?", 5)
	if err != nil {
		t.Fatalf("RelevantContext: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("turn inside the recent window must not repeat as a keyword hit: %v", got)
	}
}

func TestSQLiteSessionsAreIsolated(t *testing.T) {
	a, err := NewSQLite(SQLiteConfig{Path: ":memory:", SessionID: "a"})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Add(ctx, "user", "session a secret"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	b := &SQLite{db: a.db, session: "b"}
	got, err := b.RelevantContext(ctx, "", 10)
	if err != nil {
		t.Fatalf("RelevantContext: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("session b sees %v, want nothing", got)
	}
}

func TestSQLiteSaveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Add(ctx, "user", "turn"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.SaveSession(ctx); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT turn_count FROM sessions WHERE id = ?`, s.session).Scan(&count); err != nil {
		t.Fatalf("read session row: %v", err)
	}
	if count != 3 {
		t.Errorf("turn_count = %d, want 3", count)
	}

	// Saving again after more turns updates in place.
	if err := s.Add(ctx, "user", "another"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.SaveSession(ctx); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.db.QueryRow(`SELECT turn_count FROM sessions WHERE id = ?`, s.session).Scan(&count); err != nil {
		t.Fatalf("read session row: %v", err)
	}
	if count != 4 {
		t.Errorf("turn_count = %d, want 4", count)
	}
}

func TestNoopStore(t *testing.T) {
	var s Store = Noop{}
	ctx := context.Background()
	if err := s.Add(ctx, "user", "x"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := s.RelevantContext(ctx, "x", 5)
	if err != nil || len(got) != 0 {
		t.Errorf("RelevantContext = %v, %v; want empty", got, err)
	}
	if err := s.SaveSession(ctx); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
