package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raym33/lattice/internal/observability"
)

const (
	logFileName   = "audit.log"
	tailChunkSize = 32 * 1024
)

// Logger appends events to a rotating file. A single mutex serializes
// writes so concurrent requests interleave at line granularity.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	backups  int
	mirror   *slog.Logger
	now      func() time.Time
}

// New opens (or creates) the audit log under cfg.Dir. mirror receives the
// human-readable copy of warning-and-above events; nil uses slog.Default.
func New(cfg Config, mirror *slog.Logger) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit: log directory required")
	}
	if cfg.MaxFileMB <= 0 {
		cfg.MaxFileMB = DefaultConfig().MaxFileMB
	}
	if cfg.Backups <= 0 {
		cfg.Backups = DefaultConfig().Backups
	}
	if mirror == nil {
		mirror = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	path := filepath.Join(cfg.Dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Logger{
		path:     path,
		file:     file,
		size:     info.Size(),
		maxBytes: int64(cfg.MaxFileMB) * 1024 * 1024,
		backups:  cfg.Backups,
		mirror:   mirror.With("component", "audit"),
		now:      time.Now,
	}, nil
}

// Close releases the log file handle.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Log writes one event. Missing id, timestamp, severity, and trace id are
// filled in. Write failures surface on the mirror stream rather than to
// the caller; auditing must not break the request path.
func (l *Logger) Log(ctx context.Context, ev *Event) {
	if l == nil || ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.TraceID == "" {
		ev.TraceID = observability.GetTraceID(ctx)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		l.mirror.Error("failed to encode audit event", "action", ev.Action, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	if l.file != nil {
		if l.size+int64(len(line)) > l.maxBytes {
			l.rotate()
		}
		if n, err := l.file.Write(line); err != nil {
			l.mirror.Error("failed to write audit event", "action", ev.Action, "error", err)
		} else {
			l.size += int64(n)
		}
	}
	l.mu.Unlock()

	if severityRank[ev.Severity] >= severityRank[SeverityWarning] {
		l.mirrorEvent(ev)
	}
}

// rotate shifts audit.log to audit.log.1, audit.log.1 to audit.log.2, and
// so on, dropping the oldest backup. Called with the lock held.
func (l *Logger) rotate() {
	l.file.Close()

	os.Remove(fmt.Sprintf("%s.%d", l.path, l.backups))
	for i := l.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	os.Rename(l.path, l.path+".1")

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		l.mirror.Error("failed to reopen audit log after rotation", "error", err)
		l.file = nil
		l.size = 0
		return
	}
	l.file = file
	l.size = 0
}

func (l *Logger) mirrorEvent(ev *Event) {
	attrs := []any{"action", ev.Action, "audit_id", ev.ID}
	if ev.Username != "" {
		attrs = append(attrs, "username", ev.Username)
	}
	if ev.ClientIP != "" {
		attrs = append(attrs, "client_ip", ev.ClientIP)
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	if ev.TraceID != "" {
		attrs = append(attrs, "trace_id", ev.TraceID)
	}
	if ev.Resource != "" {
		attrs = append(attrs, "resource", ev.Resource)
	}
	if ev.DurationMS > 0 {
		attrs = append(attrs, "duration_ms", ev.DurationMS)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	if ev.Severity == SeverityWarning {
		l.mirror.Warn("audit", attrs...)
		return
	}
	l.mirror.Error("audit", attrs...)
}

// Recent returns up to limit matching events from the active log file,
// newest first. The file is read backwards in chunks; lines that fail to
// parse are skipped. Rotated backups are not consulted.
func (l *Logger) Recent(limit int, filter Filter) ([]Event, error) {
	if l == nil || limit <= 0 {
		return nil, nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, limit)
	var carry []byte
	pos := info.Size()
	for pos > 0 && len(events) < limit {
		n := int64(tailChunkSize)
		if n > pos {
			n = pos
		}
		pos -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, err
		}
		data := append(chunk, carry...)
		lines := bytes.Split(data, []byte{'\n'})
		carry = lines[0]
		for i := len(lines) - 1; i >= 1 && len(events) < limit; i-- {
			if ev, ok := parseLine(lines[i], filter); ok {
				events = append(events, ev)
			}
		}
	}
	if len(events) < limit {
		if ev, ok := parseLine(carry, filter); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func parseLine(line []byte, filter Filter) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	if !filter.matches(ev) {
		return Event{}, false
	}
	return ev, true
}

// Audited runs fn under an action: wall time is measured and the outcome
// logged through the default logger at info or error severity. fn's
// results pass through unchanged.
func Audited[T any](ctx context.Context, action Action, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()

	ev := &Event{
		Action:     action,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Severity = SeverityError
		ev.Error = err.Error()
	}
	Log(ctx, ev)
	return out, err
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefault installs the process-wide audit logger used by Log and
// Audited.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide audit logger, nil when unset.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Log writes an event through the process-wide logger when one is set.
func Log(ctx context.Context, ev *Event) {
	Default().Log(ctx, ev)
}
