// Package audit writes an append-only activity trail: one JSON object per
// line in a size-rotated file, with warning-and-above events mirrored to
// the operator log.
package audit

import "time"

// Action identifies what an audit event records. The set is closed; new
// actions are added here, not invented at call sites.
type Action string

const (
	// Authentication
	ActionLoginSuccess  Action = "auth.login.success"
	ActionLoginFailure  Action = "auth.login.failure"
	ActionTokenRejected Action = "auth.token.rejected"

	// API key lifecycle
	ActionKeyCreated Action = "key.created"
	ActionKeyRevoked Action = "key.revoked"

	// User management
	ActionUserCreated  Action = "user.created"
	ActionUserDisabled Action = "user.disabled"
	ActionUserEnabled  Action = "user.enabled"

	// Chat
	ActionChatCompleted Action = "chat.completed"
	ActionChatStreamed  Action = "chat.streamed"

	// Skills and tools
	ActionSkillCalled Action = "skill.called"
	ActionSkillDenied Action = "skill.denied"
	ActionToolCalled  Action = "tool.called"

	// Rate limiting
	ActionRateLimited Action = "ratelimit.exceeded"

	// Server and cluster lifecycle
	ActionServerStarted Action = "server.started"
	ActionServerStopped Action = "server.stopped"
	ActionModelLoaded   Action = "cluster.model.loaded"
	ActionModelUnloaded Action = "cluster.model.unloaded"
	ActionNodeJoined    Action = "cluster.node.joined"
	ActionNodeRemoved   Action = "cluster.node.removed"
)

// Severity grades an event. Warning and above also reach the operator log.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Event is a single audit record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred, UTC.
	Timestamp time.Time `json:"timestamp"`

	// Action categorizes the event.
	Action Action `json:"action"`

	// Severity grades the event. Defaults to info.
	Severity Severity `json:"severity"`

	// UserID and Username identify the authenticated principal, when known.
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// AuthType records how the principal authenticated (password, api_key).
	AuthType string `json:"auth_type,omitempty"`

	// ClientIP is the caller's network address.
	ClientIP string `json:"client_ip,omitempty"`

	// ClientID is the rate-limit client id of the request.
	ClientID string `json:"client_id,omitempty"`

	// RequestID ties the event to one HTTP request.
	RequestID string `json:"request_id,omitempty"`

	// TraceID correlates with distributed traces.
	TraceID string `json:"trace_id,omitempty"`

	// Method and Path locate the HTTP operation, when there is one.
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	// Resource and ResourceID name what the action touched (a skill, a
	// key, a node).
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	// Success records whether the action succeeded.
	Success bool `json:"success"`

	// DurationMS is the wall time of timed operations.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Error carries failure detail.
	Error string `json:"error,omitempty"`

	// Details holds event-specific structured data.
	Details map[string]any `json:"details,omitempty"`
}

// Filter narrows Recent results. Zero fields match everything; Severity is
// a minimum, not an exact match.
type Filter struct {
	Action   Action
	Severity Severity
	Username string
}

func (f Filter) matches(ev Event) bool {
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.Severity != "" && severityRank[ev.Severity] < severityRank[f.Severity] {
		return false
	}
	if f.Username != "" && ev.Username != f.Username {
		return false
	}
	return true
}

// Config configures the audit logger.
type Config struct {
	// Dir is the log directory. The active file is audit.log inside it.
	Dir string `yaml:"log_dir"`

	// MaxFileMB is the rotation threshold in megabytes.
	MaxFileMB int `yaml:"max_file_mb"`

	// Backups is how many rotated files are kept.
	Backups int `yaml:"backups"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{MaxFileMB: 100, Backups: 10}
}
