package types

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the status reported back on the response queue.
type RequestStatus string

const (
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusSlotFull  RequestStatus = "slot_full"
)

// Termination reasons recorded on TerminatedSession and used for logging
// and metrics labels.
const (
	ReasonExpired         = "expired"
	ReasonHardTTLExceeded = "hard_ttl_exceeded"
	ReasonCrashed         = "crashed"
	ReasonClosed          = "closed"
	ReasonNeverUsed       = "never_used"
	ReasonDeleteAction    = "delete_action"
	ReasonKilled          = "killed"
	ReasonShutdown        = "shutdown"
)

// Request actions.
const (
	ActionLaunch = "launch"
	ActionDelete = "delete"
)

// SessionRequest is a message consumed from the request queue asking this
// host to launch or delete a browser session.
type SessionRequest struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id,omitempty"`
	RequesterID string            `json:"requester_id"`
	Action      string            `json:"action,omitempty"`
	UserDataDir string            `json:"user_data_dir,omitempty"`
	ProfileName string            `json:"profile_name,omitempty"`
	ProxyConfig map[string]string `json:"proxy_config,omitempty"`
	Extensions  []string          `json:"extensions,omitempty"`
	ChromeArgs  []string          `json:"chrome_args,omitempty"`
	TTLMinutes  int               `json:"ttl_minutes,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitzero"`
}

// ApplyDefaults fills the fields a producer is allowed to omit.
func (r *SessionRequest) ApplyDefaults(defaultTTLMinutes int) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Action == "" {
		r.Action = ActionLaunch
	}
	if r.TTLMinutes <= 0 {
		r.TTLMinutes = defaultTTLMinutes
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// SessionResponse is published to the response queue (and optionally POSTed
// to the callback endpoint) for every processed request.
type SessionResponse struct {
	Status       RequestStatus     `json:"status"`
	WorkerID     string            `json:"worker_id"`
	MachineIP    string            `json:"machine_ip"`
	DebugPort    int               `json:"debug_port"`
	SessionID    string            `json:"session_id,omitempty"`
	RequesterID  string            `json:"requester_id,omitempty"`
	WebSocketURL string            `json:"websocket_url,omitempty"`
	DebugURL     string            `json:"debug_url,omitempty"`
	ProxyConfig  map[string]string `json:"proxy_config,omitempty"`
	TTLMinutes   int               `json:"ttl_minutes,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Session is a live browser session tracked by the store. The process
// handle lives alongside it in the manager and is not serialized.
type Session struct {
	SessionID         string     `json:"session_id"`
	WorkerID          string     `json:"worker_id"`
	RequestID         string     `json:"request_id"`
	MachineIP         string     `json:"machine_ip"`
	DebugPort         int        `json:"debug_port"`
	ProcessID         int        `json:"process_id,omitempty"`
	ProcessCreateTime int64      `json:"process_create_time,omitempty"` // ms since epoch, for PID-reuse validation
	UserDataDir       string     `json:"user_data_dir"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	WebSocketURL      string     `json:"websocket_url"`
	DebugURL          string     `json:"debug_url"`
	HasNavigatedAway  bool       `json:"has_navigated_away"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Expired reports whether the session's TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// TerminatedSession records why and when a session went away. A bounded
// ring of these is kept for status queries.
type TerminatedSession struct {
	WorkerID          string    `json:"worker_id"`
	RequestID         string    `json:"request_id"`
	MachineIP         string    `json:"machine_ip"`
	DebugPort         int       `json:"debug_port"`
	ProcessID         int       `json:"process_id"`
	TerminationTime   time.Time `json:"termination_time"`
	TerminationReason string    `json:"termination_reason"`
	ExitCode          *int      `json:"exit_code,omitempty"`
	DurationSeconds   float64   `json:"session_duration_seconds"`
}
