package session

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Status is the lifecycle state of a voice session record.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusConnecting, StatusConnected, StatusEnded, StatusError:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound        = errors.New("session not found")
	ErrAgentIDRequired = errors.New("agentId is required")
	ErrInvalidStatus   = errors.New("invalid session status")
)

// Session is one logical voice-call lifecycle.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Status    Status         `json:"status"`
	CallID    string         `json:"callId,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	Duration  string         `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CreateParams are the caller-supplied fields of a new session. Status
// defaults to idle and Metadata to an empty bag.
type CreateParams struct {
	AgentID  string         `json:"agentId"`
	Status   Status         `json:"status,omitempty"`
	CallID   string         `json:"callId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Patch is a shallow partial update. Nil fields are left untouched.
type Patch struct {
	AgentID  *string        `json:"agentId,omitempty"`
	Status   *Status        `json:"status,omitempty"`
	CallID   *string        `json:"callId,omitempty"`
	Duration *string        `json:"duration,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store persists voice sessions. Lookups on unknown ids return ErrNotFound.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, patch Patch) (Session, error)
	End(ctx context.Context, id string, endTime time.Time, duration string) (Session, error)
	Mode() string
	Close() error
}

func (p CreateParams) validate() error {
	if p.AgentID == "" {
		return ErrAgentIDRequired
	}
	if p.Status != "" && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

func (p Patch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.AgentID != nil && *p.AgentID == "" {
		return ErrAgentIDRequired
	}
	return nil
}

func newSession(id string, p CreateParams, now time.Time) Session {
	s := Session{
		ID:        id,
		AgentID:   p.AgentID,
		Status:    p.Status,
		CallID:    p.CallID,
		StartTime: now,
		Metadata:  maps.Clone(p.Metadata),
		CreatedAt: now,
	}
	if s.Status == "" {
		s.Status = StatusIdle
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return s
}

// applyPatch merges p into s. Ended is terminal: a status patch on an ended
// session is ignored while the other fields still apply.
func applyPatch(s *Session, p Patch) {
	if p.AgentID != nil {
		s.AgentID = *p.AgentID
	}
	if p.Status != nil && s.Status != StatusEnded {
		s.Status = *p.Status
	}
	if p.CallID != nil {
		s.CallID = *p.CallID
	}
	if p.Duration != nil {
		s.Duration = *p.Duration
	}
	if p.Metadata != nil {
		s.Metadata = maps.Clone(p.Metadata)
	}
}

// applyEnd marks s ended. The first end time and duration win; later calls
// only re-assert the terminal status.
func applyEnd(s *Session, endTime time.Time, duration string) {
	s.Status = StatusEnded
	if s.EndTime == nil {
		t := endTime.UTC()
		s.EndTime = &t
	}
	if s.Duration == "" {
		if duration == "" {
			duration = deriveDuration(s.StartTime, *s.EndTime)
		}
		s.Duration = duration
	}
}

func deriveDuration(start, end time.Time) string {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func clone(s Session) Session {
	c := s
	c.Metadata = maps.Clone(s.Metadata)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return c
}
