// Package lookingglass turns flow executions into live, annotated event
// streams. It implements the flow.Observer interface and pushes every step to
// connected WebSocket clients, so a watcher sees the protocol happen on the
// wire as the machine drives it.
package lookingglass

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ParleSec/FlowGlass/internal/flow"
)

// Engine owns all looking glass sessions.
type Engine struct {
	sessions map[string]*Session
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewEngine creates a looking glass engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		sessions: make(map[string]*Session),
		logger:   logger.With().Str("component", "lookingglass").Logger(),
	}
}

// Session is one observed flow execution and its event history. Clients that
// connect mid-flow receive the history before live events.
type Session struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	FlowType  string    `json:"flow_type"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	clients map[*wsClient]bool
	mu      sync.RWMutex
}

// Snapshot returns a copy of the session with a detached event slice, safe
// to serialize while the observer keeps appending to the live one.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Session{
		ID:        s.ID,
		FlowID:    s.FlowID,
		FlowType:  s.FlowType,
		Events:    make([]Event, len(s.Events)),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	copy(snap.Events, s.Events)
	return snap
}

// EventType categorizes looking glass events.
type EventType string

const (
	EventTypeStepStarted  EventType = "step.started"
	EventTypeStepFinished EventType = "step.finished"
	EventTypeFlowFinished EventType = "flow.finished"
	EventTypeTokenIssued  EventType = "token.issued"
)

// Event is one captured moment of a flow.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Title       string         `json:"title"`
	Data        map[string]any `json:"data,omitempty"`
	Annotations []Annotation   `json:"annotations,omitempty"`
}

// CreateSession registers a session for a flow execution.
func (e *Engine) CreateSession(flowID string, flowType flow.Type) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	session := &Session{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		FlowType:  string(flowType),
		Events:    make([]Event, 0),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		clients:   make(map[*wsClient]bool),
	}
	e.sessions[session.ID] = session
	return session
}

// GetSession retrieves a session by ID.
func (e *Engine) GetSession(id string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	session, exists := e.sessions[id]
	return session, exists
}

// SessionForFlow finds the session observing a flow execution.
func (e *Engine) SessionForFlow(flowID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sessions {
		if s.FlowID == flowID {
			return s, true
		}
	}
	return nil, false
}

// ListSessions returns snapshots of all sessions.
func (e *Engine) ListSessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s.Snapshot())
	}
	return sessions
}

// DeleteSession removes a session.
func (e *Engine) DeleteSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// addEvent appends an event to a session and broadcasts it.
func (e *Engine) addEvent(flowID string, event Event) {
	session, exists := e.SessionForFlow(flowID)
	if !exists {
		return
	}

	event.ID = uuid.New().String()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	session.mu.Lock()
	session.Events = append(session.Events, event)
	session.UpdatedAt = time.Now()
	session.mu.Unlock()

	session.broadcast(event)
}

// StepStarted implements flow.Observer.
func (e *Engine) StepStarted(exec *flow.Execution, step *flow.Step) {
	e.addEvent(exec.ID, Event{
		Type:  EventTypeStepStarted,
		Title: step.Name,
		Data: map[string]any{
			"step":      step.Number,
			"flow_type": string(exec.Type),
		},
	})
}

// StepFinished implements flow.Observer. The full step snapshot goes out,
// redaction already applied by the flow layer.
func (e *Engine) StepFinished(exec *flow.Execution, step *flow.Step) {
	data := map[string]any{
		"step":        step.Number,
		"status":      string(step.Status),
		"duration_ms": step.Duration.Milliseconds(),
		"detail":      step.Detail,
	}
	if step.Request != nil {
		data["request"] = step.Request
	}
	if step.Response != nil {
		data["response"] = step.Response
	}
	e.addEvent(exec.ID, Event{
		Type:        EventTypeStepFinished,
		Title:       step.Name,
		Data:        data,
		Annotations: stepAnnotations(exec, step),
	})
}

// FlowFinished implements flow.Observer.
func (e *Engine) FlowFinished(exec *flow.Execution) {
	data := map[string]any{
		"status": string(exec.Status),
		"steps":  len(exec.Steps),
	}
	if exec.Err != nil {
		data["error_kind"] = string(exec.Err.Kind)
		data["error"] = exec.Err.Description
	}
	if exec.Tokens != nil {
		data["has_refresh_token"] = exec.Tokens.RefreshToken != ""
		data["has_id_token"] = exec.Tokens.IDToken != ""
		data["scope"] = exec.Tokens.Scope
	}
	e.addEvent(exec.ID, Event{
		Type:        EventTypeFlowFinished,
		Title:       "flow " + string(exec.Status),
		Data:        data,
		Annotations: flowAnnotations(exec),
	})

	e.logger.Debug().
		Str("flow_id", exec.ID).
		Str("status", string(exec.Status)).
		Msg("flow observation finished")
}
