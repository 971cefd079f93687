// Package audit records structured JSON events for intake rejections and
// registry mutations. The sink is an injectable io.Writer so tests can
// capture events and deployments can redirect them.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventIntake   EventType = "INTAKE"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Caller    string         `json:"caller"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, caller, action, resource string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, eventType EventType, caller, action, resource string, metadata map[string]any) error {
	if caller == "" {
		caller = "system"
	}
	event := Event{
		ID:        uuid.New().String(),
		Caller:    caller,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
