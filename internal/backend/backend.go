package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backend adapters must implement.
// Implementations are safe for concurrent Send calls.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close releases any resources held by the backend.
	Close() error

	// SessionID returns the most recent session identifier, if the backend has one.
	SessionID() string
}

// New creates a new backend based on the provided configuration.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude", "":
		return NewClaudeAdapter(cfg, pm)
	case "command":
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
