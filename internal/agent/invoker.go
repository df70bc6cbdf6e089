package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/scheduler"
)

// Sender is the part of backend.Backend the agents use.
type Sender interface {
	Send(ctx context.Context, msg backend.Message) (backend.Response, error)
}

// BackendInvoker turns a Request into a prompt and sends it to a backend.
type BackendInvoker struct {
	role         string
	sender       Sender
	systemPrompt string
	models       map[scheduler.Tier]string // Model per tier, empty entries use the backend default
	logger       *zap.Logger
}

// NewBackendInvoker creates an invoker for one role.
func NewBackendInvoker(role string, sender Sender, systemPrompt string, models map[scheduler.Tier]string, logger *zap.Logger) *BackendInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendInvoker{
		role:         role,
		sender:       sender,
		systemPrompt: systemPrompt,
		models:       models,
		logger:       logger.With(zap.String("component", "invoker"), zap.String("role", role)),
	}
}

// Invoke sends the task prompt and returns the backend's reply as the artifact.
func (b *BackendInvoker) Invoke(ctx context.Context, req Request) (Artifact, error) {
	msg := backend.Message{
		Content:      buildTaskPrompt(req),
		SystemPrompt: b.systemPrompt,
		Model:        b.models[req.Tier],
	}

	b.logger.Debug("invoking agent",
		zap.String("task_id", req.Spec.ID),
		zap.String("tier", string(req.Tier)),
		zap.Int("attempt", req.Attempt),
		zap.Int("feedback", len(req.Feedback)),
	)

	resp, err := b.sender.Send(ctx, msg)
	if err != nil {
		return Artifact{Cost: resp.Cost}, &InvocationError{TaskID: req.Spec.ID, Role: b.role, Err: err}
	}
	if strings.TrimSpace(resp.Content) == "" {
		return Artifact{Cost: resp.Cost}, &InvocationError{TaskID: req.Spec.ID, Role: b.role, Err: fmt.Errorf("empty response")}
	}

	meta := map[string]string{"role": b.role, "tier": string(req.Tier)}
	if resp.SessionID != "" {
		meta["session_id"] = resp.SessionID
	}
	return Artifact{Content: resp.Content, Cost: resp.Cost, Metadata: meta}, nil
}

func buildTaskPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task: %s\n\n%s\n", req.Spec.Name, req.Spec.Description)
	if req.Spec.Criteria != "" {
		fmt.Fprintf(&sb, "\nAcceptance criteria:\n%s\n", req.Spec.Criteria)
	}

	if len(req.Inputs) > 0 {
		ids := make([]string, 0, len(req.Inputs))
		for id := range req.Inputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString("\nResults of the tasks this one depends on:\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", id, req.Inputs[id])
		}
	}

	if req.Previous != "" {
		fmt.Fprintf(&sb, "\nYour previous attempt:\n%s\n", req.Previous)
	}
	if len(req.Feedback) > 0 {
		sb.WriteString("\nA reviewer rejected it. Address every issue:\n")
		for _, issue := range req.Feedback {
			fmt.Fprintf(&sb, "- %s\n", issue)
		}
	}

	return sb.String()
}
