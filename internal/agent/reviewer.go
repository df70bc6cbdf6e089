package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/backend"
)

const reviewPrompt = `Review the following work produced by a %s agent.

Acceptance criteria:
%s

Work:
%s

Return ONLY a JSON object with this exact structure (no other text):
{"score": 0.0, "approved": false, "issues": ["specific problem to fix"]}

score is between 0 and 1. Set approved to true only if the work fully meets the criteria.`

// BackendReviewer asks a backend to score an artifact and parses a JSON verdict.
type BackendReviewer struct {
	sender       Sender
	systemPrompt string
	model        string
	logger       *zap.Logger
}

// NewBackendReviewer creates a reviewer.
func NewBackendReviewer(sender Sender, systemPrompt, model string, logger *zap.Logger) *BackendReviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendReviewer{
		sender:       sender,
		systemPrompt: systemPrompt,
		model:        model,
		logger:       logger.With(zap.String("component", "reviewer")),
	}
}

// Review sends the artifact for review. A reply that cannot be parsed is an InvocationError.
func (r *BackendReviewer) Review(ctx context.Context, artifact Artifact, role, criteria string) (Verdict, error) {
	if criteria == "" {
		criteria = "The work completes the task correctly and is production ready."
	}

	resp, err := r.sender.Send(ctx, backend.Message{
		Content:      fmt.Sprintf(reviewPrompt, role, criteria, artifact.Content),
		SystemPrompt: r.systemPrompt,
		Model:        r.model,
	})
	if err != nil {
		return Verdict{Cost: resp.Cost}, &InvocationError{Role: "reviewer", Err: err}
	}

	v, err := parseVerdict(resp.Content)
	if err != nil {
		r.logger.Warn("unparseable review", zap.Error(err), zap.Int("length", len(resp.Content)))
		return Verdict{Cost: resp.Cost}, &InvocationError{Role: "reviewer", Err: err}
	}
	v.Cost = resp.Cost
	return v, nil
}

// parseVerdict extracts the first JSON object from the reply; reviewers often wrap it in prose.
func parseVerdict(response string) (Verdict, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object found in review")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("unmarshal review: %w", err)
	}
	if v.Score < 0 || v.Score > 1 {
		return Verdict{}, fmt.Errorf("review score %v outside [0,1]", v.Score)
	}
	return v, nil
}
