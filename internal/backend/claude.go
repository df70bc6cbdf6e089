package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ClaudeAdapter implements the Backend interface for the Claude Code CLI.
// Every Send starts a fresh session so concurrent tasks never share history.
type ClaudeAdapter struct {
	binary       string
	workDir      string
	model        string
	systemPrompt string
	procMgr      *ProcessManager

	mu          sync.Mutex
	lastSession string
}

// claudeResponse is the JSON document printed by `claude -p --output-format json`.
// Example: {"type":"result","is_error":false,"result":"...","session_id":"uuid","total_cost_usd":0.012}
type claudeResponse struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	binary := cfg.Command
	if binary == "" {
		binary = "claude"
	}

	return &ClaudeAdapter{
		binary:       binary,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send runs one non-interactive claude invocation and returns its result and cost.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	sessionID := uuid.NewString()
	args := a.buildArgs(msg, sessionID)

	cmd := newCommand(ctx, a.binary, args...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr, "")
	if err != nil {
		return Response{
			Error: fmt.Sprintf("claude command failed: %v", err),
		}, err
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, string(stderr)),
		}, err
	}

	a.mu.Lock()
	a.lastSession = resp.SessionID
	a.mu.Unlock()

	return resp, nil
}

// Close is a no-op for Claude Code (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the session of the most recent successful Send.
func (a *ClaudeAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSession
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(msg Message, sessionID string) []string {
	args := []string{"-p", msg.Content, "--output-format", "json", "--session-id", sessionID}

	model := a.model
	if msg.Model != "" {
		model = msg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	system := a.systemPrompt
	if msg.SystemPrompt != "" {
		system = msg.SystemPrompt
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}

	return args
}

// parseClaudeResponse parses the JSON output from Claude Code CLI.
func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	if cr.IsError {
		msg := strings.TrimSpace(cr.Result)
		if msg == "" {
			msg = cr.Subtype
		}
		return Response{SessionID: cr.SessionID, Cost: cr.TotalCostUSD, Error: msg},
			fmt.Errorf("claude reported an error: %s", msg)
	}

	return Response{
		Content:   cr.Result,
		SessionID: cr.SessionID,
		Cost:      cr.TotalCostUSD,
	}, nil
}
