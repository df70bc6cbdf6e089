package backend

import (
	"context"
	"fmt"
	"strings"
)

// CommandAdapter drives any CLI that reads a prompt on stdin and prints its answer on stdout.
// The system prompt, if any, is prepended to the message separated by a blank line.
type CommandAdapter struct {
	command      string
	args         []string
	workDir      string
	systemPrompt string
	procMgr      *ProcessManager
}

// NewCommandAdapter creates a CommandAdapter. cfg.Command is required.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}
	return &CommandAdapter{
		command:      cfg.Command,
		args:         append([]string(nil), cfg.Args...),
		workDir:      cfg.WorkDir,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Send pipes the prompt to the command and returns its trimmed stdout.
func (c *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, c.command, c.args...)
	cmd.Dir = c.workDir

	stdout, _, err := executeCommand(ctx, cmd, c.procMgr, c.prompt(msg))
	if err != nil {
		return Response{
			Error: fmt.Sprintf("%s command failed: %v", c.command, err),
		}, err
	}

	return Response{Content: strings.TrimSpace(string(stdout))}, nil
}

func (c *CommandAdapter) prompt(msg Message) string {
	system := c.systemPrompt
	if msg.SystemPrompt != "" {
		system = msg.SystemPrompt
	}
	if system == "" {
		return msg.Content
	}
	return system + "\n\n" + msg.Content
}

// Close is a no-op.
func (c *CommandAdapter) Close() error {
	return nil
}

// SessionID is always empty; command backends are stateless.
func (c *CommandAdapter) SessionID() string {
	return ""
}
