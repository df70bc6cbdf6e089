package backend

// Message is one prompt sent to the backend.
type Message struct {
	Content      string
	SystemPrompt string // Overrides the configured system prompt when set
	Model        string // Overrides the configured model when set
}

// Response is the backend's reply to one Message.
type Response struct {
	Content   string
	SessionID string
	Cost      float64 // USD reported by the backend, 0 when unknown
	Error     string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string   `json:"type" yaml:"type"` // "claude" or "command"
	Command      string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args         []string `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir      string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}
