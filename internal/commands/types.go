// Package commands provides slash-command detection, registration, and
// dispatch into the conversation core, agent registry, and mailbox.
package commands

import "context"

// Command is a registered slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	AcceptsArgs bool
	Hidden      bool
	Handler     Handler
}

// Handler executes a command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is a parsed command ready for dispatch.
type Invocation struct {
	Command  *Command
	Name     string
	Args     string
	RawText  string
	AgentID  string
	SessionID int64
}

// Result is a command's rendered outcome.
type Result struct {
	Text    string
	Error   string
	// Suppress indicates the command produced no user-visible output.
	Suppress bool
}
