package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the set of commands the engine recognizes.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}
}

// Register adds cmd to the registry.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("commands: command must have a name and handler")
	}
	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("commands: %q is already registered", name)
	}
	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[strings.ToLower(alias)] = name
	}
	return nil
}

// Get resolves a command by name or alias.
func (r *Registry) Get(name string) (*Command, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if real, ok := r.aliases[name]; ok {
		cmd, ok := r.commands[real]
		return cmd, ok
	}
	return nil, false
}

// List returns every registered command, sorted by name.
func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute resolves and runs inv.Name against the registry.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	cmd, ok := r.Get(inv.Name)
	if !ok {
		return nil, fmt.Errorf("commands: %q is not a registered command", inv.Name)
	}
	if !cmd.AcceptsArgs && strings.TrimSpace(inv.Args) != "" {
		return &Result{Error: fmt.Sprintf("/%s does not accept arguments", cmd.Name)}, nil
	}
	inv.Command = cmd
	return cmd.Handler(ctx, inv)
}
