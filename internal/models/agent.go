package models

import "time"

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentDead    AgentStatus = "dead"
)

// Agent is a conversational persona within a session. A nil ParentUUID
// marks the session's root agent. ForkMessageID is the id of the event in
// the parent's stream at which this agent branched off; it is 0 for roots
// and is never modified after creation.
type Agent struct {
	UUID           string      `json:"uuid"`
	SessionID      int64       `json:"session_id"`
	ParentUUID     *string     `json:"parent_uuid,omitempty"`
	ForkMessageID  int64       `json:"fork_message_id"`
	Status         AgentStatus `json:"status"`
	Provider       string      `json:"provider,omitempty"`
	Model          string      `json:"model,omitempty"`
	ThinkingLevel  string      `json:"thinking_level,omitempty"`
	PinnedPaths    []string    `json:"pinned_paths,omitempty"`
	ToolsetFilter  []string    `json:"toolset_filter,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
}

// IsRoot reports whether a is a session's root agent.
func (a *Agent) IsRoot() bool {
	return a.ParentUUID == nil
}

// Clone returns a deep copy of a so callers can mutate the result without
// affecting a store's internal state (relevant for the in-memory store,
// which must not hand out aliases into its own map).
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.ParentUUID != nil {
		p := *a.ParentUUID
		cp.ParentUUID = &p
	}
	if a.EndedAt != nil {
		e := *a.EndedAt
		cp.EndedAt = &e
	}
	if a.PinnedPaths != nil {
		cp.PinnedPaths = append([]string(nil), a.PinnedPaths...)
	}
	if a.ToolsetFilter != nil {
		cp.ToolsetFilter = append([]string(nil), a.ToolsetFilter...)
	}
	return &cp
}
