package conversation

// State is a single agent's place in its own turn-taking state machine.
type State string

const (
	// Idle: no turn in flight, ready to accept a new user message or
	// command.
	Idle State = "idle"
	// WaitingForLLM: a user turn has been submitted and the provider has
	// not yet produced a reply.
	WaitingForLLM State = "waiting_for_llm"
	// AwaitingToolResult: the model's reply included one or more tool
	// calls and the executor has not yet reported back.
	AwaitingToolResult State = "awaiting_tool_result"
	// Dead: the agent has been killed; no further turns are accepted.
	Dead State = "dead"
)

// transitions enumerates the state machine's legal edges. A transition not
// present here is rejected with a ProtocolError.
var transitions = map[State]map[State]bool{
	Idle:               {WaitingForLLM: true, Dead: true},
	WaitingForLLM:      {AwaitingToolResult: true, Idle: true, Dead: true},
	AwaitingToolResult: {WaitingForLLM: true, Idle: true, Dead: true},
	Dead:               {},
}

func (s State) canTransitionTo(next State) bool {
	return transitions[s][next]
}
