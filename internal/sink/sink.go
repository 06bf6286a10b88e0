// Package sink defines the output contracts the REPL main loop and
// observability logger are wired through: the user-facing scrollback and
// the operator-facing debug log.
package sink

// Scrollback receives rendered lines for the terminal transcript.
type Scrollback interface {
	AppendLine(text string)
}

// Debug receives diagnostic lines not meant for the scrollback.
type Debug interface {
	WriteLine(line string)
}
