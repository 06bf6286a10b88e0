package commands

import (
	"strings"
)

// Prefix is the single command prefix this engine recognizes. Unlike a
// multi-channel gateway, the terminal REPL only ever sees one input stream,
// so there is no need for the inline/control-command distinction a chat
// gateway needs.
const Prefix = "/"

// Parsed is a detected command invocation before it is matched against a
// Registry.
type Parsed struct {
	Name string
	Args string
}

// Parse splits text into a command name and argument string if text begins
// with Prefix followed by a letter. It returns nil, false for plain
// conversational text.
func Parse(text string) (*Parsed, bool) {
	text = strings.TrimSpace(text)
	if text == "" || !strings.HasPrefix(text, Prefix) {
		return nil, false
	}
	rest := text[len(Prefix):]
	if rest == "" || !isLetter(rest[0]) {
		return nil, false
	}

	name, args := SplitNameArgs(rest)
	return &Parsed{Name: strings.ToLower(name), Args: args}, true
}

// SplitNameArgs splits "name rest of args" into its two parts.
func SplitNameArgs(text string) (name, args string) {
	text = strings.TrimSpace(text)
	parts := strings.SplitN(text, " ", 2)
	name = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

// SplitArgs tokenizes an argument string, honoring double-quoted segments
// as single tokens (so `/send <uuid> "hello world"` yields one token for
// the message, not two).
func SplitArgs(args string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(args); i++ {
		c := args[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
