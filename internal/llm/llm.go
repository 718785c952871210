// Package llm provides the text-generation provider clients. Every call
// resends the whole conversation — no server-side context caching is
// assumed, so histories grow by two entries per turn and are shipped in
// full each time.
package llm

// Message is one role-tagged conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Generator is a text-generation backend. Implementations retry transport
// failures (timeouts, rate limits, 5xx) internally within a fixed budget
// before giving up; structural problems with the returned text are the
// caller's concern.
type Generator interface {
	// Generate sends the full message list and returns the raw completion
	// text.
	Generate(messages []Message) (string, error)

	// Name identifies the backend for session binding and logs.
	Name() string
}

// splitSystem separates leading system entries from the chat turns, for
// APIs that carry the system prompt out of band.
func splitSystem(messages []Message) (system string, rest []Message) {
	for i, m := range messages {
		if m.Role != RoleSystem {
			return system, messages[i:]
		}
		if system != "" {
			system += "\n\n"
		}
		system += m.Content
	}
	return system, nil
}
