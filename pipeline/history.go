package pipeline

import (
	"github.com/kunaaal13/pdftochat/datatypes"
)

// =============================================================================
// Conversation Turns
// =============================================================================

// Role is the normalized role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleOther marks a turn whose original role tag was neither user nor
	// assistant. The original tag is preserved in Turn.Label; such turns are
	// never dropped and never reclassified as user or assistant.
	RoleOther Role = "other"
)

// Turn is one typed conversation turn. Immutable once created; slice order
// matches the caller-supplied message order exactly.
type Turn struct {
	Role    Role
	Label   string // original role tag, set only when Role == RoleOther
	Content string
}

// PromptRole returns the role string used when this turn is placed into a
// model prompt: the normalized role for user/assistant turns, the preserved
// original tag for labeled turns.
func (t Turn) PromptRole() string {
	if t.Role == RoleOther {
		return t.Label
	}
	return string(t.Role)
}

// NormalizeHistory converts the caller-supplied raw message list into typed
// turns, preserving order. Unrecognized role tags map to RoleOther with the
// original tag kept in Label.
//
// Returns a *ValidationError if messages is empty: a request must contain at
// least the new question.
func NormalizeHistory(messages []datatypes.Message) ([]Turn, error) {
	if len(messages) == 0 {
		return nil, &ValidationError{Reason: "no messages provided"}
	}

	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			turns = append(turns, Turn{Role: RoleUser, Content: m.Content})
		case "assistant":
			turns = append(turns, Turn{Role: RoleAssistant, Content: m.Content})
		default:
			turns = append(turns, Turn{Role: RoleOther, Label: m.Role, Content: m.Content})
		}
	}
	return turns, nil
}
