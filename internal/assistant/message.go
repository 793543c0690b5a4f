package assistant

import (
	"time"

	"github.com/youruser/productivai/internal/llm"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationMessage is one entry of the conversation the caller owns. The
// assistant only reads the history it is given.
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ToWire maps conversation messages onto the request message shape.
// Messages with an unknown role are sent as user messages.
func ToWire(history []ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: wireRole(m.Role), Content: m.Content})
	}
	return out
}

func wireRole(r Role) llm.Role {
	switch r {
	case RoleSystem:
		return llm.RoleSystem
	case RoleAssistant:
		return llm.RoleAssistant
	default:
		return llm.RoleUser
	}
}

// ParseRole maps a stored role string back to a Role.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleSystem, RoleAssistant:
		return Role(s)
	default:
		return RoleUser
	}
}
