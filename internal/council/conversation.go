package council

import "time"

// DefaultTitle is used until a conversation has a generated title.
const DefaultTitle = "New Conversation"

// Message is one entry of a conversation log. User messages carry Content;
// assistant messages embed the full turn result.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	*TurnResult
}

// UserMessage builds a user entry.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant entry from a completed turn.
func AssistantMessage(turn *TurnResult) Message {
	return Message{Role: RoleAssistant, TurnResult: turn}
}

// Conversation is the ordered message log owned by a store.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Summary returns the list view of c.
func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		CreatedAt:    c.CreatedAt,
		Title:        c.Title,
		MessageCount: len(c.Messages),
	}
}

// History converts the log into prompt messages: user text as user turns and
// each non-placeholder final synthesis as an assistant turn. User messages
// whose turn produced no usable answer are merged with the next user message
// so roles keep alternating.
func (c *Conversation) History() []ChatMessage {
	if c == nil {
		return nil
	}
	out := make([]ChatMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		switch m.Role {
		case RoleUser:
			out = AppendChat(out, ChatMessage{Role: RoleUser, Content: m.Content})
		case RoleAssistant:
			if m.TurnResult == nil {
				continue
			}
			final := m.TurnResult.Stage3
			if final.Placeholder || final.Error != "" || final.Content == "" {
				continue
			}
			out = AppendChat(out, ChatMessage{Role: RoleAssistant, Content: final.Content})
		}
	}
	return out
}

// AppendChat appends msg to messages, folding it into the last message when
// both share a role.
func AppendChat(messages []ChatMessage, msg ChatMessage) []ChatMessage {
	if n := len(messages); n > 0 && messages[n-1].Role == msg.Role {
		merged := messages[n-1]
		merged.Content += "\n\n" + msg.Content
		return append(messages[:n-1:n-1], merged)
	}
	return append(messages, msg)
}
