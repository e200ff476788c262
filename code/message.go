package code

// MessageType classifies a result.
type MessageType int

// Message types.
const (
	Success MessageType = iota
	Warning
	Error
)

func (t MessageType) String() string {
	switch t {
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	default:
		return "Success"
	}
}

// Message is the result of a code, or any other output sent to a channel.
type Message struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

// NewMessage creates a message.
func NewMessage(t MessageType, content string) *Message {
	return &Message{Type: t, Content: content}
}

// IsEmpty tells if the message carries no text.
func (m *Message) IsEmpty() bool {
	return m == nil || m.Content == ""
}

// Append adds text to the message on a new line.
func (m *Message) Append(content string) {
	if m.Content != "" && content != "" {
		m.Content += "\n"
	}

	m.Content += content
}

func (m *Message) String() string {
	if m == nil {
		return ""
	}

	switch m.Type {
	case Error:
		return "Error: " + m.Content
	case Warning:
		return "Warning: " + m.Content
	default:
		return m.Content
	}
}
