// internal/gmail/types.go
package gmail

import (
	"strings"
	"time"
)

type MessageID string

// InboxMessage is one message of an inbox snapshot. A later fetch may return
// the same ID again; it is the same logical message.
type InboxMessage struct {
	ID         MessageID
	ThreadID   string
	Subject    string
	Sender     string
	Snippet    string
	Body       string // full decoded text, may be empty
	ReceivedAt time.Time
}

// Text is what gets filtered and classified: subject plus body, or the
// snippet when no body could be decoded.
func (m InboxMessage) Text() string {
	body := m.Body
	if strings.TrimSpace(body) == "" {
		body = m.Snippet
	}
	if m.Subject == "" {
		return body
	}
	return m.Subject + "\n" + body
}

// IDs returns the message ids in snapshot order.
func IDs(msgs []InboxMessage) []MessageID {
	out := make([]MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
