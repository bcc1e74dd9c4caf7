package domain

import "time"

// ChatKind classifies the chat an event was posted in.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group" // groups and supergroups
	ChatOther   ChatKind = "other" // channels and anything unrecognised
)

// InboundEvent is a decoded webhook update. At most one of Message and
// InlineQuery is set; an update of any other kind has neither.
type InboundEvent struct {
	UpdateID    int
	Message     *MessageEvent
	InlineQuery *InlineQueryEvent
	ReceivedAt  time.Time
}

// Sender identifies the author of a message.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// ImageVariant is one resolution of an attached image.
type ImageVariant struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size,omitempty"`
}

type MessageEvent struct {
	MessageID int
	Sender    Sender
	ChatID    int64
	ChatKind  ChatKind
	Text      string
	Caption   string
	// Images are ordered by ascending resolution.
	Images          []ImageVariant
	ReplyTo         *ReplyTarget
	NewParticipants []Sender
	Date            time.Time
}

// ReplyTarget is the message being replied to. It deliberately carries no
// reply target of its own: only one level of nesting is ever consulted.
type ReplyTarget struct {
	MessageID int
	Sender    Sender
	Text      string
	Caption   string
	Images    []ImageVariant
}

type InlineQueryEvent struct {
	ID     string
	Sender Sender
	Query  string
}

// EffectiveText returns the text, or the caption when there is no text.
func (m *MessageEvent) EffectiveText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// EffectiveText returns the text, or the caption when there is no text.
func (r *ReplyTarget) EffectiveText() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Caption
}

// SenderID returns the sender of the event, or 0 when the event has no sender.
func (e InboundEvent) SenderID() int64 {
	switch {
	case e.Message != nil:
		return e.Message.Sender.ID
	case e.InlineQuery != nil:
		return e.InlineQuery.Sender.ID
	}
	return 0
}
