package telegram

import (
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

// legacyUpdate picks up the pre-2016 single-member join field that
// tgbotapi.Message no longer models.
type legacyUpdate struct {
	Message *struct {
		NewChatParticipant *tgbotapi.User `json:"new_chat_participant"`
	} `json:"message"`
}

// Decode parses a webhook body into an InboundEvent. Update kinds other than
// message and inline_query decode to an event with neither set.
func Decode(body []byte, receivedAt time.Time) (domain.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("%w: %w", domain.ErrMalformedEvent, err)
	}

	ev := domain.InboundEvent{
		UpdateID:   update.UpdateID,
		ReceivedAt: receivedAt,
	}

	switch {
	case update.Message != nil:
		if update.Message.Chat == nil {
			return ev, fmt.Errorf("%w: message %d has no chat", domain.ErrMalformedEvent, update.Message.MessageID)
		}
		var legacy legacyUpdate
		_ = json.Unmarshal(body, &legacy)
		var participant *tgbotapi.User
		if legacy.Message != nil {
			participant = legacy.Message.NewChatParticipant
		}
		ev.Message = convertMessage(update.Message, participant)
	case update.InlineQuery != nil:
		ev.InlineQuery = &domain.InlineQueryEvent{
			ID:     update.InlineQuery.ID,
			Sender: convertUser(update.InlineQuery.From),
			Query:  update.InlineQuery.Query,
		}
	}
	return ev, nil
}

func convertMessage(m *tgbotapi.Message, legacyParticipant *tgbotapi.User) *domain.MessageEvent {
	out := &domain.MessageEvent{
		MessageID: m.MessageID,
		Sender:    convertUser(m.From),
		ChatID:    m.Chat.ID,
		ChatKind:  chatKind(m.Chat),
		Text:      m.Text,
		Caption:   m.Caption,
		Images:    convertPhotos(m.Photo),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
	}

	if r := m.ReplyToMessage; r != nil {
		out.ReplyTo = &domain.ReplyTarget{
			MessageID: r.MessageID,
			Sender:    convertUser(r.From),
			Text:      r.Text,
			Caption:   r.Caption,
			Images:    convertPhotos(r.Photo),
		}
	}

	seen := make(map[int64]bool)
	for i := range m.NewChatMembers {
		u := &m.NewChatMembers[i]
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out.NewParticipants = append(out.NewParticipants, convertUser(u))
	}
	if legacyParticipant != nil && !seen[legacyParticipant.ID] {
		out.NewParticipants = append(out.NewParticipants, convertUser(legacyParticipant))
	}
	return out
}

func convertUser(u *tgbotapi.User) domain.Sender {
	if u == nil {
		return domain.Sender{}
	}
	return domain.Sender{ID: u.ID, Username: u.UserName, IsBot: u.IsBot}
}

// convertPhotos keeps Telegram's order, which is ascending by resolution.
func convertPhotos(photos []tgbotapi.PhotoSize) []domain.ImageVariant {
	if len(photos) == 0 {
		return nil
	}
	out := make([]domain.ImageVariant, len(photos))
	for i, p := range photos {
		out[i] = domain.ImageVariant{
			FileID: p.FileID,
			Width:  p.Width,
			Height: p.Height,
			Size:   p.FileSize,
		}
	}
	return out
}

func chatKind(c *tgbotapi.Chat) domain.ChatKind {
	switch {
	case c.IsPrivate():
		return domain.ChatPrivate
	case c.IsGroup(), c.IsSuperGroup():
		return domain.ChatGroup
	default:
		return domain.ChatOther
	}
}
