package relay

import (
	"strings"

	"relaybot/internal/domain"
)

// Classifier assigns trigger decisions to inbound events.
type Classifier struct {
	botID  int64
	marker string
}

// NewClassifier builds a classifier for the given bot identity. The mention
// marker is "@" followed by the bot's username; with no username only
// replies to the bot trigger in groups.
func NewClassifier(bot domain.Sender) *Classifier {
	c := &Classifier{botID: bot.ID}
	if bot.Username != "" {
		c.marker = "@" + bot.Username
	}
	return c
}

func (c *Classifier) MentionMarker() string { return c.marker }

// Classify evaluates the text path (first matching rule wins) and, separately,
// whether new members should be greeted.
func (c *Classifier) Classify(ev domain.InboundEvent) domain.Classification {
	msg := ev.Message
	if msg == nil {
		return domain.Classification{}
	}
	return domain.Classification{
		Reply: c.classifyText(msg),
		Greet: len(msg.NewParticipants) > 0,
	}
}

func (c *Classifier) classifyText(msg *domain.MessageEvent) domain.Trigger {
	text := msg.EffectiveText()
	if text == "" {
		return domain.Trigger{Decision: domain.Ignore}
	}

	switch msg.ChatKind {
	case domain.ChatPrivate:
		return domain.Trigger{Decision: domain.DirectReply, Prompt: text}

	case domain.ChatGroup:
		if !c.mentions(text) && !c.repliesToBot(msg) {
			break
		}
		prompt := text
		if c.marker != "" {
			prompt = strings.ReplaceAll(text, c.marker, "")
		}
		if msg.ReplyTo != nil {
			return domain.Trigger{Decision: domain.ReplyThreadContinuation, Prompt: prompt}
		}
		return domain.Trigger{Decision: domain.MentionReply, Prompt: prompt}
	}
	return domain.Trigger{Decision: domain.Ignore}
}

func (c *Classifier) mentions(text string) bool {
	return c.marker != "" && strings.Contains(text, c.marker)
}

func (c *Classifier) repliesToBot(msg *domain.MessageEvent) bool {
	return c.botID != 0 && msg.ReplyTo != nil && msg.ReplyTo.Sender.ID == c.botID
}
