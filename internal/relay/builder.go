package relay

import "relaybot/internal/domain"

// Builder assembles backend requests from classified events.
type Builder struct {
	model          string
	greetingPrompt string
	botID          int64
}

type BuilderConfig struct {
	Model          string
	GreetingPrompt string
	BotID          int64
}

func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{model: cfg.Model, greetingPrompt: cfg.GreetingPrompt, botID: cfg.BotID}
}

// Build returns the request for one trigger. att is the resolved image, if
// any; prior is the sender's stored context. A request never carries both
// context and history, and never carries context alongside an image.
func (b *Builder) Build(trig domain.Trigger, msg *domain.MessageEvent, att *domain.Attachment, prior []int) domain.BackendRequest {
	req := domain.BackendRequest{Model: b.model, Stream: false}

	switch trig.Decision {
	case domain.GreetNewMembers:
		req.Prompt = b.greetingPrompt
		return req

	case domain.ReplyThreadContinuation:
		req.Prompt = trig.Prompt
		if h, ok := b.history(msg.ReplyTo); ok {
			req.Messages = []domain.HistoryMessage{h}
		}

	default:
		req.Prompt = trig.Prompt
		if att == nil && len(prior) > 0 {
			req.Context = append([]int(nil), prior...)
		}
	}

	if att != nil {
		req.Images = []string{att.Base64}
	}
	return req
}

func (b *Builder) history(target *domain.ReplyTarget) (domain.HistoryMessage, bool) {
	if target == nil {
		return domain.HistoryMessage{}, false
	}
	content := target.EffectiveText()
	if content == "" {
		return domain.HistoryMessage{}, false
	}
	role := domain.RoleUser
	if b.botID != 0 && target.Sender.ID == b.botID {
		role = domain.RoleAssistant
	}
	return domain.HistoryMessage{Role: role, Content: content}, true
}
