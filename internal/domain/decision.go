package domain

// TriggerDecision is the classification outcome for an inbound event.
type TriggerDecision int

const (
	Ignore TriggerDecision = iota
	DirectReply
	MentionReply
	ReplyThreadContinuation
	GreetNewMembers
)

func (d TriggerDecision) String() string {
	switch d {
	case DirectReply:
		return "direct_reply"
	case MentionReply:
		return "mention_reply"
	case ReplyThreadContinuation:
		return "reply_thread"
	case GreetNewMembers:
		return "greet_new_members"
	default:
		return "ignore"
	}
}

// UsesContext reports whether requests for this decision may carry the
// sender's prior conversation context.
func (d TriggerDecision) UsesContext() bool {
	return d == DirectReply || d == MentionReply
}

// IsTextPath reports whether the decision was derived from the message text
// (as opposed to the membership change that produces GreetNewMembers).
func (d TriggerDecision) IsTextPath() bool {
	return d == DirectReply || d == MentionReply || d == ReplyThreadContinuation
}

// Trigger is a single response the relay should produce for an event.
type Trigger struct {
	Decision TriggerDecision
	// Prompt is the effective text with mention markers removed. Empty for
	// GreetNewMembers; the builder supplies the greeting prompt.
	Prompt string
}

// Classification is the result of classifying one event. Reply holds the
// text-path decision; Greet is set independently when new members joined.
type Classification struct {
	Reply Trigger
	Greet bool
}

// Triggers returns the responses to produce, text path first.
func (c Classification) Triggers() []Trigger {
	var out []Trigger
	if c.Reply.Decision != Ignore {
		out = append(out, c.Reply)
	}
	if c.Greet {
		out = append(out, Trigger{Decision: GreetNewMembers})
	}
	return out
}
