package domain

import "errors"

var (
	ErrMalformedEvent        = errors.New("malformed event")
	ErrAttachmentUnavailable = errors.New("attachment unavailable")
	ErrEmptyPromptRejected   = errors.New("empty prompt rejected")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrDeliveryFailed        = errors.New("delivery failed")
	ErrQueueFull             = errors.New("work queue full")
)

// ErrorKind maps an error onto the taxonomy name recorded with outcomes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrAttachmentUnavailable):
		return "attachment_unavailable"
	case errors.Is(err, ErrEmptyPromptRejected):
		return "empty_prompt_rejected"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	default:
		return "internal"
	}
}
