package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"relaybot/internal/domain"
)

// maxCandidates bounds how many of the lowest-resolution variants are
// considered; the highest of those is tried first.
const maxCandidates = 3

// AttachmentResolver downloads and encodes the best available image variant.
type AttachmentResolver struct {
	fetcher domain.FileFetcher
	logger  *slog.Logger
}

func NewAttachmentResolver(fetcher domain.FileFetcher, logger *slog.Logger) *AttachmentResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentResolver{fetcher: fetcher, logger: logger}
}

// Resolve tries candidates from the highest index down and returns the first
// one that downloads as an image. It fails with domain.ErrAttachmentUnavailable
// when none does.
func (r *AttachmentResolver) Resolve(ctx context.Context, variants []domain.ImageVariant) (domain.Attachment, error) {
	if len(variants) == 0 {
		return domain.Attachment{}, fmt.Errorf("%w: no image variants", domain.ErrAttachmentUnavailable)
	}

	var errs []error
	for _, idx := range candidateOrder(len(variants)) {
		v := variants[idx]
		att, err := r.fetch(ctx, v)
		if err == nil {
			return att, nil
		}
		if ctx.Err() != nil {
			return domain.Attachment{}, fmt.Errorf("%w: %w", domain.ErrAttachmentUnavailable, ctx.Err())
		}
		r.logger.Warn("attachment candidate unavailable", "file_id", v.FileID, "index", idx, "err", err)
		errs = append(errs, err)
	}
	return domain.Attachment{}, fmt.Errorf("%w: %w", domain.ErrAttachmentUnavailable, errors.Join(errs...))
}

func (r *AttachmentResolver) fetch(ctx context.Context, v domain.ImageVariant) (domain.Attachment, error) {
	path, err := r.fetcher.FilePath(ctx, v.FileID)
	if err != nil {
		return domain.Attachment{}, err
	}
	data, err := r.fetcher.Download(ctx, path)
	if err != nil {
		return domain.Attachment{}, err
	}
	if len(data) == 0 {
		return domain.Attachment{}, fmt.Errorf("file %s is empty", v.FileID)
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return domain.Attachment{}, fmt.Errorf("file %s is %s, not an image", v.FileID, mime.String())
	}
	return domain.Attachment{
		Variant: v,
		MIME:    mime.String(),
		Base64:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// candidateOrder returns the indices to try for n variants: the highest of
// the first maxCandidates down to 0.
func candidateOrder(n int) []int {
	top := min(n, maxCandidates) - 1
	order := make([]int, 0, top+1)
	for i := top; i >= 0; i-- {
		order = append(order, i)
	}
	return order
}

// imagesFor returns the images an event's request should carry: the event's
// own, or else those of its reply target (one level only).
func imagesFor(msg *domain.MessageEvent) []domain.ImageVariant {
	if len(msg.Images) > 0 {
		return msg.Images
	}
	if msg.ReplyTo != nil {
		return msg.ReplyTo.Images
	}
	return nil
}
