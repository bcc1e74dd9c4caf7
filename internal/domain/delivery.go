package domain

import "context"

// Deliverer sends a text reply to a chat.
type Deliverer interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// FileFetcher resolves a file id to a path and downloads its bytes.
type FileFetcher interface {
	FilePath(ctx context.Context, fileID string) (string, error)
	Download(ctx context.Context, filePath string) ([]byte, error)
}

// Attachment is a selected image variant together with its encoded payload.
type Attachment struct {
	Variant ImageVariant
	MIME    string
	Base64  string
}
