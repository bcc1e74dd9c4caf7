package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

const (
	botID       int64 = 999
	botUsername       = "relay_bot"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	testBot   = domain.Sender{ID: botID, Username: botUsername, IsBot: true}
	errFakeIO = errors.New("fake io failure")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend records requests and answers from a script.
type fakeBackend struct {
	mu       sync.Mutex
	requests []domain.BackendRequest
	respond  func(n int, req domain.BackendRequest) (*domain.BackendResponse, error)
}

func (f *fakeBackend) Name() string                  { return "fake" }
func (f *fakeBackend) Healthy(context.Context) error { return nil }

func (f *fakeBackend) Generate(ctx context.Context, req domain.BackendRequest) (*domain.BackendResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(n, req)
	}
	return &domain.BackendResponse{Response: "reply", Done: true, DoneReason: "stop"}, nil
}

func (f *fakeBackend) calls() []domain.BackendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BackendRequest(nil), f.requests...)
}

type delivery struct {
	ChatID int64
	Text   string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (f *fakeDeliverer) SendText(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, delivery{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeDeliverer) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

// fakeFetcher serves file ids as paths and paths as blobs; ids listed in
// failPath or paths in failDownload error out.
type fakeFetcher struct {
	mu           sync.Mutex
	blobs        map[string][]byte
	failPath     map[string]bool
	failDownload map[string]bool
	attempts     []string
}

func (f *fakeFetcher) FilePath(ctx context.Context, fileID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, fileID)
	if f.failPath[fileID] {
		return "", errFakeIO
	}
	return "photos/" + fileID, nil
}

func (f *fakeFetcher) Download(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDownload[path] {
		return nil, errFakeIO
	}
	if b, ok := f.blobs[path]; ok {
		return b, nil
	}
	return pngBytes, nil
}

func (f *fakeFetcher) tried() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

func variants(ids ...string) []domain.ImageVariant {
	out := make([]domain.ImageVariant, len(ids))
	for i, id := range ids {
		out[i] = domain.ImageVariant{FileID: id, Width: (i + 1) * 100, Height: (i + 1) * 100}
	}
	return out
}

func privateText(sender int64, text string) domain.InboundEvent {
	return domain.InboundEvent{Message: &domain.MessageEvent{
		Sender:   domain.Sender{ID: sender},
		ChatID:   sender,
		ChatKind: domain.ChatPrivate,
		Text:     text,
	}}
}

func groupText(sender, chat int64, text string) domain.InboundEvent {
	return domain.InboundEvent{Message: &domain.MessageEvent{
		Sender:   domain.Sender{ID: sender},
		ChatID:   chat,
		ChatKind: domain.ChatGroup,
		Text:     text,
	}}
}
