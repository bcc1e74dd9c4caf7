package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	defaultAPIBase      = "https://api.telegram.org"
	maxMessageRunes     = 4000
	maxSendRetries      = 3
	defaultMaxFileBytes = 10 << 20
	parseErrorMarker    = "can't parse entities"
)

// retryUnit scales send backoff; tests shrink it.
var retryUnit = time.Second

// Client talks to the Bot API: it delivers replies, resolves file ids and
// downloads attachment bytes. It implements domain.Deliverer and
// domain.FileFetcher.
type Client struct {
	bot          *tgbotapi.BotAPI
	apiBase      string
	parseMode    string
	maxFileBytes int64
	http         *http.Client
	logger       *slog.Logger
}

type ClientConfig struct {
	Token   string
	APIBase string
	// ParseMode is tried first for every chunk; empty sends plain text.
	ParseMode    string
	MaxFileBytes int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// NewClient builds a client without contacting Telegram. Call Identify to
// resolve the bot's own identity.
func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBase, "/")

	bot := &tgbotapi.BotAPI{
		Token:  cfg.Token,
		Client: cfg.HTTPClient,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(base + "/bot%s/%s")

	return &Client{
		bot:          bot,
		apiBase:      base,
		parseMode:    cfg.ParseMode,
		maxFileBytes: cfg.MaxFileBytes,
		http:         cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

// Identify calls getMe and returns the bot's own user.
func (c *Client) Identify(ctx context.Context) (domain.Sender, error) {
	if err := ctx.Err(); err != nil {
		return domain.Sender{}, err
	}
	me, err := c.bot.GetMe()
	if err != nil {
		return domain.Sender{}, fmt.Errorf("telegram getMe: %w", err)
	}
	c.bot.Self = me
	c.logger.Info("telegram bot identified", "id", me.ID, "username", me.UserName)
	return domain.Sender{ID: me.ID, Username: me.UserName, IsBot: me.IsBot}, nil
}

// SendText delivers text to a chat, split into chunks that fit one message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	chunks := splitMessage(text, maxMessageRunes)
	for i, chunk := range chunks {
		if err := c.sendChunk(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %w", domain.ErrDeliveryFailed, i+1, len(chunks), err)
		}
	}
	return nil
}

// sendChunk sends one chunk. A parse-mode rejection is retried at once as
// plain text without using up an attempt; rate limits wait for retry_after;
// other errors back off.
func (c *Client) sendChunk(ctx context.Context, chatID int64, text string) error {
	parseMode := c.parseMode
	var lastErr error

	for attempt := 0; attempt <= maxSendRetries; {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode

		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *tgbotapi.Error
		isAPIErr := errors.As(err, &apiErr)

		if isAPIErr && parseMode != "" && strings.Contains(apiErr.Message, parseErrorMarker) {
			c.logger.Warn("telegram parse error, retrying as plain text",
				"chat_id", chatID, "parse_mode", parseMode, "err", err)
			parseMode = ""
			continue
		}

		if attempt == maxSendRetries {
			break
		}

		wait := time.Duration(attempt+1) * retryUnit
		if isAPIErr && apiErr.Code == http.StatusTooManyRequests {
			if apiErr.RetryAfter > 0 {
				wait = time.Duration(apiErr.RetryAfter) * retryUnit
			}
			c.logger.Warn("telegram rate limited, backing off",
				"chat_id", chatID, "retry_after", wait, "attempt", attempt+1)
		} else if isAPIErr && apiErr.Code >= 400 && apiErr.Code < 500 {
			return err
		} else {
			c.logger.Warn("telegram send error, retrying",
				"chat_id", chatID, "err", err, "backoff", wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		attempt++
	}

	c.logger.Error("telegram send failed after retries",
		"chat_id", chatID, "err", lastErr, "attempts", maxSendRetries+1)
	return lastErr
}

// FilePath resolves a file id through getFile.
func (c *Client) FilePath(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("telegram getFile %s: %w", fileID, err)
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("telegram getFile %s: empty file_path", fileID)
	}
	return f.FilePath, nil
}

// Download fetches file bytes from the file endpoint. Bodies larger than the
// configured limit are rejected.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.bot.Token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", filePath, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filePath, err)
	}
	if int64(len(data)) > c.maxFileBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", filePath, c.maxFileBytes)
	}
	return data, nil
}

// SetLogger routes the library's own logging through slog at debug level.
func SetLogger(logger *slog.Logger) {
	_ = tgbotapi.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
}

// splitMessage cuts text into chunks of at most limit runes, preferring the
// last newline in the second half of each window.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
