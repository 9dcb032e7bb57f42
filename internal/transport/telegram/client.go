// Package telegram delivers operator messages (log alerts and post outcome
// notifications) to a Telegram chat through the Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "postpilot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token     string
	ChatID    int64
	ThreadID  int    // forum topic; 0 for none
	ParseMode string // "", "HTML" or "MarkdownV2"
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL  string
	Timeout time.Duration
}

// Client sends text to one configured chat. It never polls for updates.
type Client struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

// Send delivers text, split into chunks under the Bot API message limit.
func (c *Client) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit, c.cfg.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             c.cfg.ParseMode,
			DisableWebPagePreview: true,
			ThreadID:              c.cfg.ThreadID,
		}
		if _, err := c.bot.Send(c.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// SendAlert implements logx.Sender. Alerts are plain text.
func (c *Client) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit, "") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(c.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true, ThreadID: c.cfg.ThreadID}); err != nil {
			return err
		}
	}
	return nil
}

var _ logx.Sender = (*Client)(nil)

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
