// Package notify delivers chat messages to users. Delivery is best-effort:
// failures are logged and never retried or propagated to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nexus-core/pkg/config"
)

// Sender sends text to the chat associated with handle.
type Sender interface {
	Send(ctx context.Context, handle, text string) error
}

const defaultTelegramBase = "https://api.telegram.org"

// Telegram posts to the Bot API sendMessage method. The handle is the chat id.
type Telegram struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

func NewTelegram(cfg config.Notify) *Telegram {
	base := strings.TrimRight(strings.TrimSpace(cfg.TelegramBaseURL), "/")
	if base == "" {
		base = defaultTelegramBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    base,
		Token:      cfg.TelegramToken,
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, handle, text string) error {
	if t.Token == "" {
		return errors.New("telegram token not configured")
	}
	body, err := json.Marshal(sendMessage{ChatID: handle, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode != http.StatusOK || !tr.OK {
		return fmt.Errorf("telegram sendMessage: http %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}

// Log writes messages to the process log; used when no chat egress is configured.
type Log struct{}

func (Log) Send(ctx context.Context, handle, text string) error {
	log.Printf("💬 [notify] → %s: %s", handle, text)
	return nil
}

// BestEffort wraps a Sender so delivery never fails or blocks the caller
// beyond timeout.
type BestEffort struct {
	next    Sender
	timeout time.Duration
}

func NewBestEffort(next Sender, timeout time.Duration) *BestEffort {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BestEffort{next: next, timeout: timeout}
}

// Notify sends text and logs any failure. It reports whether delivery succeeded.
func (b *BestEffort) Notify(ctx context.Context, handle, text string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := b.next.Send(ctx, handle, text); err != nil {
		log.Printf("⚠️ [notify] delivery to %s failed: %v", handle, err)
		return false
	}
	return true
}

// New picks Telegram when a bot token is configured, otherwise the log sender.
func New(cfg config.Notify) *BestEffort {
	var s Sender = Log{}
	if cfg.TelegramToken != "" {
		s = NewTelegram(cfg)
	}
	return NewBestEffort(s, cfg.Timeout)
}
