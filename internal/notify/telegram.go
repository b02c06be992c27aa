package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// TelegramConfig configures the Telegram Bot API sink.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string // default https://api.telegram.org
}

// TelegramSink sends notifications with the Bot API sendMessage call.
type TelegramSink struct {
	cfg        TelegramConfig
	httpClient *http.Client
}

// NewTelegramSink creates a Telegram sink. hc may be nil.
func NewTelegramSink(cfg TelegramConfig, hc *http.Client) *TelegramSink {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &TelegramSink{cfg: cfg, httpClient: hc}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends the rendered message to the configured chat.
func (s *TelegramSink) Notify(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: s.cfg.ChatID, Text: Render(n)})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	// The token is part of the URL; keep it out of returned errors.
	url := s.cfg.APIURL + "/bot" + s.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send telegram message: %w", ctx.Err())
		}
		return fmt.Errorf("send telegram message: request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read telegram response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("telegram returned %d", resp.StatusCode)
	}
	if !tr.OK {
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}
