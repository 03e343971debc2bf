package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config selects the alert sink. An empty token falls back to logging.
type Config struct {
	TelegramToken  string
	TelegramChatID string
	APIURL         string
	Timeout        time.Duration
}

func New(cfg Config, logger *zap.Logger) Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		logger.Warn("Telegram notifier not configured, alerts will only be logged")
		return NewLogNotifier(logger)
	}
	return NewTelegramNotifier(cfg, logger)
}

// TelegramNotifier posts alerts to a chat through the Bot API.
type TelegramNotifier struct {
	apiURL     string
	token      string
	chatID     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTelegramNotifier(cfg Config, logger *zap.Logger) *TelegramNotifier {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &TelegramNotifier{
		apiURL: cfg.APIURL,
		token:  cfg.TelegramToken,
		chatID: cfg.TelegramChatID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: n.chatID, Text: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var result sendMessageResponse
	if err := json.Unmarshal(data, &result); err != nil || !result.OK || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, result.Description)
	}

	n.logger.Debug("Alert sent", zap.String("chat_id", n.chatID))
	return nil
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.logger.Warn("Alert", zap.String("message", message))
	return nil
}
