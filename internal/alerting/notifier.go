package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collateral-keeper/internal/collateral"
)

// TelegramNotifier pushes collateral events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	label    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram sink. label prefixes every message, e.g. the app name.
func NewTelegramNotifier(botToken, chatID, baseURL, label string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if label == "" {
		label = "collateral"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		label:    label,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Publish sends the event with sendMessage.
func (n *TelegramNotifier) Publish(ctx context.Context, event collateral.Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(n.label, event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status code %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().
		Str("event", string(event.Kind)).
		Str("run_id", event.RunID.String()).
		Msg("alert sent (telegram)")
	return nil
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a log-only sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Publish logs the event; status changes at warn level.
func (s *LogSink) Publish(ctx context.Context, event collateral.Event) error {
	var entry *zerolog.Event
	if event.Kind == collateral.EventStatusChanged {
		entry = s.logger.Warn().
			Str("old_status", event.OldStatus.String()).
			Str("new_status", event.NewStatus.String())
	} else {
		entry = s.logger.Info().
			Str("reward_token", event.RewardToken.Hex()).
			Str("amount", event.Amount.String())
	}
	entry.
		Str("event", string(event.Kind)).
		Str("collateral", event.Collateral.Hex()).
		Str("run_id", event.RunID.String()).
		Str("reason", event.Reason).
		Time("at", event.At).
		Msg("collateral event")
	return nil
}

func renderMessage(label string, event collateral.Event) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", label, event.Kind))
	builder.WriteString(fmt.Sprintf("Collateral: %s\n", event.Collateral.Hex()))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", event.At.UTC().Format(time.RFC3339)))

	switch event.Kind {
	case collateral.EventStatusChanged:
		builder.WriteString(fmt.Sprintf("Status: %s -> %s\n", event.OldStatus, event.NewStatus))
		if event.Reason != "" {
			builder.WriteString(fmt.Sprintf("Reason: %s\n", event.Reason))
		}
	case collateral.EventRewardsClaimed:
		builder.WriteString(fmt.Sprintf("Reward token: %s\n", event.RewardToken.Hex()))
		builder.WriteString(fmt.Sprintf("Amount: %s\n", event.Amount.String()))
		if event.ProgramID != nil {
			builder.WriteString(fmt.Sprintf("Program: %s\n", event.ProgramID.String()))
		}
	}
	builder.WriteString(fmt.Sprintf("Run: %s", event.RunID))
	return builder.String()
}

var (
	_ collateral.EventSink = (*TelegramNotifier)(nil)
	_ collateral.EventSink = (*LogSink)(nil)
)
