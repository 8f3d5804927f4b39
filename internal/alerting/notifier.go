package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxListedFailures = 10

// Notification 封装一轮评估的汇总信息。
type Notification struct {
	Round          int64
	StartedAt      time.Time
	Duration       time.Duration
	Wallets        int
	Succeeded      int
	Failed         int
	Penalized      int
	MeanMultiplier decimal.Decimal
	TotalNeedToBuy decimal.Decimal
	FailedWallets  []string
	Channels       []string
	AdditionalMsg  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	endpoint    string
	chatID      string
	addressLink string
	client      *http.Client
	logger      zerolog.Logger
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NewTelegramNotifier 构造 Telegram 告警器。addressLink 为钱包浏览器链接前缀，可为空。
func NewTelegramNotifier(botToken, chatID, baseURL, addressLink string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		endpoint:    fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(baseURL, "/"), botToken),
		chatID:      chatID,
		addressLink: addressLink,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送轮次汇总。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := n.send(ctx, renderMessage(note, n.addressLink)); err != nil {
		return err
	}

	n.logger.Info().Int64("round", note.Round).
		Int("failed", note.Failed).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("轮次汇总已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                n.chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result sendMessageResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram 响应码异常 %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}
	return nil
}

func renderMessage(note Notification, addressLink string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Donut multipliers, round %d</b>\n", note.Round)
	if !note.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started %s UTC, took %s\n", note.StartedAt.UTC().Format(time.RFC3339), note.Duration.Round(time.Second))
	}
	fmt.Fprintf(&b, "Wallets: %d (ok %d, failed %d)\n", note.Wallets, note.Succeeded, note.Failed)
	fmt.Fprintf(&b, "Penalized: %d\n", note.Penalized)
	fmt.Fprintf(&b, "Mean multiplier: <code>%s</code>\n", note.MeanMultiplier.StringFixed(3))
	fmt.Fprintf(&b, "Total need-to-buy: <code>%s</code>\n", note.TotalNeedToBuy.StringFixed(2))

	if len(note.FailedWallets) > 0 {
		listed := note.FailedWallets
		if len(listed) > maxListedFailures {
			listed = listed[:maxListedFailures]
		}
		b.WriteString("Failed wallets:\n")
		for _, wallet := range listed {
			b.WriteString("  ")
			b.WriteString(walletRef(wallet, addressLink))
			b.WriteString("\n")
		}
		if extra := len(note.FailedWallets) - len(listed); extra > 0 {
			fmt.Fprintf(&b, "  (+%d more)\n", extra)
		}
	}
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", html.EscapeString(strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		b.WriteString(html.EscapeString(note.AdditionalMsg))
	}
	return b.String()
}

func walletRef(wallet, addressLink string) string {
	escaped := html.EscapeString(wallet)
	if addressLink == "" {
		return "<code>" + escaped + "</code>"
	}
	return fmt.Sprintf(`<a href="%s%s">%s</a>`, html.EscapeString(addressLink), escaped, escaped)
}

var _ Notifier = (*TelegramNotifier)(nil)
