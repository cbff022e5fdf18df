// Package notify provides an optional sink for KSS session lifecycle
// events. Nothing in kss imports this package — wiring happens in
// cmd/kssd, the same way the teacher nil-checks its optional
// TradeNotifier in core/engine.go.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/kss/kss"
)

// Event is a session lifecycle transition worth notifying a human about.
type Event struct {
	SessionID     int64
	Symbol        string
	Status        string
	Message       string
	UnrealizedPnL decimal.Decimal
}

// TelegramNotifier pushes Events to a single Telegram chat. Grounded on
// bot/telegram.go's TelegramBot, trimmed to the one-way notification
// surface KSS needs (no inbound command handling).
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier builds a notifier, or returns (nil, nil) when token
// is empty — the optional-sink pattern the caller is expected to
// nil-check before use.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

// Notify sends a one-line lifecycle update. Errors are logged, never
// returned — a notification failure must never affect session state.
func (n *TelegramNotifier) Notify(ev Event) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("[kss] session %d (%s): %s | %s", ev.SessionID, ev.Symbol, ev.Status, ev.Message)
	if !ev.UnrealizedPnL.IsZero() {
		sign := "+"
		if ev.UnrealizedPnL.IsNegative() {
			sign = ""
		}
		text += fmt.Sprintf(" | P&L: %s%s", sign, ev.UnrealizedPnL.StringFixed(2))
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Int64("session_id", ev.SessionID).Msg("telegram notify failed")
	}
}

// EventFromResult builds an Event from a manager call's result, using the
// session's live snapshot for symbol/status.
func EventFromResult(snap kss.Snapshot, result *kss.Result) Event {
	msg := result.Message
	if msg == "" {
		msg = string(result.Action)
	}
	return Event{
		SessionID:     snap.ID,
		Symbol:        snap.Symbol,
		Status:        snap.Status,
		Message:       msg,
		UnrealizedPnL: snap.UnrealizedPnL,
	}
}
