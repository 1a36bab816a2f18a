// Package notify forwards operator-relevant events to a Telegram chat.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"cleandispatch/internal/config"
	"cleandispatch/internal/domain"
	"cleandispatch/internal/events"
	"cleandispatch/internal/logging"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// NewTelegramSender connects to the Bot API with the configured token.
func NewTelegramSender(cfg config.TelegramConfig) (domain.TelegramSender, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

// TelegramNotifier posts dead-lettered repairs and closed jobs to the
// operator chat.
type TelegramNotifier struct {
	sender domain.TelegramSender
	chatID int64
	logger *zerolog.Logger
}

func NewTelegramNotifier(sender domain.TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		sender: sender,
		chatID: chatID,
		logger: logging.Component(logger, "notify"),
	}
}

// Attach subscribes the notifier to the bus.
func (n *TelegramNotifier) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventRepairFailed, n.onRepairFailed)
	bus.Subscribe(events.EventJobClosed, n.onJobClosed)
}

func (n *TelegramNotifier) onRepairFailed(ev *events.Event) error {
	var p events.RepairEventPayload
	if err := ev.Decode(&p); err != nil {
		n.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to decode event")
		return nil
	}
	return n.send(formatRepairFailed(p))
}

func (n *TelegramNotifier) onJobClosed(ev *events.Event) error {
	var p events.BookingEventPayload
	if err := ev.Decode(&p); err != nil {
		n.logger.Error().Err(err).Str("event", ev.Type).Msg("Failed to decode event")
		return nil
	}
	return n.send(formatJobClosed(p))
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.sender.Send(msg); err != nil {
		n.logger.Error().Err(err).Int64("chat_id", n.chatID).Msg("Telegram send failed")
		return err
	}
	return nil
}

func formatRepairFailed(p events.RepairEventPayload) string {
	var b strings.Builder
	b.WriteString("Repair gave up after ")
	fmt.Fprintf(&b, "%d attempt(s)\n", p.Attempts)
	fmt.Fprintf(&b, "Write: %s (%s)\n", p.WriteID, p.Kind)
	if p.BookingID != "" {
		fmt.Fprintf(&b, "Booking: %s\n", p.BookingID)
	}
	if p.ProviderID != "" {
		fmt.Fprintf(&b, "Provider: %s\n", p.ProviderID)
	}
	fmt.Fprintf(&b, "Error: %s", p.Error)
	return b.String()
}

func formatJobClosed(p events.BookingEventPayload) string {
	customer := p.CustomerName
	if customer == "" {
		customer = p.CustomerID
	}
	provider := p.ProviderName
	if provider == "" {
		provider = p.ProviderID
	}

	text := fmt.Sprintf("Job %s closed: %s for %s", p.BookingID, provider, customer)
	if p.Amount != nil {
		text += fmt.Sprintf(", paid %.2f", *p.Amount)
	} else {
		text += ", unpaid"
	}
	if p.Score > 0 {
		text += fmt.Sprintf(", rated %d/5", p.Score)
	}
	return text
}
