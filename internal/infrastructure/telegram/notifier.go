package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/maxbeyer1/reddit-monitor/internal/acklink"
	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

// Notifier sends items to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	endpoint string
	links    acklink.Builder
	client   *http.Client
	now      func() time.Time

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier. An empty endpoint
// targets api.telegram.org.
func NewNotifier(botToken, chatID, endpoint string, links acklink.Builder) *Notifier {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		endpoint: endpoint,
		links:    links,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// Name identifies the channel in logs and metrics.
func (n *Notifier) Name() string {
	return "telegram"
}

// Send posts the item with inline URL buttons.
func (n *Notifier) Send(ctx context.Context, item domain.Item, token string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}
	chatID, err := strconv.ParseInt(n.chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", n.chatID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bot, err := n.api()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, item.Headline()+"\n\n"+item.Summary(n.now()))
	msg.DisableWebPagePreview = true

	var buttons []tgbotapi.InlineKeyboardButton
	if ack := n.links.URL(token); ack != "" {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL("Acknowledge", ack))
	}
	if link := item.Link(); link != "" {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL("Open post", link))
	}
	if len(buttons) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
	}

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// api connects on first use and keeps the client once getMe succeeded.
func (n *Notifier) api() (*tgbotapi.BotAPI, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bot != nil {
		return n.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(n.botToken, n.endpoint, n.client)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	n.bot = bot
	return bot, nil
}
