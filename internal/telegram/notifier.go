package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gophercall/internal/types"
	"github.com/user/gophercall/internal/voice"
)

const maxTelegramMessage = 4096

const recentCallsShown = 10

// StatusSource reports engine status for the /status command.
type StatusSource interface {
	Status() voice.ServiceStatus
}

// Notifier pushes call notifications to one Telegram chat and answers a
// small set of operator commands from it. Any other chat is ignored.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	svc    StatusSource
	calls  types.CallStore
}

// New creates a Notifier bound to the chat that may command it.
func New(token string, chatID int64, svc StatusSource, calls types.CallStore) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{
		bot:    bot,
		chatID: chatID,
		svc:    svc,
		calls:  calls,
	}, nil
}

// Notify is a delivery handler for "telegram:" targets. A chat id after the
// prefix overrides the configured one.
func (n *Notifier) Notify(target, message string) error {
	n.send(parseTarget(target, n.chatID), message)
	return nil
}

// Start begins long-polling for operator commands.
func (n *Notifier) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := n.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			n.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			return
		}
	}
}

func (n *Notifier) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.ID != n.chatID {
		slog.Warn("ignoring telegram message from unconfigured chat", "chat_id", msg.Chat.ID)
		return
	}
	if !msg.IsCommand() {
		n.send(n.chatID, "I only take commands here: /status, /calls")
		return
	}

	switch msg.Command() {
	case "start":
		n.send(n.chatID, "Hello! I watch your voice calls. I'll post here when calls start and end; ask me /status or /calls any time.")

	case "status":
		n.send(n.chatID, formatStatus(n.svc.Status()))

	case "calls":
		recs, err := n.calls.List(ctx)
		if err != nil {
			n.send(n.chatID, "Error fetching calls.")
			return
		}
		n.send(n.chatID, formatCalls(recs))

	default:
		n.send(n.chatID, "Unknown command. Available: /status, /calls")
	}
}

func (n *Notifier) send(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := n.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := n.bot.Send(msg); err != nil {
				slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// parseTarget extracts the chat id from a "telegram:<id>" target, falling
// back when the id is absent or unreadable.
func parseTarget(target string, fallback int64) int64 {
	rest := strings.TrimPrefix(target, "telegram:")
	if rest == "" {
		return fallback
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return fallback
	}
	return id
}

func formatStatus(st voice.ServiceStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connection: %s", st.Connection.Status)
	if st.Connection.UserID != "" {
		fmt.Fprintf(&b, " (%s)", st.Connection.UserID)
	}
	if st.Connection.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", st.Connection.LastError)
	}
	fmt.Fprintf(&b, "\nActive calls: %d", len(st.Calls))
	for _, c := range st.Calls {
		fmt.Fprintf(&b, "\n- %s (%s), %d turns", c.CallID, c.Source, c.Turns)
		if c.Waiting {
			b.WriteString(", reply in flight")
		}
	}
	return b.String()
}

func formatCalls(recs []*types.CallRecord) string {
	if len(recs) == 0 {
		return "No calls yet."
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	if len(recs) > recentCallsShown {
		recs = recs[:recentCallsShown]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent calls (%d):", len(recs))
	for _, r := range recs {
		fmt.Fprintf(&b, "\n- %s (%s) %s", r.CallID, r.Source, r.Status)
		if r.Status == "ended" {
			fmt.Fprintf(&b, ", %ds, %d turns", r.DurationSeconds, r.Turns)
		}
	}
	return b.String()
}
