package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel pushes escalations and health changes to an allowlist of
// chats, and answers a small set of operator commands.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      store,
		eventBus:   eventBus,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.watchEvents(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// watchEvents forwards escalations, breaker opens, and degradation changes
// to every allowed chat.
func (t *TelegramChannel) watchEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			text := formatEvent(ev)
			if text == "" {
				continue
			}
			t.broadcast(text)
		}
	}
}

// formatEvent renders an event for operators. It returns "" for events that
// do not warrant a notification.
func formatEvent(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicTaskEscalated:
		e, ok := ev.Payload.(bus.TaskEscalatedEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⚠️ Task %s escalated to %s\nReasons: %s",
			e.TaskID, e.Lane, strings.Join(e.Reasons, ", "))
	case bus.TopicBreakerStateChanged:
		e, ok := ev.Payload.(bus.BreakerEvent)
		if !ok || e.To != "open" {
			return ""
		}
		return fmt.Sprintf("🔴 Circuit breaker opened for executor %s", e.Executor)
	case bus.TopicDegradationChanged:
		e, ok := ev.Payload.(bus.DegradationEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Degradation level: %s → %s (%s)", e.From, e.To, e.Reason)
	default:
		return ""
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if _, allowed := t.allowedIDs[msg.Chat.ID]; !allowed {
		t.logger.Warn("telegram message from unauthorized chat", "chat_id", msg.Chat.ID)
		return
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
	switch cmd {
	case "/status":
		t.reply(msg.Chat.ID, t.statusText(ctx))
	case "/requeue":
		t.reply(msg.Chat.ID, t.requeue(ctx, strings.TrimSpace(arg)))
	default:
		t.reply(msg.Chat.ID, "Commands: /status, /requeue <task_id>")
	}
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	counts, err := t.store.StatusCounts(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %s", err)
	}
	var b strings.Builder
	b.WriteString("Task board:\n")
	for _, status := range []persistence.TaskStatus{
		persistence.TaskBacklog, persistence.TaskReady, persistence.TaskInProgress,
		persistence.TaskBlocked, persistence.TaskDone, persistence.TaskFailed,
		persistence.TaskNeedsSplit,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", status, n)
		}
	}
	if b.Len() == len("Task board:\n") {
		return "Task board is empty."
	}
	return b.String()
}

// requeue puts a failed task back in line for another attempt.
func (t *TelegramChannel) requeue(ctx context.Context, taskID string) string {
	if taskID == "" {
		return "Usage: /requeue <task_id>"
	}
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Sprintf("Task %s not found.", taskID)
	}
	if task.Status != persistence.TaskFailed {
		return fmt.Sprintf("Task %s is %s; only failed tasks can be requeued.", taskID, task.Status)
	}
	if task.Lane == persistence.LaneQuarantine || task.Lane == persistence.LaneDLQ {
		if err := t.store.SetLane(ctx, taskID, persistence.LaneMain, "operator requeue"); err != nil {
			return fmt.Sprintf("Requeue failed: %s", err)
		}
	}
	if _, err := t.store.TransitionTask(ctx, taskID, persistence.TaskReady, "operator requeue"); err != nil {
		return fmt.Sprintf("Requeue failed: %s", err)
	}
	return fmt.Sprintf("Task %s requeued.", taskID)
}

func (t *TelegramChannel) broadcast(text string) {
	for chatID := range t.allowedIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}
