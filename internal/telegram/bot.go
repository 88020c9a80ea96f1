package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/status"
)

// Bot alerts a chat about failed tasks and answers /status.
type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	status  *status.Aggregator
	cfg     config.TelegramConfig
	sub     *nats.Subscription
	cancel  context.CancelFunc

	mu        sync.RWMutex
	allowFrom []int64
}

func NewBot(cfg config.TelegramConfig, agg *status.Aggregator) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, status: agg, cfg: cfg, allowFrom: cfg.AllowFrom}, nil
}

// SetAllowFrom replaces the user ids allowed to talk to the bot.
func (b *Bot) SetAllowFrom(ids []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowFrom = slices.Clone(ids)
}

// Watch subscribes to task events and forwards failures to the configured
// chat. Nothing is sent when no chat is configured.
func (b *Bot) Watch(ctx context.Context, client *natsbus.Client) error {
	if b.cfg.ChatID == 0 {
		slog.Info("telegram alerts disabled, no chat configured")
		return nil
	}
	sub, err := client.Subscribe(natsbus.TopicEventsTasks, func(msg *nats.Msg) {
		var ev natsbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		if !alertable(ev) {
			return
		}
		if err := b.SendMessage(ctx, b.cfg.ChatID, formatFailure(ev)); err != nil {
			slog.Error("failed to send telegram alert", "task", ev.TaskID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe task events: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleStatus(ctx, message)
		return nil
	}, th.CommandEqual("status"))

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		if b.allowed(message) {
			_ = b.SendMessage(ctx, message.Chat.ID, "Send /status for a pool summary. Failed tasks are reported here automatically.")
		}
		return nil
	}, th.AnyCommand())

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) allowed(msg telego.Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.allowFrom) == 0 {
		return true
	}
	if msg.From == nil || !slices.Contains(b.allowFrom, msg.From.ID) {
		slog.Warn("unauthorized telegram user", "chat_id", msg.Chat.ID)
		return false
	}
	return true
}

func (b *Bot) handleStatus(ctx context.Context, msg telego.Message) {
	if !b.allowed(msg) {
		return
	}
	snap, err := b.status.Snapshot(ctx)
	if err != nil {
		slog.Error("status snapshot failed", "error", err)
		_ = b.SendMessage(ctx, msg.Chat.ID, "Sorry, the pool status is unavailable right now.")
		return
	}
	if err := b.SendMessage(ctx, msg.Chat.ID, formatStatus(snap)); err != nil {
		slog.Error("failed to send telegram message", "chat", msg.Chat.ID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
