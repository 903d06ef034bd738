// Package telegram is the chat transport: it delivers change notifications
// and alerts to one configured chat and turns that chat's commands into
// monitor calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

const (
	pollTimeout  = 30 // seconds, long polling
	checkTimeout = 5 * time.Minute

	// Origin tags checks requested from the chat. Their result is the reply,
	// so the matching change event is not sent again.
	Origin = "telegram"
)

// Controller is the monitor surface the bot drives.
type Controller interface {
	Check(ctx context.Context) (monitor.CheckResult, error)
	Pause()
	Resume()
	State() monitor.State
	Status() monitor.Status
	Snapshot() (grades.Snapshot, bool)
}

type LogSource interface {
	Lines(n int) []string
}

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type command struct {
	name, description string
}

var commands = []command{
	{"start", "resume monitoring"},
	{"stop", "pause monitoring"},
	{"check", "check grades now"},
	{"status", "monitoring status"},
	{"grades", "last saved grades"},
	{"logs", "recent log lines"},
	{"help", "list commands"},
}

var keyboard = tgbotapi.NewInlineKeyboardMarkup(
	tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("▶️ Start", "start"),
		tgbotapi.NewInlineKeyboardButtonData("⏸ Stop", "stop"),
	),
	tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🔍 Check", "check"),
		tgbotapi.NewInlineKeyboardButtonData("📊 Status", "status"),
	),
	tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("📚 Grades", "grades"),
		tgbotapi.NewInlineKeyboardButtonData("📜 Logs", "logs"),
	),
)

// Bot serves a single chat. It implements monitor.Sink.
type Bot struct {
	api      botAPI
	chatID   int64
	ctl      Controller
	logs     LogSource
	logLines int
	now      func() time.Time
}

func New(cfg config.TelegramConfig, ctl Controller, logs LogSource, logLines int) (*Bot, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram: token and chat id required")
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connecting: %w", err)
	}
	log.Printf("[telegram] authorized as @%s", api.Self.UserName)
	return newBot(api, cfg.ChatID, ctl, logs, logLines), nil
}

func newBot(api botAPI, chatID int64, ctl Controller, logs LogSource, logLines int) *Bot {
	if logLines <= 0 {
		logLines = 20
	}
	return &Bot{api: api, chatID: chatID, ctl: ctl, logs: logs, logLines: logLines, now: time.Now}
}

// Run handles updates until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	b.registerCommands()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)
	log.Printf("[telegram] listening for commands from chat %d", b.chatID)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Println("[telegram] stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) registerCommands() {
	bc := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		bc = append(bc, tgbotapi.BotCommand{Command: c.name, Description: c.description})
	}
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(bc...)); err != nil {
		log.Printf("[telegram] registering commands: %v", err)
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		q := upd.CallbackQuery
		if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			log.Printf("[telegram] answering callback: %v", err)
		}
		if q.Message == nil || q.Message.Chat == nil || !b.allowed(q.Message.Chat.ID) {
			return
		}
		b.dispatch(ctx, q.Data)
	case upd.Message != nil && upd.Message.IsCommand():
		if upd.Message.Chat == nil || !b.allowed(upd.Message.Chat.ID) {
			return
		}
		b.dispatch(ctx, upd.Message.Command())
	}
}

func (b *Bot) allowed(chatID int64) bool {
	if chatID != b.chatID {
		log.Printf("[telegram] ignoring command from unknown chat %d", chatID)
		return false
	}
	return true
}

func (b *Bot) dispatch(ctx context.Context, cmd string) {
	log.Printf("[telegram] command /%s", cmd)
	switch cmd {
	case "start":
		b.ctl.Resume()
		b.reply("▶️ Monitoring started.", true)
	case "stop":
		b.ctl.Pause()
		b.reply("⏸ Monitoring stopped.", true)
	case "status":
		b.reply(formatStatus(b.ctl.Status(), b.now()), true)
	case "grades":
		b.reply(formatGrades(b.ctl.Snapshot()), false)
	case "logs":
		var lines []string
		if b.logs != nil {
			lines = b.logs.Lines(b.logLines)
		}
		b.reply(formatLogs(lines), false)
	case "check":
		if b.ctl.State() == monitor.Paused {
			b.reply("Monitoring is paused. Send /start first.", true)
			return
		}
		b.reply("🔍 Checking grades…", false)
		// The update loop keeps serving while the portal is slow.
		go b.runCheck(ctx)
	case "help":
		b.reply(helpText, true)
	default:
		b.reply(fmt.Sprintf("Unknown command /%s.\n\n%s", esc(cmd), helpText), false)
	}
}

func (b *Bot) runCheck(ctx context.Context) {
	ctx, cancel := context.WithTimeout(monitor.WithOrigin(ctx, Origin), checkTimeout)
	defer cancel()
	res, err := b.ctl.Check(ctx)
	switch {
	case errors.Is(err, monitor.ErrPaused):
		b.reply("Monitoring is paused. Send /start first.", true)
	case err != nil:
		b.reply("❌ Check failed: <code>"+esc(err.Error())+"</code>", false)
	default:
		b.reply(formatCheck(res), false)
	}
}

func (b *Bot) NotifyChanges(_ context.Context, ev monitor.ChangeEvent) error {
	if ev.Origin == Origin {
		return nil
	}
	return b.send(formatChanges(ev), false)
}

func (b *Bot) Alert(_ context.Context, a monitor.Alert) error {
	return b.send(formatAlert(a), a.Kind == monitor.AlertPaused)
}

func (b *Bot) reply(text string, withKeyboard bool) {
	if err := b.send(text, withKeyboard); err != nil {
		log.Printf("[telegram] reply failed: %v", err)
	}
}

// send delivers text in as many messages as needed; the keyboard rides on
// the last one.
func (b *Bot) send(text string, withKeyboard bool) error {
	chunks := splitMessage(text, maxMessageLen)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(b.chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		if withKeyboard && i == len(chunks)-1 {
			msg.ReplyMarkup = keyboard
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}
	return nil
}
