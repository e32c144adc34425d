// Package bot is the Telegram operator console: a thin request/response
// surface over the grid engine plus the notification sink for fill events.
package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/gridbot/internal/config"
	"github.com/web3guy0/gridbot/internal/database"
	"github.com/web3guy0/gridbot/internal/engine"
)

// Bot handles Telegram interactions for the grid trading system
type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    *config.Config
	db     *database.Database
	engine *engine.Engine
	stopCh chan struct{}
}

// New creates the console and wires the engine's notifications to the
// configured chat.
func New(cfg *config.Config, db *database.Database, eng *engine.Engine) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	bot := &Bot{
		api:    api,
		cfg:    cfg,
		db:     db,
		engine: eng,
		stopCh: make(chan struct{}),
	}

	if cfg.TelegramChatID != 0 {
		eng.SetNotifier(func(message string) {
			bot.sendText(cfg.TelegramChatID, message)
		})
	}

	return bot, nil
}

// Start begins the bot's command listener
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.cfg.TelegramChatID != 0 {
		b.sendText(b.cfg.TelegramChatID, "🤖 Grid bot online. Use /help for commands.")
	}
}

// Stop stops the bot
func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Only the configured operator may drive the engine.
	if b.cfg.TelegramChatID != 0 && chatID != b.cfg.TelegramChatID {
		log.Warn().Int64("chat_id", chatID).Msg("Ignoring message from unknown chat")
		return
	}

	log.Debug().Int64("chat_id", chatID).Str("text", msg.Text).Msg("Received message")

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID)
	case "grid":
		b.cmdGrid(chatID, msg.CommandArguments())
	case "stop":
		b.cmdStop(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "report":
		b.cmdReport(chatID, msg.CommandArguments())
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

// Commands

func (b *Bot) cmdHelp(chatID int64) {
	help := `📖 *Grid bot commands*

/grid <market> <min> <max> <interval> <amount> <profit>
    Start a grid, e.g. ` + "`/grid KRW-USDT 1400 1500 20 5 5`" + `
/stop — stop the running grid
/status — engine snapshot
/report [n] — last n closed contracts (default 10)
/help — this message`
	b.sendMarkdown(chatID, help)
}

func (b *Bot) cmdGrid(chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) != 6 {
		b.sendText(chatID, "Usage: /grid <market> <min> <max> <interval> <amount> <profit>")
		return
	}

	values := make([]decimal.Decimal, 5)
	for i, f := range fields[1:] {
		v, err := decimal.NewFromString(f)
		if err != nil {
			b.sendText(chatID, fmt.Sprintf("❌ Invalid number %q", f))
			return
		}
		values[i] = v
	}

	cfg := &engine.GridConfig{
		Market:         strings.ToUpper(fields[0]),
		MinPrice:       values[0],
		MaxPrice:       values[1],
		GridInterval:   values[2],
		AmountPerGrid:  values[3],
		ProfitInterval: values[4],
	}
	if err := cfg.Validate(); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ %v", err))
		return
	}

	check, err := b.engine.ValidateBalance(cfg)
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Funds check failed: %v", err))
		return
	}
	b.sendText(chatID, check.Message)
	if !check.Valid {
		return
	}

	if err := b.engine.Start(cfg); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Start refused: %v", err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("🚀 Grid started on %s (%d levels).",
		cfg.Market, len(cfg.Lines())))
}

func (b *Bot) cmdStop(chatID int64) {
	if !b.engine.Running() {
		b.sendText(chatID, "Engine is not running.")
		return
	}
	b.engine.Stop()
	b.sendText(chatID, "🛑 Stop requested. In-flight orders will settle.")
}

func (b *Bot) cmdStatus(chatID int64) {
	status, err := b.engine.Status()
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Status failed: %v", err))
		return
	}

	running := "stopped"
	if status.Running {
		running = "running"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 *Status*\n")
	fmt.Fprintf(&sb, "- Engine: %s\n", running)
	if status.Market != "" {
		fmt.Fprintf(&sb, "- Market: %s\n", status.Market)
		fmt.Fprintf(&sb, "- Price: %s\n", status.CurrentPrice.String())
	}
	fmt.Fprintf(&sb, "- Active contracts: %d\n", status.ActiveContracts)
	fmt.Fprintf(&sb, "- Pending buys: %d\n", len(status.PendingBuys))
	if len(status.PendingBuys) > 0 {
		prices := make([]string, len(status.PendingBuys))
		for i, p := range status.PendingBuys {
			prices[i] = p.String()
		}
		fmt.Fprintf(&sb, "- Buy levels: %s\n", strings.Join(prices, ", "))
	}
	fmt.Fprintf(&sb, "- Unrealized PnL: %s\n", status.UnrealizedPnL.StringFixed(2))
	fmt.Fprintf(&sb, "- Realized profit: %s", status.RealizedProfit.StringFixed(2))
	b.sendMarkdown(chatID, sb.String())
}

func (b *Bot) cmdReport(chatID int64, args string) {
	limit := 10
	if n := strings.TrimSpace(args); n != "" {
		fmt.Sscanf(n, "%d", &limit)
	}
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	closed, err := b.db.RecentClosed(limit)
	if err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Report failed: %v", err))
		return
	}
	if len(closed) == 0 {
		b.sendText(chatID, "No closed contracts yet.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📒 *Last %d closed contracts*\n", len(closed))
	total := decimal.Zero
	for _, c := range closed {
		fmt.Fprintf(&sb, "#%d  buy %s → sell %s  profit %s\n",
			c.ID, c.BuyPrice.String(), c.SellPrice.String(), c.Profit.StringFixed(2))
		total = total.Add(c.Profit)
	}
	fmt.Fprintf(&sb, "Total: %s", total.StringFixed(2))
	b.sendMarkdown(chatID, sb.String())
}

// Senders

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
