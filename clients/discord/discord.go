package discord

import (
	"fmt"
	"strings"
	"time"

	"mirrorbot/clients/notifier"
	"mirrorbot/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordClient sends alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   *discordgo.Session
	channelID string
	isProd    bool
}

func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	channelID := cfg.Discord.BetaChannelID
	if cfg.IsProd {
		channelID = cfg.Discord.ProdChannelID
	}

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
			isProd:    cfg.IsProd,
		}
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
			isProd:    cfg.IsProd,
		}
	}

	logger.Info("discord bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("channelID", channelID),
	)

	return &DiscordClient{
		logger:    logger,
		session:   session,
		channelID: channelID,
		isProd:    cfg.IsProd,
	}
}

// SendMessage sends a plain text message.
func (dc *DiscordClient) SendMessage(message string) {
	if dc.session == nil {
		dc.logger.Warn("discord session not initialized, skipping message")
		return
	}

	_, err := dc.session.ChannelMessageSend(dc.channelID, message)
	if err != nil {
		dc.logger.Error("failed to send discord message", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord message")
}

// Send sends a rich embedded alert for one event.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) Send(event notifier.Event) {
	if dc.session == nil {
		dc.logger.Warn("discord session not initialized, skipping alert")
		return
	}

	embed := dc.buildEmbed(event)

	_, err := dc.session.ChannelMessageSendEmbed(dc.channelID, embed)
	if err != nil {
		dc.logger.Error("failed to send discord embed", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord alert",
		zap.String("kind", string(event.Kind)),
		zap.String("strategy", event.StrategyID),
		zap.String("asset", event.Asset),
	)
}

func (dc *DiscordClient) buildEmbed(event notifier.Event) *discordgo.MessageEmbed {
	title, color := eventTitle(event)

	var fields []*discordgo.MessageEmbedField
	addField := func(name, value string) {
		if value == "" {
			return
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   name,
			Value:  value,
			Inline: true,
		})
	}

	if event.StrategyID != "" {
		addField("Strategy", event.StrategyID)
	}
	if event.Wallet != "" {
		addField("Wallet", shortAddress(event.Wallet))
	}
	if event.Asset != "" {
		addField("Asset", event.Asset)
	}
	if event.Action != "" {
		actionEmoji := "🟢"
		if strings.ToUpper(event.Action) == "SELL" {
			actionEmoji = "🔴"
		}
		addField("Action", fmt.Sprintf("%s %s", actionEmoji, event.Action))
	}
	if event.ValueUSD != 0 {
		addField("Value", fmt.Sprintf("$%.2f", event.ValueUSD))
	}
	if event.InstID != "" {
		orderStr := fmt.Sprintf("%s %s", event.Side, event.Size)
		if event.PosSide != "" {
			orderStr += " (" + event.PosSide + ")"
		}
		if event.ReduceOnly {
			orderStr += " reduce-only"
		}
		addField("Order", orderStr)
		addField("Instrument", event.InstID)
	}
	if event.Leverage > 0 {
		addField("Leverage", fmt.Sprintf("%dx", event.Leverage))
	}
	if event.OrderID != "" {
		addField("Order ID", event.OrderID)
	}
	if event.LiqPrice != 0 {
		addField("Liq Price", fmt.Sprintf("$%.4f", event.LiqPrice))
		addField("Mark Price", fmt.Sprintf("$%.4f", event.MarkPrice))
		addField("Distance", fmt.Sprintf("%.1f%%", event.ProximityPct))
	}
	if event.PositionValue != 0 {
		addField("Position", fmt.Sprintf("$%.2f", event.PositionValue))
	}

	description := ""
	if event.Reason != "" {
		description = event.Reason
	}

	pst, _ := time.LoadLocation("America/Los_Angeles")
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	footerText := fmt.Sprintf("mirrorbot * %s", ts.In(pst).Format("1/2/2006, 3:04:05PM (MST)"))

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: footerText,
		},
		Timestamp: ts.Format(time.RFC3339),
	}
}

func eventTitle(event notifier.Event) (string, int) {
	const (
		green  = 0x2ECC71
		red    = 0xE74C3C
		orange = 0xE67E22
		gray   = 0x95A5A6
		blue   = 0x3498DB
	)

	switch event.Kind {
	case notifier.EventSignalDetected:
		if strings.ToUpper(event.Action) == "SELL" {
			return "📡 Sell Signal Detected", red
		}
		return "📡 Buy Signal Detected", green
	case notifier.EventOrderExecuted:
		return "✅ Order Executed", green
	case notifier.EventOrderFailed:
		return "❌ Order Failed", red
	case notifier.EventOrderSkipped:
		return "⏭️ Signal Skipped", gray
	case notifier.EventLiquidationWarn:
		return "⚠️ Liquidation Warning", orange
	case notifier.EventLiquidationClose:
		return "🚨 Emergency Close", red
	case notifier.EventCloseFailed:
		return "🆘 EMERGENCY CLOSE FAILED - MANUAL ACTION REQUIRED", red
	case notifier.EventStrategyStopped:
		return "🛑 Strategy Stopped", orange
	}
	return "📣 Alert", blue
}

func shortAddress(addr string) string {
	if len(addr) <= 14 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-6:]
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
