package clients

import (
	"mirrorbot/clients/discord"
	"mirrorbot/clients/notifier"
	"mirrorbot/clients/okx"
	"mirrorbot/clients/walletdata"
	"mirrorbot/config"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Discord    *discord.DiscordClient
	Notifier   notifier.Notifier // Combined notifier for all channels
	WalletData *walletdata.Client
	Exchange   *okx.Client
	Tickers    *okx.TickerFeed
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	discordClient := discord.NewDiscordClient(logger, cfg)

	// Create combined notifier for all channels
	multiNotifier := notifier.NewMultiNotifier(discordClient)

	c := &Clients{
		Logger:     logger,
		Discord:    discordClient,
		Notifier:   multiNotifier,
		WalletData: walletdata.NewClient(logger, cfg),
		Exchange:   okx.NewClient(logger, cfg),
	}

	// Only dial the market data feed when a websocket endpoint is configured
	if cfg.OKX.WSURL != "" {
		c.Tickers = okx.NewTickerFeed(logger, cfg)
	}

	return c
}
