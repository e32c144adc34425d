package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/gridbot/internal/bot"
	"github.com/web3guy0/gridbot/internal/config"
	"github.com/web3guy0/gridbot/internal/database"
	"github.com/web3guy0/gridbot/internal/engine"
	"github.com/web3guy0/gridbot/internal/upbit"
)

func main() {
	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("Starting Upbit grid trading system")

	// Ledger
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	// Exchange adapter
	exchange := upbit.NewClient(cfg.UpbitAccessKey, cfg.UpbitSecretKey)

	// Grid engine
	eng := engine.New(exchange, db)

	// Recover persisted state before accepting any command.
	if err := eng.Recover(); err != nil {
		log.Error().Err(err).Msg("State recovery failed, manual check may be needed")
	}

	// Keep the ticker stream warm for the recovered market so the engine
	// reads prices from cache instead of REST.
	var stream *upbit.Stream
	if gridCfg := eng.Config(); gridCfg != nil {
		stream = upbit.NewStream(gridCfg.Market)
		exchange.UseStream(stream)
		stream.Start()
	}

	// Operator console
	console, err := bot.New(cfg, db, eng)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start Telegram bot")
	}
	console.Start()

	log.Info().Msg("🚀 All systems running")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down")
	eng.Stop()
	console.Stop()
	if stream != nil {
		stream.Stop()
	}
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Database close failed")
	}
	log.Info().Msg("👋 Goodbye")
}
