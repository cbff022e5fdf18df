package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/kss/gateway"
	"github.com/paperdesk/kss/internal/config"
	"github.com/paperdesk/kss/kss"
	"github.com/paperdesk/kss/notify"
	"github.com/paperdesk/kss/storage"
)

const version = "v1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", version).Msg("kss: starting pyramid dca session engine")

	repo, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("repository init failed")
	}

	defaultInfo := kss.ExchangeInfo{
		MinQty:   cfg.DefaultMinQty,
		StepSize: cfg.DefaultStepSize,
		MaxQty:   cfg.DefaultMaxQty,
	}

	manager := kss.NewSessionManager(repo, nil, nil, nil, cfg.PipMultiplier, defaultInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}

	hooks := kss.NewHooks(manager)

	notifier, err := notify.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifier disabled")
	}
	manager.SetEventHook(func(snap kss.Snapshot, result *kss.Result) {
		notifier.Notify(notify.EventFromResult(snap, result))
	})

	paperGateway := gateway.NewPaperGateway(hooks, func(symbol string) decimal.Decimal {
		// No live market-price feed is wired, so MARKET orders (TP sells)
		// get no price here and the paper gateway does not fill them.
		return decimal.Zero
	}, 0, 0)
	manager.SetGateway(paperGateway)

	sweeper := kss.NewSweeper(manager, cfg.SweepInterval)
	go sweeper.Run(ctx)

	if notifier != nil {
		log.Info().Msg("kss: telegram notifier enabled")
	}

	demoSession(ctx, manager)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("kss: shutting down")
	cancel()
}

// demoSession creates and starts a single pyramid session so the process
// exercises the full wave cycle end-to-end in the absence of a real HTTP
// API surface (out of scope per §1).
func demoSession(ctx context.Context, manager *kss.SessionManager) {
	session, err := manager.CreateSession(ctx, kss.Params{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(50000),
		DistancePct:  decimal.NewFromInt(2),
		TPPct:        decimal.NewFromInt(3),
		MaxWaves:     10,
		IsolatedFund: decimal.NewFromInt(1000),
		TimeoutXMin:  decimal.NewFromInt(30),
		GapYMin:      decimal.NewFromInt(5),
		CreatedBy:    "kssd",
	})
	if err != nil {
		log.Error().Err(err).Msg("kss: demo session creation failed")
		return
	}

	if _, err := manager.Start(ctx, session.ID); err != nil {
		log.Error().Err(err).Int64("session_id", session.ID).Msg("kss: demo session start failed")
	}
}
