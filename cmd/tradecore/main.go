package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantavia/tradecore/params"
	"github.com/quantavia/tradecore/pkg/api"
	"github.com/quantavia/tradecore/pkg/events"
	"github.com/quantavia/tradecore/pkg/risk"
	"github.com/quantavia/tradecore/pkg/storage"
	"github.com/quantavia/tradecore/pkg/trading"
	"github.com/quantavia/tradecore/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("storage_init_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	// ---- Event Delivery ----
	dispatcher := events.NewDispatcher(events.Config{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		BaseDelay:      cfg.Delivery.BaseDelay,
		RequestTimeout: cfg.Delivery.RequestTimeout,
		RatePerSecond:  cfg.Delivery.RatePerSecond,
		HistorySize:    cfg.Delivery.EventHistory,
	}, sugar)
	dispatcher.Store = store

	// Seed the webhook registry from disk so subscriptions survive
	// restarts.
	active, archived, err := store.LoadWebhooks()
	if err != nil {
		sugar.Fatalw("webhook_load_failed", "err", err)
	}
	dispatcher.LoadWebhooks(active, archived)
	sugar.Infow("webhooks_loaded", "active", len(active), "archived", len(archived))

	// Event history is persisted newest-first; replay it oldest-first so
	// the in-memory ring keeps chronological order.
	recent, err := store.LoadRecentEvents(cfg.Delivery.EventHistory)
	if err != nil {
		sugar.Fatalw("event_history_load_failed", "err", err)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	dispatcher.LoadHistory(recent)

	// ---- Risk Engine ----
	engine := risk.NewEngine(risk.Config{
		MaxPositionSize:    cfg.Risk.MaxPositionSize,
		MaxDailyLoss:       cfg.Risk.MaxDailyLoss,
		DailyLossBuffer:    cfg.Risk.DailyLossBuffer,
		ConcentrationLimit: cfg.Risk.ConcentrationLimit,
		VolatilityLimit:    cfg.Risk.VolatilityLimit,
		ApprovalThreshold:  cfg.Risk.ApprovalThreshold,
		HistorySize:        cfg.Risk.AssessmentHistory,
	}, dispatcher, sugar)

	// ---- Trading Core ----
	core := trading.NewCore(trading.Config{
		InitialBalance: cfg.Trading.InitialBalance,
	}, engine, dispatcher, sugar)
	core.Store = store

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(core, engine, dispatcher)

	// Stream every published event to connected websocket clients.
	dispatcher.OnEvent = apiServer.EventHub().BroadcastEvent

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"initial_balance", cfg.Trading.InitialBalance,
		"max_position_size", cfg.Risk.MaxPositionSize,
		"max_daily_loss", cfg.Risk.MaxDailyLoss)

	<-ctx.Done()
	sugar.Info("shutting down")
}
