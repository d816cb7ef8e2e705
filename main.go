package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go-media-bot/bot"
	"go-media-bot/config"
	"go-media-bot/downloader"
	"go-media-bot/store"
)

func main() {
	// Load and validate configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Additional validation
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("Configuration loaded (API ID: %d, token: %s, log level: %s)",
		cfg.APIID, maskString(cfg.Token), cfg.LogLevel)

	zapLogger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Logger setup failed: %v", err)
	}
	defer zapLogger.Sync()

	// Pipeline state database
	st, err := store.Open(cfg.DBPath, zapLogger)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer st.Close()

	// The Telegram client connects first so the pipeline can report to
	// users from the moment it accepts work
	telegramBot, err := bot.NewTelegramBot(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	if err := telegramBot.Start(); err != nil {
		log.Fatalf("Failed to start bot: %v", err)
	}
	defer telegramBot.Stop()

	ctx := context.Background()

	notifier := downloader.NewTelegramNotifier(telegramBot.API(), zapLogger)

	cache := downloader.NewMetadataCache(cfg.CacheTTL, cfg.CacheSweepInterval, cfg.CacheCapacity, zapLogger)
	cache.Start(ctx)
	defer cache.Stop()

	limiter := downloader.NewUserRateLimiter(
		cfg.SubmissionsPerWindow, cfg.SubmissionWindow,
		cfg.PerUserSlots, cfg.BanThreshold, cfg.BanDuration, zapLogger)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	resolver := downloader.NewResolver(
		downloader.NewHeuristicClassifier(), cache, downloader.YtdlpLister{},
		httpClient, cfg.PlaylistMaxItems, cfg.LocalMediaDir, zapLogger)

	inspector := downloader.NewMediaInspector(zapLogger)
	executor := downloader.NewExecutor(httpClient, cfg.DownloadDir, cfg.MaxFileSize,
		cfg.ProgressBars, inspector, zapLogger)

	coalescer := downloader.NewProgressCoalescer(notifier, cfg.ProgressInterval, zapLogger)

	scheduler := downloader.NewScheduler(executor, st, notifier, limiter, coalescer,
		downloader.SchedulerConfig{
			Workers:        cfg.MaxConcurrent,
			Capacity:       cfg.QueueCapacity,
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryInitialBackoff,
			VerboseRetries: cfg.VerboseRetries,
		}, zapLogger)

	// Worker progress feeds back through the scheduler into the coalescer
	executor.SetProgressFunc(scheduler.ObserveProgress)

	orchestrator := downloader.NewOrchestrator(resolver, scheduler, st, limiter, notifier,
		downloader.OrchestratorConfig{
			RetentionWindow: cfg.RetentionWindow,
			PurgeInterval:   cfg.PurgeInterval,
		}, zapLogger)

	if err := orchestrator.Start(ctx); err != nil {
		log.Fatalf("Failed to start download pipeline: %v", err)
	}
	defer orchestrator.Stop()

	registerHandlers(telegramBot, orchestrator, logger)

	logger.Printf("Bot is up, %d commands registered", len(telegramBot.GetRouter().GetRegisteredCommands()))

	// Block until asked to shut down
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop

	logger.Printf("Received %v, shutting down", sig)
}

// registerHandlers wires every command handler into the bot's router
func registerHandlers(telegramBot *bot.TelegramBot, pipeline bot.Pipeline, logger *log.Logger) {
	handlers := []bot.CommandHandler{
		bot.NewStartHandler(telegramBot, logger),
		bot.NewHelpHandler(telegramBot, logger),
		bot.NewPingHandler(telegramBot, pipeline, logger),
		bot.NewIDHandler(telegramBot, logger),
		bot.NewDownloadHandler(telegramBot, pipeline, logger),
		bot.NewCancelHandler(telegramBot, pipeline, logger),
		bot.NewStatusHandler(telegramBot, pipeline, logger),
		bot.NewQueueHandler(telegramBot, pipeline, logger),
		bot.NewStatsHandler(telegramBot, pipeline, logger),
	}

	for _, handler := range handlers {
		telegramBot.RegisterCommandHandler(handler)
	}
}

// maskString masks sensitive information for logging
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
