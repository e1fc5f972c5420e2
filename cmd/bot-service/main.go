package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"credit-bot/internal/audit"
	"credit-bot/internal/brokerauth"
	"credit-bot/internal/config"
	"credit-bot/internal/db"
	"credit-bot/internal/diagnosis"
	"credit-bot/internal/documents"
	"credit-bot/internal/gates/llm"
	"credit-bot/internal/health"
	"credit-bot/internal/lifecycle"
	"credit-bot/internal/metrics"
	"credit-bot/internal/notify"
	"credit-bot/internal/watchdog"
	"credit-bot/internal/referral"
	"credit-bot/internal/scheduler"
	"credit-bot/internal/security"
	"credit-bot/internal/telegram"
	"credit-bot/internal/users"
)

const llmCheckInterval = 10 * time.Minute

func main() {
	// .env нужен только при локальном запуске
	envErr := godotenv.Load()

	cfg := config.Load()

	// Настраиваем структурированное логирование
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(cfg.LogLevel),
		AddSource: true,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting bot-service", "version", "1.0.0", "pid", os.Getpid())
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", envErr)
	}
	slog.Info("Configuration loaded",
		"db_driver", cfg.DBDriver,
		"health_addr", cfg.HealthAddr,
		"bot_username", cfg.BotUsername,
		"llm_model", cfg.LLMModel,
		"strict_transitions", cfg.StrictTransitions,
		"has_super_admin", cfg.SuperAdminTgID() != 0,
		"has_bot_token", cfg.BotToken != "",
		"has_llm_key", cfg.LLMAPIKey != "",
	)

	if cfg.BotToken == "" {
		slog.Error("Bot token is not configured")
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("Encryption key is not configured")
		os.Exit(1)
	}

	// Инициализируем репозиторий
	repo, err := db.NewRepository(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		slog.Error("Failed to initialize database repository", "error", err, "driver", cfg.DBDriver)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.AutoMigrate(); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database migrations completed successfully")

	cipher, err := security.LoadFieldCipher(cfg.EncryptionKey, repo)
	if err != nil {
		slog.Error("Failed to initialize field cipher", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	bot, err := telegram.NewBot(cfg.BotToken)
	if err != nil {
		slog.Error("Failed to create Telegram bot", "error", err)
		os.Exit(1)
	}
	sender := notify.NewSender(bot, cfg.SuperAdminTgID())

	gdb := repo.DB()
	auditLogger := audit.NewLogger(gdb)
	docs := documents.NewService(gdb, cfg.DocumentsDir, cfg.MaxFileSizeMB)

	llmClient := llm.NewClient(llm.Config{
		APIURL:  cfg.LLMAPIURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	analyzer := diagnosis.NewService(docs, nil, llmClient)

	manager := lifecycle.NewManager(gdb, analyzer, auditLogger, sender, lifecycle.Options{
		StrictTransitions: cfg.StrictTransitions,
		Metrics:           m,
	})
	brokers := brokerauth.NewEngine(gdb, auditLogger, sender, brokerauth.Options{
		CodeTTL:               time.Duration(cfg.InviteCodeTTLDays) * 24 * time.Hour,
		DefaultCommissionRate: cfg.DefaultCommissionRate,
		Metrics:               m,
	})
	tracker := referral.NewTracker(gdb, auditLogger, referral.Options{
		BotUsername: cfg.BotUsername,
		Metrics:     m,
	})
	userService := users.NewService(gdb, cipher, tracker, auditLogger, cfg.SuperAdminTgID())

	telegramService := telegram.NewService(bot, telegram.Deps{
		Users:     userService,
		Lifecycle: manager,
		Documents: docs,
		Brokers:   brokers,
		Referrals: tracker,
		Audit:     auditLogger,
		Notifier:  sender,
		Metrics:   m,
	})
	slog.Info("Telegram service created successfully")

	// Настраиваем graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Недоступность модели не мешает старту: загрузка документов работает и без нее
	llmWatchdog := watchdog.NewLLMWatchdog(llmClient, cfg.LLMAPIURL, func(text string) {
		sender.NotifyAdmin(ctx, text)
	})
	if llmClient.IsConfigured() {
		if err := llmWatchdog.RunStartupCheck(ctx); err != nil {
			slog.Warn("LLM API is unavailable at startup", "error", err)
		}
		go llmWatchdog.RunPeriodicCheck(ctx, llmCheckInterval)
	} else {
		slog.Warn("LLM API key is not configured, diagnosis will fail")
	}

	healthServer := health.NewServer(cfg.HealthAddr, repo, m.Handler())
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()
	defer func() {
		slog.Info("Stopping health server")
		if err := healthServer.Stop(); err != nil {
			slog.Error("Failed to stop health server", "error", err)
		}
	}()

	sched := scheduler.NewScheduler(gdb, sender, scheduler.Options{})
	if err := sched.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		slog.Warn("Continuing without scheduler")
	} else {
		slog.Info("Scheduler started successfully")
		defer func() {
			slog.Info("Stopping scheduler")
			sched.Stop()
		}()
	}

	slog.Info("Starting Telegram bot...")
	if err := telegramService.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Telegram bot stopped by signal")
		} else {
			slog.Error("Telegram bot failed", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Bot service shutdown completed")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
