package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nanobanana/imagebot/internal/admin"
	"github.com/nanobanana/imagebot/internal/config"
	"github.com/nanobanana/imagebot/internal/database"
	"github.com/nanobanana/imagebot/internal/gemini"
	"github.com/nanobanana/imagebot/internal/repository"
	"github.com/nanobanana/imagebot/internal/session"
	"github.com/nanobanana/imagebot/internal/settlement"
	"github.com/nanobanana/imagebot/internal/storage"
	"github.com/nanobanana/imagebot/internal/telegram"
	"github.com/nanobanana/imagebot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	genClient, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, logr)
	if err != nil {
		log.Fatalf("gemini client: %v", err)
	}

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	generationRepo := repository.NewGenerationRepository(db)

	coordinator := settlement.NewCoordinator(logr, userRepo, generationRepo, genClient, uploader, cfg.GenerationTimeout)
	dialogues := session.NewDialogueRegistry()

	var bot *telegram.Bot
	machine := session.NewMachine(userRepo, coordinator, dialogues, session.SinkFunc{
		NoticeFunc:        func(chatID int64, text string) { bot.Notice(chatID, text) },
		PromptConfirmFunc: func(chatID int64, text string) { bot.PromptConfirm(chatID, text) },
		ResultFunc:        func(chatID int64, out *session.Outcome, dialogue bool) { bot.Result(chatID, out, dialogue) },
	}, logr, cfg.Debounce)
	bot = telegram.NewBot(cfg, botAPI, logr, userRepo, machine)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, userRepo, generationRepo, botAPI)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
