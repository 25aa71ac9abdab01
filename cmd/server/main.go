package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pawcasso/pawcasso/internal/admin"
	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/database"
	"github.com/pawcasso/pawcasso/internal/genai"
	"github.com/pawcasso/pawcasso/internal/ledger"
	"github.com/pawcasso/pawcasso/internal/payments"
	"github.com/pawcasso/pawcasso/internal/ratelimit"
	"github.com/pawcasso/pawcasso/internal/repository"
	"github.com/pawcasso/pawcasso/internal/server"
	"github.com/pawcasso/pawcasso/internal/service"
	"github.com/pawcasso/pawcasso/internal/session"
	"github.com/pawcasso/pawcasso/internal/storage"
	"github.com/pawcasso/pawcasso/pkg/logger"
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

	openaiClient := genai.NewOpenAIClient(cfg, logr)
	replicateClient := genai.NewReplicateClient(cfg, logr)
	pipeline := genai.PortraitPipeline(logr, openaiClient, replicateClient, cfg.SegmentModel, cfg.HarmonizeModel)

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		PreviewPrefix: cfg.S3PreviewPrefix,
		HDPrefix:      cfg.S3HDPrefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	portraitRepo := repository.NewPortraitRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	packRepo := repository.NewPackRepository(db)
	promoRepo := repository.NewPromoRepository(db)

	portraitService := service.NewPortraitService(logr, pipeline, uploader, portraitRepo)
	packService := service.NewPackService(logr, packRepo)
	promoService := service.NewPromoService(logr, promoRepo, ledgerRepo, cfg.PromoBonusCredits)
	paymentService := payments.NewService(cfg, logr, paymentRepo, portraitRepo, ledgerRepo, packRepo)

	if err := packService.EnsureDefault(ctx, cfg); err != nil {
		log.Fatalf("ensure default pack: %v", err)
	}

	rules := ledger.Rules{
		FreeLimit:     cfg.FreeGenerations,
		PurchaseBonus: cfg.PurchaseBonusQuota,
	}
	sessions := session.NewStore(portraitService, paymentService, ledgerRepo, rules, cfg.ResultTTL)
	go sessions.Run(ctx)

	limiter := ratelimit.New(cfg.RateLimitPerMinute, time.Minute)
	go limiter.Run(ctx)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, packService, promoService, ledgerRepo)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	apiServer := server.New(cfg, logr, sessions, portraitService, packService, promoService, paymentService, ledgerRepo, limiter, rules)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logr.Error("api shutdown error", "err", err)
		}
	}()

	if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Error("api server stopped", "err", err)
	}
}
