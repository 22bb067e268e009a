package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/ai-workspace/internal/ai"
	"github.com/suPer8Hu/ai-workspace/internal/chat"
	"github.com/suPer8Hu/ai-workspace/internal/config"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/db"
	"github.com/suPer8Hu/ai-workspace/internal/httpapi"
	"github.com/suPer8Hu/ai-workspace/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-workspace/internal/logging"
	"github.com/suPer8Hu/ai-workspace/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-workspace/internal/store/redisstore"
	"github.com/suPer8Hu/ai-workspace/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log.Named("gorm"))
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := ai.NewDefaultRegistry(cfg.Providers())

	chatSvc := chat.NewService(chat.NewRepo(gdb))
	chatSvc.SetDefaults(cfg.AIProvider, cfg.DefaultModel())
	creditSvc := credits.NewService(gdb,
		credits.NewUserPlans(gdb, cfg.FreeMonthlyCredits, cfg.ProMonthlyCredits),
		log.Named("credits"))

	deps := handlers.Deps{
		DB:       gdb,
		Cfg:      cfg,
		Log:      log.Named("http"),
		Registry: reg,
		ChatSvc:  chatSvc,
		Credits:  creditSvc,
	}

	// Push events are optional: without redis the events route answers 503.
	var notifier chat.Notifier
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.Named("redis"))
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rds.Ping(pingCtx); err != nil {
		log.Warn("redis unavailable, session events disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rds.Close()
	} else {
		defer rds.Close()
		notifier = rds
		deps.Events = rds
	}
	cancel()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn("rabbitmq unavailable, async messages disabled", zap.Error(err))
	} else {
		defer pub.Close()
		deps.Jobs = pub
	}

	deps.Orch = chat.NewOrchestrator(chat.OrchestratorConfig{
		Service:           chatSvc,
		Registry:          reg,
		Ledger:            creditSvc,
		Contexts:          workspace.NewAssembler(gdb),
		Notifier:          notifier,
		Logger:            log.Named("chat"),
		ContextWindowSize: cfg.ChatContextWindowSize,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server started", zap.String("addr", cfg.HTTPAddr), zap.Strings("providers", reg.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("http server shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
}
