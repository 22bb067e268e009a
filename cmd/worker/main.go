package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-workspace/internal/ai"
	"github.com/suPer8Hu/ai-workspace/internal/chat"
	"github.com/suPer8Hu/ai-workspace/internal/config"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/db"
	"github.com/suPer8Hu/ai-workspace/internal/logging"
	"github.com/suPer8Hu/ai-workspace/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-workspace/internal/store/redisstore"
	"github.com/suPer8Hu/ai-workspace/internal/workspace"
)

const recoverEvery = time.Minute

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

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log.Named("gorm"))
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Provider registry (route by session.Provider + session.Model)
	reg := ai.NewDefaultRegistry(cfg.Providers())

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo)
	svc.SetDefaults(cfg.AIProvider, cfg.DefaultModel())
	creditSvc := credits.NewService(gdb,
		credits.NewUserPlans(gdb, cfg.FreeMonthlyCredits, cfg.ProMonthlyCredits),
		log.Named("credits"))

	var notifier chat.Notifier
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.Named("redis"))
	if err := rds.Ping(ctx); err != nil {
		log.Warn("redis unavailable, no push events", zap.Error(err))
		_ = rds.Close()
	} else {
		defer rds.Close()
		notifier = rds
	}

	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		Service:           svc,
		Registry:          reg,
		Ledger:            creditSvc,
		Contexts:          workspace.NewAssembler(gdb),
		Notifier:          notifier,
		Logger:            log.Named("chat"),
		ContextWindowSize: cfg.ChatContextWindowSize,
	})

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		log.Fatal("rabbit consumer", zap.Error(err))
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	var wg sync.WaitGroup

	// orphaned streams and jobs from crashed processes
	wg.Add(1)
	go func() {
		defer wg.Done()
		recoverStaleStreams(ctx, svc, cfg.StaleStreamAfter, log)
	}()

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				m, err := rabbitmq.DecodeJob(d.Body)
				if err != nil {
					wlog.Warn("bad message", zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, orch, repo, m.JobID, wlog); err != nil {
					wlog.Error("job failed", zap.String("job_id", m.JobID), zap.Duration("cost", time.Since(start)), zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					wlog.Warn("ack failed", zap.String("job_id", m.JobID), zap.Error(err))
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				stop()
				msgs = nil
				continue
			}
			jobs <- d
		}
	}
}

func recoverStaleStreams(ctx context.Context, svc *chat.Service, olderThan time.Duration, log *zap.Logger) {
	t := time.NewTicker(recoverEvery)
	defer t.Stop()
	for {
		n, err := svc.RecoverStaleStreams(ctx, olderThan)
		if err != nil && ctx.Err() == nil {
			log.Error("recover stale streams", zap.Error(err))
		} else if n > 0 {
			log.Warn("recovered stale streams", zap.Int64("count", n))
		}
		n, err = svc.RecoverStaleJobs(ctx, olderThan)
		if err != nil && ctx.Err() == nil {
			log.Error("recover stale jobs", zap.Error(err))
		} else if n > 0 {
			log.Warn("recovered stale jobs", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// handleJob answers one queued turn. Provider failures are recorded on the
// job and acked; only store errors (returned) send the delivery to the DLQ.
func handleJob(ctx context.Context, orch *chat.Orchestrator, repo *chat.Repo, jobID string, log *zap.Logger) error {
	jobStart := time.Now()

	claimed, err := repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// redelivered after a claim; the first attempt owns the outcome
		log.Info("job already claimed", zap.String("job_id", jobID))
		return nil
	}

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("job vanished", zap.String("job_id", jobID))
			return nil
		}
		return err
	}

	res, err := orch.RespondToJob(ctx, j)
	genCost := time.Since(jobStart)
	if err != nil {
		if mErr := repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, err.Error(), nil); mErr != nil {
			log.Error("mark job failed", zap.String("job_id", jobID), zap.Error(mErr))
		}
		return err
	}

	msgID := res.AssistantMessage.ID
	if res.Failed {
		reason := "provider failed"
		if e := res.AssistantMessage.Error; e != nil && strings.TrimSpace(*e) != "" {
			reason = *e
		}
		return repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, reason, &msgID)
	}

	if err := repo.MarkJobSucceeded(context.WithoutCancel(ctx), jobID, msgID); err != nil {
		return err
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Info("job_timing", zap.String("job_id", jobID), zap.Duration("gen", genCost), zap.Duration("total", total))
	}
	return nil
}
