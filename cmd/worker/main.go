package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/authority"
	"github.com/zoxknez/efaktura-core/internal/config"
	"github.com/zoxknez/efaktura-core/internal/dispatch"
	"github.com/zoxknez/efaktura-core/internal/document"
	"github.com/zoxknez/efaktura-core/internal/maintenance"
	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/queue"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/recurring"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/submitter"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
	"github.com/zoxknez/efaktura-core/internal/webhook"
	"github.com/zoxknez/efaktura-core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	window, err := quiethours.Parse(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		logger.Fatal("quiet hours", zap.Error(err))
	}

	q := queue.New(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	dispatcher := dispatch.New(st, q, window, logger)

	client := authority.New(authority.Config{
		BaseURL:        cfg.AuthorityBaseURL,
		Timeout:        cfg.AuthorityTimeout,
		RateLimit:      cfg.AuthorityRateLimit,
		RateBurst:      cfg.AuthorityRateBurst,
		BreakerEnabled: cfg.AuthorityBreaker,
		BreakerTrip:    cfg.AuthorityBreakerTrip,
	})

	var archive submitter.Archiver
	if cfg.S3Bucket != "" {
		s3Archive, err := document.NewS3Archive(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			logger.Fatal("init s3 archive", zap.Error(err))
		}
		archive = s3Archive
	} else {
		archive = document.NewLocalArchive(cfg.DocumentDir)
	}

	sub := submitter.New(st, document.NewBuilder(), client, archive, dispatcher, window, cfg.Env, logger)
	rec := webhook.New(st, logger)

	processor := worker.New(worker.Options{
		PollInterval:       cfg.WorkerPollInterval,
		ScheduledBatchSize: int64(cfg.ScheduledBatchSize),
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
		Workers: map[string]int{
			models.JobTypeSubmitInvoice:  cfg.SubmitWorkers,
			models.JobTypeProcessWebhook: cfg.WebhookWorkers,
		},
	}, q, st, logger)
	processor.RegisterHandler(models.JobTypeSubmitInvoice, sub.Handle)
	processor.RegisterHandler(models.JobTypeProcessWebhook, rec.Handle)

	sweeper := maintenance.NewSweeper(st, dispatcher, q, window, maintenance.Options{
		RetryBatch:       cfg.RetrySweepBatch,
		DeadLetterBatch:  cfg.DeadLetterSweepBatch,
		JobRetention:     cfg.JobRetention,
		WebhookRetention: cfg.WebhookRetention,
		KeepCompleted:    cfg.KeepCompletedJobs,
		KeepFailed:       cfg.KeepFailedJobs,
	}, logger)
	generator := recurring.New(st, cfg.RecurringBatch, logger)

	sched := maintenance.NewScheduler(logger)
	sched.Register("retry-sweep", cfg.RetrySweepInterval, sweeper.RetrySweep)
	sched.Register("dead-letter-sweep", cfg.DeadLetterSweepInterval, sweeper.DeadLetterSweep)
	sched.Register("retention-cleanup", cfg.CleanupInterval, sweeper.RetentionCleanup)
	sched.Register("queue-depth-sample", cfg.DepthSampleInterval, sweeper.SampleQueueDepth)
	sched.Register("recurring-generation", cfg.RecurringInterval, func(ctx context.Context) error {
		_, err := generator.Run(ctx, time.Now())
		return err
	})
	sched.Start(ctx)
	defer sched.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_base", cfg.BackoffBase))
	if err := processor.Run(ctx); err != nil {
		logger.Warn("worker stopped", zap.Error(err))
	}
}
