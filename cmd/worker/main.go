package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/building-console/config"
	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/service/building"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/bus"
	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/queue"
	"github.com/feichai0017/building-console/pkg/storage"
	"github.com/feichai0017/building-console/pkg/worker"
)

const stagingPrefix = "staging/"

func main() {
	cfg := config.GetServerConfig()

	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rawPolicies, err := config.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		log.Fatal("Failed to load upload policies", logger.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	store, err := storage.NewStorage(storage.StorageType(cfg.StorageType), log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}

	nb, err := bus.New(cfg.NatsURL, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", logger.Error(err))
	}
	defer nb.Close()

	// 派生任务在 worker 内同步执行, 不再入队
	svc := building.NewService(
		repository.NewRedisRepository(rdb),
		store,
		nil,
		nb,
		validator.PoliciesFrom(rawPolicies),
		metrics.Nop(),
		log,
		&building.ServiceConfig{StagingPrefix: stagingPrefix},
	)

	// 创建 worker
	artifactWorker := worker.NewArtifactWorker(&worker.Config{
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		Concurrency: cfg.WorkerConcurrent,
	}, svc, store, log)

	// 定时清理孤立的暂存对象
	gcTask, err := queue.NewAsynqTask(queue.GCTask(stagingPrefix, cfg.OrphanRetention), asynq.Queue("low"))
	if err != nil {
		log.Fatal("Failed to build GC task", logger.Error(err))
	}
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, nil)
	entryID, err := scheduler.Register(cfg.GCInterval, gcTask)
	if err != nil {
		log.Fatal("Failed to register GC schedule", logger.String("cron", cfg.GCInterval), logger.Error(err))
	}
	log.Info("GC scheduled", logger.String("cron", cfg.GCInterval), logger.String("entryId", entryID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return artifactWorker.Start(gctx)
	})
	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Worker stopped with error", logger.Error(err))
	}
	// 优雅关闭
	if err := artifactWorker.Stop(); err != nil {
		log.Warn("Worker shutdown failed", logger.Error(err))
	}
	log.Info("Worker stopped")
}
