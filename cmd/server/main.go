package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/building-console/api/handlers"
	"github.com/feichai0017/building-console/api/routes"
	"github.com/feichai0017/building-console/config"
	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/service/building"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/bus"
	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/queue"
	"github.com/feichai0017/building-console/pkg/storage"
)

func main() {
	cfg := config.GetServerConfig()

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
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
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to redis", logger.String("addr", cfg.RedisAddr), logger.Error(err))
	}

	store, err := storage.NewStorage(storage.StorageType(cfg.StorageType), log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}

	nb, err := bus.New(cfg.NatsURL, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", logger.String("url", cfg.NatsURL), logger.Error(err))
	}
	defer nb.Close()

	q := queue.NewAsynqQueue(&queue.QueueConfig{RedisAddr: cfg.RedisAddr, RedisDB: cfg.RedisDB})
	defer q.Close()

	svc := building.NewService(
		repository.NewRedisRepository(rdb),
		store,
		q,
		nb,
		validator.PoliciesFrom(rawPolicies),
		metrics.New(prometheus.DefaultRegisterer),
		log,
		&building.ServiceConfig{StagingPrefix: "staging/"},
	)

	// init handlers
	h := handlers.NewHandlers(svc, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		// graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
	}
}
