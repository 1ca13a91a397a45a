// The worker binary runs the queue consumers: the sequence engine on the
// sequence queue and the email dispatcher on the three delivery queues.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberline/dripflow/internal/config"
	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/emailqueue"
	"github.com/emberline/dripflow/internal/pkg/logger"
	"github.com/emberline/dripflow/internal/queue"
	"github.com/emberline/dripflow/internal/sequence"
	"github.com/emberline/dripflow/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	log := logger.With("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	queues := queue.NewManager(rdb)
	emails := emailqueue.NewService(queues)
	pg := store.New(db)

	registry := sequence.NewRegistry(pg, emails, cfg.Sequences.WebhookTimeout)
	jobs := sequence.NewJobProcessor(pg, registry, queues, cfg.Sequences.StepTimeout)

	signer := dispatch.NewUnsubSigner(cfg.Dispatch.SigningKey, cfg.Dispatch.UnsubscribeBaseURL)
	dispatcher := dispatch.NewDispatcher(signer, dispatch.NewRateLimiter(rdb))
	emailHandler := dispatcher.Handler(queues)

	concurrency := map[string]int{
		queue.Transactional: cfg.Queues.TransactionalConcurrency,
		queue.Newsletter:    cfg.Queues.NewsletterConcurrency,
		queue.Bulk:          cfg.Queues.BulkConcurrency,
		queue.Sequence:      cfg.Queues.SequenceConcurrency,
	}

	var pools []*queue.WorkerPool
	for _, queueName := range []string{queue.Transactional, queue.Newsletter, queue.Bulk, queue.Sequence} {
		handler := emailHandler
		if queueName == queue.Sequence {
			handler = jobs.Handle
		}
		pool := queue.NewWorkerPool(queues, queueName, handler, queue.PoolOptions{
			Concurrency: concurrency[queueName],
			JobTimeout:  cfg.Sequences.StepTimeout,
		})
		pool.Start()
		pools = append(pools, pool)
	}

	log.Info("worker started", "queues", len(pools))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	done := make(chan struct{})
	go func() {
		for _, pool := range pools {
			pool.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker stopped cleanly")
	case <-time.After(cfg.Sequences.StepTimeout + 30*time.Second):
		log.Warn("shutdown drain timed out")
	}
}
