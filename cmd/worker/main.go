package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/menome/thelink/backend/internal/queue"
	"github.com/menome/thelink/backend/internal/setup"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/category"
	"github.com/menome/thelink/backend/pkg/community"
	"github.com/menome/thelink/backend/pkg/leaselock"
	"github.com/menome/thelink/backend/pkg/logger"
)

func main() {
	util.LoadEnv()
	setup.InitLogger("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init rabbitmq
	conn, err := queue.Init(ctx)
	if err != nil {
		logger.Fatal("Failed to connect to rabbitmq", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues...); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}
	publisher := queue.NewPublisher(ch)

	core, err := setup.NewCore(ctx, publisher)
	if err != nil {
		logger.Fatal("Failed to initialise worker", "err", err)
	}
	defer core.Close()

	dedupe := category.NewDeduplicator(category.NewDeduplicatorParams{
		Store:    core.Graph,
		Parallel: util.GetEnvInt("DEDUPE_PARALLEL", 4),
	})
	detector := community.NewDetector(community.NewDetectorParams{
		Store:   core.Graph,
		AI:      core.AI,
		MinSize: util.GetEnvInt("COMMUNITY_MIN_SIZE", community.DefaultMinSize),
	})

	owner, _ := os.Hostname()
	handlers := queue.NewHandlers(queue.NewHandlersParams{
		Units:        core.Coordinator,
		Deduplicator: dedupe,
		Communities:  detector,
		Locker:       leaselock.New(core.Pool, owner),
		DedupeParams: category.Params{
			SimilarityCutoff: util.GetEnvFloat("DEDUPE_SIMILARITY_CUTOFF", category.DefaultSimilarityCutoff),
			WordSimilarity:   util.GetEnvFloat("DEDUPE_WORD_SIMILARITY", category.DefaultWordSimilarity),
		},
		RecoverAfter: time.Duration(util.GetEnvInt("RECOVER_AFTER_MINUTES", 10)) * time.Minute,
	})

	// A single consumer channel; prefetch bounds the deliveries in flight.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	consumer := queue.NewConsumer(queue.NewConsumerParams{
		Channel:         consumerCh,
		Publisher:       publisher,
		Handle:          handlers.Dispatch,
		OnDeadLetter:    handlers.HandleDeadLetter,
		Parallel:        util.GetEnvInt("WORKER_PARALLEL", 4),
		MaxRedeliveries: util.GetEnvInt("QUEUE_MAX_REDELIVERIES", 10),
		Backoff:         setup.Backoff(),
	})

	// Units left queued by a crashed worker or a lost message are picked up
	// by a recover job at startup and then periodically.
	go scheduleRecovery(ctx, publisher, time.Duration(util.GetEnvInt("RECOVER_INTERVAL_MINUTES", 10))*time.Minute)

	if err := consumer.Run(ctx, queue.Queues...); err != nil {
		logger.Fatal("Consumer failed", "err", err)
	}

	logMetrics(core.AI.GetMetrics())
	logger.Info("Shutdown signal received, exiting...")
}

func scheduleRecovery(ctx context.Context, publisher *queue.Publisher, every time.Duration) {
	enqueue := func() {
		err := publisher.PublishJob(ctx, queue.Job{Kind: queue.JobRecoverUnits, RequestedAt: time.Now().UTC()})
		if err != nil && ctx.Err() == nil {
			logger.Error("Failed to enqueue recover job", "err", err)
		}
	}
	enqueue()
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}

func logMetrics(metrics ai.ModelMetrics) {
	aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
	aiHours := int(aiDuration.Hours())
	aiMinutes := int(aiDuration.Minutes()) % 60
	aiSeconds := int(aiDuration.Seconds()) % 60
	logger.Info(
		"AI Metrics",
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"duration", fmt.Sprintf("%02d:%02d:%02d", aiHours, aiMinutes, aiSeconds),
	)
}
