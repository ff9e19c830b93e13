package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/menome/thelink/backend/internal/queue"
	"github.com/menome/thelink/backend/internal/server"
	mid "github.com/menome/thelink/backend/internal/server/middleware"
	"github.com/menome/thelink/backend/internal/setup"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/query"
	"github.com/menome/thelink/backend/pkg/search"
)

func main() {
	util.LoadEnv()
	setup.InitLogger("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		logger.Fatal("Failed to initialise server", "err", err)
	}
	defer core.Close()

	routerParams := query.NewRouterParams{
		AI:               core.AI,
		Store:            core.Graph,
		Embedder:         core.Embedder,
		TopK:             util.GetEnvInt("QUERY_TOP_K", query.DefaultTopK),
		ScoreThreshold:   util.GetEnvFloat("QUERY_SCORE_THRESHOLD", query.DefaultScoreThreshold),
		MaxRegenerations: util.GetEnvInt("QUERY_MAX_REGENERATIONS", query.DefaultMaxRegenerations),
		Model:            util.GetEnv("AI_CHAT_MODEL"),
	}
	if key := util.GetEnv("TAVILY_API_KEY"); key != "" {
		searcher, err := search.NewTavilySearcher(search.NewTavilySearcherParams{APIKey: key})
		if err != nil {
			logger.Fatal("Failed to create search client", "err", err)
		}
		routerParams.Searcher = searcher
	} else {
		logger.Warn("[Server] TAVILY_API_KEY not set, answers use the graph only")
	}

	e := server.New(&mid.App{
		Ingest: core.Coordinator,
		Router: query.NewRouter(routerParams),
		Jobs:   publisher,
	}, util.GetEnvString("BODY_LIMIT", "32M"))

	if err := server.Start(ctx, e, util.GetEnvString("PORT", "8080")); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
