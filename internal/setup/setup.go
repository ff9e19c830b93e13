// Package setup builds the shared components of the worker and the server
// from the environment.
package setup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/menome/thelink/backend/internal/ledger"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ai"
	oai "github.com/menome/thelink/backend/pkg/ai/ollama"
	gai "github.com/menome/thelink/backend/pkg/ai/openai"
	"github.com/menome/thelink/backend/pkg/chunker"
	"github.com/menome/thelink/backend/pkg/embed"
	rediscache "github.com/menome/thelink/backend/pkg/embed/redis"
	"github.com/menome/thelink/backend/pkg/graph"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/loader"
	s3loader "github.com/menome/thelink/backend/pkg/loader/s3"
	"github.com/menome/thelink/backend/pkg/loader/web"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/logger/console"
	"github.com/menome/thelink/backend/pkg/logger/structured"
	"github.com/menome/thelink/backend/pkg/store/neo4j"
)

// InitLogger registers the console logger, or the zap JSON logger when
// LOG_FORMAT=json.
func InitLogger(service string) {
	debug := util.GetEnvBool("DEBUG", false)
	if util.GetEnv("LOG_FORMAT") == "json" {
		l, err := structured.NewStructuredLogger(structured.StructuredLoggerParams{Debug: debug, Service: service})
		if err == nil {
			logger.Init(l)
			return
		}
		fmt.Fprintf(os.Stderr, "json logger unavailable, falling back to console: %v\n", err)
	}
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{Debug: debug, Prefix: service}))
}

func EmbeddingDim() int {
	return util.GetEnvInt("AI_EMBED_DIM", embed.DefaultDimension)
}

func Backoff() util.Backoff {
	return util.Backoff{
		Base:   util.GetEnvMillis("RETRY_BASE_MS", util.DefaultBackoff.Base),
		Max:    util.GetEnvMillis("RETRY_MAX_MS", util.DefaultBackoff.Max),
		Jitter: util.DefaultBackoff.Jitter,
	}
}

// NewAIClient picks the adapter named by AI_ADAPTER.
func NewAIClient() (ai.GraphAIClient, error) {
	timeout := time.Duration(util.GetEnvInt("AI_TIMEOUT_SECONDS", 120)) * time.Second
	parallel := int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15))

	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			DescriptionModel: util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel:  util.GetEnvString("AI_EXTRACT_MODEL", util.GetEnv("AI_CHAT_MODEL")),
			EmbeddingDim:     EmbeddingDim(),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			Timeout:               timeout,
			MaxConcurrentRequests: parallel,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return client, nil
	default:
		return gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:   util.GetEnv("AI_EMBED_MODEL"),
			DescriptionModel: util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel:  util.GetEnvString("AI_EXTRACT_MODEL", util.GetEnv("AI_CHAT_MODEL")),
			EmbeddingDim:     EmbeddingDim(),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			Timeout:               timeout,
			MaxConcurrentRequests: parallel,
		}), nil
	}
}

// NewGraphStorage connects to Neo4j and creates constraints and vector
// indexes.
func NewGraphStorage(ctx context.Context) (*neo4j.GraphStorage, error) {
	storage, err := neo4j.NewGraphStorage(ctx, neo4j.NewGraphStorageParams{
		URI:         util.GetEnv("NEO4J_URI"),
		User:        util.GetEnv("NEO4J_USER"),
		Password:    util.GetEnv("NEO4J_PASSWORD"),
		Database:    util.GetEnv("NEO4J_DATABASE"),
		Timeout:     time.Duration(util.GetEnvInt("NEO4J_TIMEOUT_SECONDS", 10)) * time.Second,
		MaxPoolSize: util.GetEnvInt("NEO4J_MAX_POOL_SIZE", 50),
	})
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureSchema(ctx, EmbeddingDim()); err != nil {
		_ = storage.Close(ctx)
		return nil, fmt.Errorf("ensure graph schema: %w", err)
	}
	return storage, nil
}

// NewLedger migrates the database and opens a pool on it.
func NewLedger(ctx context.Context) (*pgxpool.Pool, *ledger.Ledger, error) {
	dbURL := util.GetEnv("DATABASE_URL")
	if err := ledger.Migrate(dbURL, util.GetEnvString("MIGRATIONS_PATH", "migrations")); err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, ledger.New(pool), nil
}

// NewEmbedder wraps the provider with batching, retries and rate limiting.
// The Redis cache is used when REDIS_ADDR is set; the returned func closes it.
func NewEmbedder(ctx context.Context, provider embed.Provider) (*embed.Embedder, func(), error) {
	params := embed.NewEmbedderParams{
		Provider:      provider,
		Model:         util.GetEnv("AI_EMBED_MODEL"),
		Dimension:     EmbeddingDim(),
		BatchSize:     util.GetEnvInt("EMBED_BATCH_SIZE", embed.DefaultBatchSize),
		MaxAttempts:   util.GetEnvInt("EMBED_MAX_ATTEMPTS", embed.DefaultMaxAttempts),
		Backoff:       Backoff(),
		CallTimeout:   time.Duration(util.GetEnvInt("AI_TIMEOUT_SECONDS", 120)) * time.Second,
		RatePerSecond: util.GetEnvFloat("EMBED_RATE_PER_SECOND", 10),
	}

	closeCache := func() {}
	if addr := util.GetEnv("REDIS_ADDR"); addr != "" {
		cache := rediscache.NewEmbeddingCache(rediscache.NewEmbeddingCacheParams{
			Addr:     addr,
			Password: util.GetEnv("REDIS_PASSWORD"),
			TTL:      time.Duration(util.GetEnvInt("EMBED_CACHE_TTL_HOURS", 0)) * time.Hour,
		})
		if err := cache.Ping(ctx); err != nil {
			_ = cache.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		params.Cache = cache
		closeCache = func() { _ = cache.Close() }
		logger.Info("[Embed] Using redis embedding cache", "addr", addr)
	}
	return embed.NewEmbedder(params), closeCache, nil
}

// NewLoader resolves url sources through the web loader and file keys
// through S3 when AWS_BUCKET is set.
func NewLoader(ctx context.Context) (*loader.Loader, error) {
	params := loader.NewLoaderParams{Web: web.NewWebLoader(web.NewWebLoaderParams{})}
	if bucket := util.GetEnv("AWS_BUCKET"); bucket != "" {
		files, err := s3loader.NewS3Loader(ctx, s3loader.NewS3LoaderParams{
			Bucket:    bucket,
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			PathStyle: util.GetEnv("AWS_ENDPOINT") != "",
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 loader: %w", err)
		}
		params.Files = files
	}
	return loader.NewLoader(params), nil
}

func ChunkParams() chunker.Params {
	return chunker.Params{
		PageTokens:  util.GetEnvInt("CHUNK_PAGE_TOKENS", chunker.DefaultPageTokens),
		ChildTokens: util.GetEnvInt("CHUNK_CHILD_TOKENS", chunker.DefaultChildTokens),
		Encoding:    util.GetEnvString("CHUNK_ENCODING", chunker.DefaultEncoding),
	}
}

// CoordinatorParams are the environment driven coordinator settings.
// Callers fill in the collaborators.
func CoordinatorParams() ingest.NewCoordinatorParams {
	return ingest.NewCoordinatorParams{
		Chunk:        ChunkParams(),
		Concurrency:  util.GetEnvInt("UNIT_CONCURRENCY", ingest.DefaultConcurrency),
		MaxAttempts:  util.GetEnvInt("UNIT_MAX_ATTEMPTS", ingest.DefaultMaxAttempts),
		MaxQuestions: util.GetEnvInt("MAX_QUESTIONS_PER_PAGE", ingest.DefaultMaxQuestions),
		Backoff:      Backoff(),
		Model:        util.GetEnv("AI_EXTRACT_MODEL"),
	}
}

// Core is everything that ingests documents.
type Core struct {
	AI          ai.GraphAIClient
	Graph       *neo4j.GraphStorage
	Pool        *pgxpool.Pool
	Embedder    *embed.Embedder
	Coordinator *ingest.Coordinator

	closers []func()
}

// NewCore connects to every backing service. Units are published on q.
func NewCore(ctx context.Context, q ingest.Queue) (*Core, error) {
	c := &Core{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	aiClient, err := NewAIClient()
	if err != nil {
		return nil, err
	}
	c.AI = aiClient

	c.Graph, err = NewGraphStorage(ctx)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { _ = c.Graph.Close(context.Background()) })

	pool, units, err := NewLedger(ctx)
	if err != nil {
		return nil, err
	}
	c.Pool = pool
	c.closers = append(c.closers, pool.Close)

	embedder, closeCache, err := NewEmbedder(ctx, aiClient)
	if err != nil {
		return nil, err
	}
	c.Embedder = embedder
	c.closers = append(c.closers, closeCache)

	docs, err := NewLoader(ctx)
	if err != nil {
		return nil, err
	}

	params := CoordinatorParams()
	params.Units = units
	params.Queue = q
	params.Writer = graph.NewWriter(graph.NewWriterParams{Store: c.Graph})
	params.Embedder = embedder
	params.AI = aiClient
	params.Loader = docs
	c.Coordinator = ingest.NewCoordinator(params)

	ok = true
	return c, nil
}

// Close releases connections in reverse order of opening.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
