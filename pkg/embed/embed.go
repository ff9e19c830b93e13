// Package embed wraps an embedding provider with batching, retry with
// backoff, client side rate limiting and an optional vector cache.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/logger"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Provider is the external embedding service. ai.GraphAIClient satisfies it.
type Provider interface {
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// Cache stores vectors by model and text. GetMany returns nil entries for
// misses.
type Cache interface {
	GetMany(ctx context.Context, model string, texts []string) ([][]float32, error)
	SetMany(ctx context.Context, model string, texts []string, vectors [][]float32) error
}

const (
	DefaultBatchSize   = 64
	DefaultMaxAttempts = 3
	DefaultDimension   = 1536
)

type Embedder struct {
	provider    Provider
	cache       Cache
	model       string
	dimension   int
	batchSize   int
	callTimeout time.Duration
	policy      util.RetryPolicy
	limiter     *rate.Limiter
	group       singleflight.Group
}

type NewEmbedderParams struct {
	Provider Provider
	// Cache is optional.
	Cache Cache
	// Model namespaces cache entries.
	Model     string
	Dimension int
	BatchSize int

	MaxAttempts int
	Backoff     util.Backoff
	// CallTimeout bounds each provider request; a timed out request is
	// retried like any transient failure.
	CallTimeout time.Duration
	// RatePerSecond limits provider requests. Zero disables limiting.
	RatePerSecond float64
}

func NewEmbedder(params NewEmbedderParams) *Embedder {
	if params.Dimension <= 0 {
		params.Dimension = DefaultDimension
	}
	if params.BatchSize <= 0 {
		params.BatchSize = DefaultBatchSize
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = DefaultMaxAttempts
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if params.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.RatePerSecond), 1)
	}

	return &Embedder{
		provider:    params.Provider,
		cache:       params.Cache,
		model:       params.Model,
		dimension:   params.Dimension,
		batchSize:   params.BatchSize,
		callTimeout: params.CallTimeout,
		policy: util.RetryPolicy{
			MaxAttempts: params.MaxAttempts,
			Backoff:     params.Backoff,
			Retryable:   apperr.IsRetryable,
		},
		limiter: limiter,
	}
}

func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed returns the vector for one text. Concurrent calls for the same text
// share a single provider request, which runs detached from any one caller:
// a caller that gives up returns its own context error and leaves the
// request to the others.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ch := e.group.DoChan(text, func() (any, error) {
		shared, cancel := e.sharedContext(ctx)
		defer cancel()
		out, err := e.EmbedBatch(shared, []string{text})
		if err != nil {
			return nil, err
		}
		return out[0], nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// sharedContext keeps the values of ctx but not its cancellation. With a
// call timeout it is bounded by the longest run the retry policy allows.
func (e *Embedder) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if e.callTimeout <= 0 {
		return context.WithCancel(detached)
	}
	backoff := e.policy.Backoff
	if backoff == (util.Backoff{}) {
		backoff = util.DefaultBackoff
	}
	attempts := time.Duration(max(e.policy.MaxAttempts, 1))
	return context.WithTimeout(detached, attempts*(e.callTimeout+backoff.Max+backoff.Jitter))
}

// EmbedBatch returns one vector per text in input order. Cached vectors are
// reused and the rest are requested in batches of at most BatchSize.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	if e.cache != nil {
		cached, err := e.cache.GetMany(ctx, e.model, texts)
		if err != nil {
			logger.Warn("[Embed] Cache lookup failed", "err", err)
		} else {
			for i, v := range cached {
				if len(v) == e.dimension {
					out[i] = v
				}
			}
		}
	}

	missing := make([]int, 0, len(texts))
	for i := range texts {
		if out[i] == nil {
			missing = append(missing, i)
		}
	}

	for start := 0; start < len(missing); start += e.batchSize {
		end := min(start+e.batchSize, len(missing))
		idx := missing[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		vectors, err := e.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = vectors[j]
		}

		if e.cache != nil {
			if err := e.cache.SetMany(ctx, e.model, batch, vectors); err != nil {
				logger.Warn("[Embed] Cache store failed", "err", err)
			}
		}
	}

	return out, nil
}

func (e *Embedder) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	attempt := 0
	return util.RetryWithBackoff(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		attempt++
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		callCtx := ctx
		if e.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
		}

		vectors, err := e.provider.GenerateEmbeddings(callCtx, batch)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = apperr.Transient("embed.EmbedBatch", err)
			}
			logger.Warn("[Embed] Provider call failed", "attempt", attempt, "batch", len(batch), "err", err)
			return nil, err
		}
		if err := e.validate(batch, vectors); err != nil {
			return nil, err
		}
		return vectors, nil
	})
}

func (e *Embedder) validate(batch []string, vectors [][]float32) error {
	if len(vectors) != len(batch) {
		return apperr.Transient("embed.EmbedBatch", fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(batch)))
	}
	for i, v := range vectors {
		if len(v) != e.dimension {
			return apperr.Permanent("embed.EmbedBatch", fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), e.dimension))
		}
	}
	return nil
}
