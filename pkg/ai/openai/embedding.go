package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"

	"github.com/openai/openai-go/v3"
)

// GenerateEmbeddings embeds all inputs in one request. Blank inputs are not
// sent and get a zero vector.
func (c *GraphOpenAIClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	const op = "openai.GenerateEmbeddings"
	if len(inputs) == 0 {
		return nil, nil
	}
	if c.EmbeddingClient == nil {
		return nil, apperr.Permanent(op, errors.New("embedding client is not configured"))
	}

	out := make([][]float32, len(inputs))
	idxMap := make([]int, 0, len(inputs))
	texts := make([]string, 0, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			out[i] = make([]float32, c.embeddingDim)
			continue
		}
		idxMap = append(idxMap, i)
		texts = append(texts, in)
	}
	if len(texts) == 0 {
		return out, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.embeddingLock.Acquire(rCtx, 1); err != nil {
		return nil, classify(op, err)
	}
	defer c.embeddingLock.Release(1)

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(rCtx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  time.Since(start).Milliseconds(),
	})

	if len(response.Data) != len(texts) {
		return nil, apperr.Transient(op, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(texts)))
	}
	for _, embedding := range response.Data {
		idx := int(embedding.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, apperr.Transient(op, fmt.Errorf("embedding index out of range: %d", embedding.Index))
		}
		out[idxMap[idx]] = fitDimension(embedding.Embedding, c.embeddingDim)
	}
	for i := range out {
		if out[i] == nil {
			return nil, apperr.Transient(op, fmt.Errorf("missing embedding for index %d", i))
		}
	}
	return out, nil
}

// fitDimension truncates or zero-pads v to dim.
func fitDimension[F float32 | float64](v []F, dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < len(v) && i < dim; i++ {
		vec[i] = float32(v[i])
	}
	return vec
}
