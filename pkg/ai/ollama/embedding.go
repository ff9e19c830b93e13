package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"

	"github.com/ollama/ollama/api"
)

// GenerateEmbeddings embeds all inputs with one /api/embed call. Blank
// inputs get a zero vector without being sent.
func (c *GraphOllamaClient) GenerateEmbeddings(
	ctx context.Context,
	inputs []string,
) ([][]float32, error) {
	const op = "ollama.GenerateEmbeddings"
	if len(inputs) == 0 {
		return nil, nil
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

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, classify(op, err)
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(rCtx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(texts) {
		return nil, apperr.Transient(op, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(texts)))
	}
	for i, emb := range res.Embeddings {
		vec := make([]float32, c.embeddingDim)
		copy(vec, emb)
		out[idxMap[i]] = vec
	}
	return out, nil
}
