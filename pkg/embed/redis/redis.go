// Package redis caches embedding vectors in Redis so re-ingesting identical
// text does not pay for the provider call twice.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

type EmbeddingCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type NewEmbeddingCacheParams struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to "thelink:embed:".
	Prefix string
	// TTL of zero keeps vectors forever.
	TTL time.Duration
}

func NewEmbeddingCache(params NewEmbeddingCacheParams) *EmbeddingCache {
	client := redis.NewClient(&redis.Options{
		Addr:     params.Addr,
		Password: params.Password,
		DB:       params.DB,
	})

	prefix := params.Prefix
	if prefix == "" {
		prefix = "thelink:embed:"
	}

	return &EmbeddingCache{client: client, prefix: prefix, ttl: params.TTL}
}

func (c *EmbeddingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *EmbeddingCache) Close() error {
	return c.client.Close()
}

func (c *EmbeddingCache) key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

// GetMany fetches vectors with a single MGET. Misses are nil.
func (c *EmbeddingCache) GetMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(model, t)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings from redis: %w", err)
	}

	out := make([][]float32, len(texts))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = decodeVector([]byte(s))
	}
	return out, nil
}

// SetMany stores vectors in one pipeline.
func (c *EmbeddingCache) SetMany(ctx context.Context, model string, texts []string, vectors [][]float32) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts))
	}
	pipe := c.client.Pipeline()
	for i, t := range texts {
		pipe.Set(ctx, c.key(model, t), encodeVector(vectors[i]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write embeddings to redis: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
