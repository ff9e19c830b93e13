// Package aitest provides a scripted ai.GraphAIClient for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/menome/thelink/backend/pkg/ai"
)

// Handler returns the raw model reply for one call.
type Handler func(prompt string) (string, error)

// Client answers structured calls by schema name, for example
// "summarize_page" or "classify_question". Unscripted calls fail so tests
// notice them.
type Client struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	completion Handler
	embed      func(inputs []string) ([][]float32, error)
	calls      map[string]int
}

var _ ai.GraphAIClient = (*Client)(nil)

func New() *Client {
	return &Client{handlers: make(map[string]Handler), calls: make(map[string]int)}
}

// On scripts the reply for a structured call.
func (c *Client) On(name string, h Handler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
	return c
}

// Reply scripts a fixed reply.
func (c *Client) Reply(name, raw string) *Client {
	return c.On(name, func(string) (string, error) { return raw, nil })
}

func (c *Client) OnCompletion(h Handler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completion = h
	return c
}

func (c *Client) OnEmbed(fn func(inputs []string) ([][]float32, error)) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embed = fn
	return c
}

// Calls reports how often name was called. Plain completions count as
// "completion" and embeddings as "embed".
func (c *Client) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *Client) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	c.mu.Lock()
	c.calls["completion"]++
	h := c.completion
	c.mu.Unlock()
	if h == nil {
		return "", errors.New("aitest: completion not scripted")
	}
	return h(prompt)
}

func (c *Client) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	c.mu.Lock()
	c.calls[name]++
	h := c.handlers[name]
	c.mu.Unlock()
	if h == nil {
		return errors.New("aitest: " + name + " not scripted")
	}
	raw, err := h(prompt)
	if err != nil {
		return err
	}
	return ai.DecodeStructured(raw, out)
}

func (c *Client) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls["embed"]++
	fn := c.embed
	c.mu.Unlock()
	if fn == nil {
		return nil, errors.New("aitest: embeddings not scripted")
	}
	return fn(inputs)
}

func (c *Client) ResetMetrics() {}

func (c *Client) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }
