package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"unicode/utf8"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"

	"github.com/ollama/ollama/api"
)

const defaultContext = 4096

// contextSize estimates the context window a prompt needs, at roughly three
// characters per token plus room for the reply. Ollama silently truncates
// prompts longer than num_ctx.
func contextSize(prompt string) int {
	return utf8.RuneCountInString(prompt)/3 + 512
}

func (c *GraphOllamaClient) newChatRequest(prompt string, options ai.GenerateOptions) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+1)
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{Value: options.Thinking}
	}
	if n := contextSize(prompt); n > defaultContext {
		req.Options["num_ctx"] = n
	}
	return req
}

func (c *GraphOllamaClient) chat(ctx context.Context, op string, req *api.ChatRequest) (string, error) {
	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return "", classify(op, err)
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.Client.Chat(rCtx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return "", classify(op, err)
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	return final.Message.Content, nil
}

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.descriptionModel,
		Temperature: 0.3,
	}, opts...)

	return c.chat(ctx, "ollama.GenerateCompletion", c.newChatRequest(prompt, options))
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	const op = "ollama.GenerateCompletionWithFormat"
	rv := reflect.ValueOf(out)
	if out == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return apperr.Permanent(op, errors.New("out must be a non-nil pointer"))
	}

	format, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return apperr.Permanent(op, err)
	}

	options := ai.ApplyOptions(ai.GenerateOptions{
		Model:       c.extractionModel,
		Temperature: 0.1,
	}, opts...)

	req := c.newChatRequest(prompt, options)
	req.Format = json.RawMessage(format)

	content, err := c.chat(ctx, op, req)
	if err != nil {
		return err
	}
	return ai.DecodeStructured(content, out)
}
