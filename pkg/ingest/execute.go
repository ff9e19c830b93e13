package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/category"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/graph"
	"github.com/menome/thelink/backend/pkg/logger"
)

// Execute runs one delivered unit. Unit failures are recorded in the unit
// store and never returned; an error means the store or the queue could not
// be reached and the delivery should be retried.
func (c *Coordinator) Execute(ctx context.Context, unitID string) error {
	unit, claim, err := c.units.ClaimUnit(ctx, unitID, c.concurrency, c.staleAfter)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			logger.Warn("[Ingest] Dropping message for unknown unit", "unit_id", unitID)
			return nil
		}
		return fmt.Errorf("claim unit %s: %w", unitID, err)
	}
	switch claim {
	case ClaimSkip:
		logger.Debug("[Ingest] Skipping unit", "unit_id", unitID, "state", unit.State)
		return nil
	case ClaimBusy:
		return c.queue.Publish(ctx, unit.Message(), c.busyDelay)
	}

	sw := timing.Start()
	derived, runErr := c.run(ctx, unit)

	// bookkeeping must land even when the delivery context is cancelled
	bctx := context.WithoutCancel(ctx)
	if runErr == nil {
		return c.succeed(bctx, unit, derived, sw)
	}

	if ctx.Err() != nil {
		return c.release(bctx, unit, runErr)
	}

	if apperr.IsRetryable(runErr) && unit.Attempts < unit.MaxAttempts {
		delay := c.backoff.Delay(unit.Attempts)
		logger.Warn("[Ingest] Unit failed, retrying", "unit_id", unit.ID, "document_id", unit.DocumentID,
			"kind", unit.Kind, "attempt", unit.Attempts, "delay", delay, "err", runErr)
		if err := c.units.RetryUnit(bctx, unit.ID, runErr.Error()); err != nil {
			return settled(unit, "requeue", err)
		}
		return c.queue.Publish(bctx, unit.Message(), delay)
	}

	logger.Error("[Ingest] Unit failed", "unit_id", unit.ID, "document_id", unit.DocumentID,
		"kind", unit.Kind, "attempts", unit.Attempts, "err", runErr)
	if err := c.units.FailUnit(bctx, unit.ID, runErr.Error()); err != nil {
		return settled(unit, "fail", err)
	}
	return nil
}

// release hands a unit interrupted by shutdown back to the queue. The
// interruption does not count as an attempt.
func (c *Coordinator) release(ctx context.Context, unit Unit, cause error) error {
	logger.Info("[Ingest] Unit interrupted, releasing", "unit_id", unit.ID, "document_id", unit.DocumentID,
		"kind", unit.Kind, "err", cause)
	if err := c.units.ReleaseUnit(ctx, unit.ID); err != nil {
		return settled(unit, "release", err)
	}
	return c.queue.Publish(ctx, unit.Message(), 0)
}

// settled drops a state change on a unit that was settled elsewhere while it
// ran, typically abandoned by DeleteDocument.
func settled(unit Unit, action string, err error) error {
	if errors.Is(err, ErrUnitSettled) {
		logger.Debug("[Ingest] Unit settled while running", "unit_id", unit.ID, "action", action, "err", err)
		return nil
	}
	return fmt.Errorf("%s unit %s: %w", action, unit.ID, err)
}

func (c *Coordinator) succeed(ctx context.Context, unit Unit, derived []Unit, sw *timing.Stopwatch) error {
	if err := c.units.CompleteUnit(ctx, unit.ID, derived); err != nil {
		return settled(unit, "complete", err)
	}
	for _, d := range derived {
		if err := c.queue.Publish(ctx, d.Message(), 0); err != nil {
			// the unit is queued in the store and picked up by Recover
			logger.Error("[Ingest] Failed to publish derived unit", "unit_id", d.ID, "err", err)
		}
	}
	logger.Debug("[Ingest] Unit succeeded", "unit_id", unit.ID, "document_id", unit.DocumentID,
		"kind", unit.Kind, "derived", len(derived), "duration_ms", sw.Elapsed().Milliseconds())
	return nil
}

// run performs the unit and returns the units derived from it.
func (c *Coordinator) run(ctx context.Context, u Unit) ([]Unit, error) {
	switch u.Kind {
	case KindPage:
		return c.runPage(ctx, u)
	case KindChild:
		return c.runChild(ctx, u)
	case KindSummary:
		return nil, c.runSummary(ctx, u)
	case KindQuestions:
		return nil, c.runQuestions(ctx, u)
	case KindCategories:
		return nil, c.runCategories(ctx, u)
	default:
		return nil, apperr.Permanent("ingest.run", fmt.Errorf("unknown unit kind %q", u.Kind))
	}
}

func (c *Coordinator) derive(parent Unit, kind UnitKind) Unit {
	payload := parent.Payload
	payload.Derive = Derivations{}
	return c.newUnit(parent.RunID, parent.DocumentID, kind, parent.PageIndex, parent.ChildIndex, payload, c.now().UTC())
}

func (c *Coordinator) runPage(ctx context.Context, u Unit) ([]Unit, error) {
	vec, err := c.embedder.Embed(ctx, u.Payload.Text)
	if err != nil {
		return nil, fmt.Errorf("embed page: %w", err)
	}
	_, err = c.writer.WritePage(ctx, u.DocumentID, common.Page{
		Index:     u.PageIndex,
		Name:      u.Payload.Name,
		Text:      u.Payload.Text,
		Embedding: vec,
	})
	if err != nil {
		return nil, err
	}

	var derived []Unit
	if u.Payload.Derive.Summaries {
		derived = append(derived, c.derive(u, KindSummary))
	}
	if u.Payload.Derive.Questions {
		derived = append(derived, c.derive(u, KindQuestions))
	}
	return derived, nil
}

func (c *Coordinator) runChild(ctx context.Context, u Unit) ([]Unit, error) {
	vec, err := c.embedder.Embed(ctx, u.Payload.Text)
	if err != nil {
		return nil, fmt.Errorf("embed child: %w", err)
	}
	_, err = c.writer.WriteChild(ctx, u.DocumentID, u.PageIndex, common.Child{
		Index:     u.ChildIndex,
		Name:      u.Payload.Name,
		Text:      u.Payload.Text,
		Embedding: vec,
	})
	if err != nil {
		return nil, err
	}
	if u.Payload.Derive.Categories {
		return []Unit{c.derive(u, KindCategories)}, nil
	}
	return nil, nil
}

// parseFailure turns an unparseable model reply into a permanent unit
// failure; asking again rarely fixes a malformed reply.
func parseFailure(op, raw string) error {
	return apperr.Permanent(op, fmt.Errorf("unparseable model output: %q", raw))
}

func (c *Coordinator) runSummary(ctx context.Context, u Unit) error {
	res, err := ai.Summarize(ctx, c.ai, u.Payload.Text, c.opts...)
	if err != nil {
		return fmt.Errorf("summarize page: %w", err)
	}
	text, ok := res.Payload()
	if !ok {
		return parseFailure("ingest.summary", res.Raw())
	}
	if text == "" {
		logger.Debug("[Ingest] Empty summary, nothing to write", "unit_id", u.ID)
		return nil
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}
	_, err = c.writer.WriteSummary(ctx, graph.PageID(u.DocumentID, u.PageIndex), common.Summary{
		Text:      text,
		Embedding: vec,
	})
	return err
}

func (c *Coordinator) runQuestions(ctx context.Context, u Unit) error {
	res, err := ai.GenerateQuestions(ctx, c.ai, u.Payload.Text, c.maxQuestions, c.opts...)
	if err != nil {
		return fmt.Errorf("generate questions: %w", err)
	}
	texts, ok := res.Payload()
	if !ok {
		return parseFailure("ingest.questions", res.Raw())
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed questions: %w", err)
	}
	questions := make([]common.Question, len(texts))
	for i, t := range texts {
		questions[i] = common.Question{Text: t, Embedding: vecs[i]}
	}
	_, err = c.writer.WriteQuestions(ctx, u.DocumentID, u.PageIndex, questions)
	return err
}

func (c *Coordinator) runCategories(ctx context.Context, u Unit) error {
	res, err := ai.ExtractCategories(ctx, c.ai, u.Payload.Text, c.opts...)
	if err != nil {
		return fmt.Errorf("extract categories: %w", err)
	}
	candidates, ok := res.Payload()
	if !ok {
		return parseFailure("ingest.categories", res.Raw())
	}

	var categories []common.Category
	for _, cand := range candidates {
		name := category.CleanName(cand.Name)
		if category.IsNoise(name) {
			continue
		}
		categories = append(categories, common.Category{Name: name, Description: cand.Description})
	}
	if len(categories) == 0 {
		return nil
	}

	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = cat.Name
	}
	vecs, err := c.embedder.EmbedBatch(ctx, names)
	if err != nil {
		return fmt.Errorf("embed categories: %w", err)
	}
	for i := range categories {
		categories[i].Embedding = vecs[i]
	}
	_, err = c.writer.WriteCategories(ctx, u.DocumentID, u.PageIndex, u.ChildIndex, categories)
	return err
}
