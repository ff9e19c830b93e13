// Package ingest turns documents into units of work, runs them with retry
// and backoff, and reports per-document progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/chunker"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/graph"
	"github.com/menome/thelink/backend/pkg/loader"
	"github.com/menome/thelink/backend/pkg/logger"
)

const (
	DefaultConcurrency  = 2
	DefaultMaxAttempts  = 5
	DefaultMaxQuestions = 2
	DefaultBusyDelay    = 2 * time.Second
	DefaultStaleAfter   = 15 * time.Minute
)

// Embedder turns text into vectors. *embed.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Coordinator holds no worker state; any worker may execute any unit.
type Coordinator struct {
	units    UnitStore
	queue    Queue
	writer   *graph.Writer
	embedder Embedder
	ai       ai.GraphAIClient
	loader   *loader.Loader

	chunk        chunker.Params
	concurrency  int
	maxAttempts  int
	maxQuestions int
	backoff      util.Backoff
	busyDelay    time.Duration
	staleAfter   time.Duration
	opts         []ai.GenerateOption
	now          func() time.Time
}

type NewCoordinatorParams struct {
	Units    UnitStore
	Queue    Queue
	Writer   *graph.Writer
	Embedder Embedder
	AI       ai.GraphAIClient
	// Loader resolves url and file_key sources. Optional; without it only
	// inline text is accepted.
	Loader *loader.Loader

	Chunk chunker.Params
	// Concurrency is the number of units of one document allowed to run at
	// the same time.
	Concurrency  int
	MaxAttempts  int
	MaxQuestions int
	Backoff      util.Backoff
	// BusyDelay is how long a unit waits before it is offered again when
	// its document is at the concurrency ceiling.
	BusyDelay time.Duration
	// StaleAfter is how long a running unit may go without an update before
	// another worker may take it over.
	StaleAfter time.Duration
	Model      string
	Now        func() time.Time
}

// NewCoordinator creates an ingestion coordinator.
//
// Example:
//
//	c := ingest.NewCoordinator(ingest.NewCoordinatorParams{
//		Units:    ledger,
//		Queue:    publisher,
//		Writer:   graph.NewWriter(graph.NewWriterParams{Store: neo}),
//		Embedder: embedder,
//		AI:       aiClient,
//	})
//	handles, err := c.Submit(ctx, ingest.SubmitRequest{Name: "Policy", Text: text})
func NewCoordinator(params NewCoordinatorParams) *Coordinator {
	if params.Concurrency <= 0 {
		params.Concurrency = DefaultConcurrency
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = DefaultMaxAttempts
	}
	if params.MaxQuestions <= 0 {
		params.MaxQuestions = DefaultMaxQuestions
	}
	if params.BusyDelay <= 0 {
		params.BusyDelay = DefaultBusyDelay
	}
	if params.StaleAfter <= 0 {
		params.StaleAfter = DefaultStaleAfter
	}
	if params.Backoff == (util.Backoff{}) {
		params.Backoff = util.DefaultBackoff
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	var opts []ai.GenerateOption
	if params.Model != "" {
		opts = append(opts, ai.WithModel(params.Model))
	}

	return &Coordinator{
		units:        params.Units,
		queue:        params.Queue,
		writer:       params.Writer,
		embedder:     params.Embedder,
		ai:           params.AI,
		loader:       params.Loader,
		chunk:        params.Chunk,
		concurrency:  params.Concurrency,
		maxAttempts:  params.MaxAttempts,
		maxQuestions: params.MaxQuestions,
		backoff:      params.Backoff,
		busyDelay:    params.BusyDelay,
		staleAfter:   params.StaleAfter,
		opts:         opts,
		now:          params.Now,
	}
}

// SubmitRequest describes one document. Exactly one of Text, URL and
// FileKey must be set.
type SubmitRequest struct {
	// DocumentID fixes the uuid of the new document. Empty generates one.
	// A document is never re-ingested in place: an id that already exists
	// is rejected.
	DocumentID string
	Name       string
	Text       string
	URL        string
	FileKey    string
	Publisher  string
	Type       common.DocumentType
	// Derive defaults to AllDerivations.
	Derive *Derivations
}

func (r SubmitRequest) validate() error {
	const op = "ingest.Submit"
	set := 0
	for _, v := range []string{r.Text, r.URL, r.FileKey} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return apperr.Validation(op, "exactly one of text, url and file_key is required")
	}
	if r.DocumentID != "" {
		if _, err := uuid.Parse(r.DocumentID); err != nil {
			return apperr.Validation(op, "document id %q is not a uuid", r.DocumentID)
		}
	}
	if strings.TrimSpace(r.Text) != "" && strings.TrimSpace(r.Name) == "" {
		return apperr.Validation(op, "name is required for inline text")
	}
	return nil
}

// Submit writes the document node, splits its text into pages and children
// and queues one unit per page and per child. Invalid input is rejected
// before any unit exists.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) ([]TaskHandle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.DocumentID != "" {
		exists, err := c.writer.DocumentExists(ctx, req.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("look up document: %w", err)
		}
		if exists {
			return nil, apperr.Validation("ingest.Submit", "document %s already exists; delete it before ingesting it again", req.DocumentID)
		}
	}

	doc, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	pages, err := chunker.Chunk(doc.Text, c.chunk)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, apperr.Validation("ingest.Submit", "document %q has no text", doc.Name)
	}

	derive := AllDerivations
	if req.Derive != nil {
		derive = *req.Derive
	}
	runID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	if err := c.writer.WriteDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	now := c.now().UTC()
	var units []Unit
	for _, page := range pages {
		units = append(units, c.newUnit(runID, doc.UUID, KindPage, page.Index, 0,
			Payload{Name: page.Name, Text: page.Text, Derive: derive}, now))
		for _, child := range page.Children {
			units = append(units, c.newUnit(runID, doc.UUID, KindChild, page.Index, child.Index,
				Payload{Name: child.Name, Text: child.Text, Derive: derive}, now))
		}
	}
	if err := c.units.CreateUnits(ctx, units); err != nil {
		return nil, fmt.Errorf("create units: %w", err)
	}

	handles := make([]TaskHandle, 0, len(units))
	for _, u := range units {
		if err := c.queue.Publish(ctx, u.Message(), 0); err != nil {
			return nil, fmt.Errorf("publish unit %s: %w", u.ID, err)
		}
		handles = append(handles, TaskHandle{
			UnitID: u.ID, RunID: runID, DocumentID: doc.UUID, Kind: u.Kind, Name: u.Payload.Name,
		})
	}

	logger.Info("[Ingest] Submitted document", "document_id", doc.UUID, "run_id", runID,
		"pages", len(pages), "units", len(units))
	return handles, nil
}

func (c *Coordinator) resolve(ctx context.Context, req SubmitRequest) (common.Document, error) {
	doc := common.Document{
		UUID:      req.DocumentID,
		Name:      strings.TrimSpace(req.Name),
		Publisher: strings.TrimSpace(req.Publisher),
		Type:      req.Type,
		AddedDate: c.now().UTC(),
	}
	if doc.UUID == "" {
		doc.UUID = uuid.NewString()
	}
	if doc.Type == "" {
		doc.Type = common.DocumentTypeDocument
	}

	if strings.TrimSpace(req.Text) != "" {
		doc.Text = loader.CleanText(util.SanitizeText(req.Text))
	} else {
		if c.loader == nil {
			return doc, apperr.Permanent("ingest.Submit", errors.New("no loader configured for url and file sources"))
		}
		loaded, err := c.loader.Load(ctx, loader.Source{URL: req.URL, FileKey: req.FileKey})
		if err != nil {
			return doc, err
		}
		doc.Text = util.SanitizeText(loaded.Text)
		doc.URL = loaded.URL
		if doc.Name == "" {
			doc.Name = loaded.Title
		}
		if doc.Publisher == "" {
			doc.Publisher = loaded.Publisher
		}
	}
	if doc.Text == "" {
		return doc, apperr.Validation("ingest.Submit", "document text is empty")
	}
	if doc.Name == "" {
		doc.Name = util.Truncate(doc.Text, 60)
	}
	doc.WordCount = len(strings.Fields(doc.Text))
	return doc, nil
}

func (c *Coordinator) newUnit(runID, documentID string, kind UnitKind, pageIndex, childIndex int, payload Payload, now time.Time) Unit {
	return Unit{
		ID:          UnitID(runID, kind, pageIndex, childIndex),
		RunID:       runID,
		DocumentID:  documentID,
		Kind:        kind,
		PageIndex:   pageIndex,
		ChildIndex:  childIndex,
		Payload:     payload,
		State:       StateQueued,
		MaxAttempts: c.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Unit returns the current state of one unit.
func (c *Coordinator) Unit(ctx context.Context, unitID string) (Unit, error) {
	return c.units.GetUnit(ctx, unitID)
}

// Purge abandons the units of a run that have not started. Running units
// finish on their own.
func (c *Coordinator) Purge(ctx context.Context, runID string) (int, error) {
	if strings.TrimSpace(runID) == "" {
		return 0, apperr.Validation("ingest.Purge", "run id is required")
	}
	n, err := c.units.AbandonRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("abandon run %s: %w", runID, err)
	}
	logger.Info("[Ingest] Purged run", "run_id", runID, "abandoned", n)
	return n, nil
}

// PurgeQueue drops every waiting message and abandons every queued unit.
// It returns the number of dropped messages.
func (c *Coordinator) PurgeQueue(ctx context.Context) (int, error) {
	n, err := c.queue.PurgeAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	abandoned, err := c.units.AbandonQueued(ctx)
	if err != nil {
		return n, fmt.Errorf("abandon queued units: %w", err)
	}
	logger.Warn("[Ingest] Purged ingestion queue", "messages", n, "abandoned", abandoned)
	return n, nil
}

// DeleteDocument abandons the queued and running units of the document and
// then removes its subtree from the graph. Units still running when the
// subtree goes cannot write into it again, since their writes require the
// document.
func (c *Coordinator) DeleteDocument(ctx context.Context, documentID string) error {
	abandoned, err := c.units.AbandonDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("abandon units of %s: %w", documentID, err)
	}
	n, err := c.writer.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if n == 0 && abandoned == 0 {
		return apperr.NotFound("ingest.DeleteDocument", fmt.Errorf("document %s", documentID))
	}
	logger.Info("[Ingest] Deleted document", "document_id", documentID, "nodes", n, "abandoned", abandoned)
	return nil
}

// MarkFailed fails a unit whose message could not be delivered.
func (c *Coordinator) MarkFailed(ctx context.Context, unitID, reason string) error {
	return c.units.FailUnit(ctx, unitID, reason)
}

// Recover republishes queued units whose message was lost and running units
// whose worker went away.
func (c *Coordinator) Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := c.units.ListStale(ctx, olderThan, c.staleAfter, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale units: %w", err)
	}
	if len(stale) == 0 {
		logger.Debug("[Ingest] No stale units found")
		return 0, nil
	}
	n := 0
	for _, u := range stale {
		if err := c.queue.Publish(ctx, u.Message(), 0); err != nil {
			logger.Error("[Ingest] Failed to republish stale unit", "unit_id", u.ID, "err", err)
			continue
		}
		n++
	}
	logger.Info("[Ingest] Recovered stale units", "count", n)
	return n, nil
}
