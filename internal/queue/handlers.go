package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/category"
	"github.com/menome/thelink/backend/pkg/community"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/leaselock"
	"github.com/menome/thelink/backend/pkg/logger"
)

// Units is the part of *ingest.Coordinator the worker drives.
type Units interface {
	Execute(ctx context.Context, unitID string) error
	MarkFailed(ctx context.Context, unitID, reason string) error
	Recover(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Deduplicator interface {
	Deduplicate(ctx context.Context, params category.Params) (category.Report, error)
}

type Communities interface {
	Generate(ctx context.Context) (community.Result, error)
	Summarize(ctx context.Context) ([]community.Summary, error)
}

type Locker interface {
	Run(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// Handlers turns queue messages into calls on the core.
type Handlers struct {
	units       Units
	dedupe      Deduplicator
	communities Communities
	locker      Locker

	dedupeParams category.Params
	lease        leaselock.Options
	recoverAfter time.Duration
	recoverLimit int
}

type NewHandlersParams struct {
	Units        Units
	Deduplicator Deduplicator
	Communities  Communities
	// Locker serialises maintenance jobs across workers. Optional for a
	// single worker.
	Locker Locker

	DedupeParams category.Params
	Lease        leaselock.Options
	// RecoverAfter is how long a queued unit may sit untouched before a
	// recover job republishes it. Default 10m.
	RecoverAfter time.Duration
	RecoverLimit int
}

func NewHandlers(params NewHandlersParams) *Handlers {
	if params.DedupeParams == (category.Params{}) {
		params.DedupeParams = category.Params{
			SimilarityCutoff: category.DefaultSimilarityCutoff,
			WordSimilarity:   category.DefaultWordSimilarity,
		}
	}
	if params.RecoverAfter <= 0 {
		params.RecoverAfter = 10 * time.Minute
	}
	if params.RecoverLimit <= 0 {
		params.RecoverLimit = 500
	}
	return &Handlers{
		units:        params.Units,
		dedupe:       params.Deduplicator,
		communities:  params.Communities,
		locker:       params.Locker,
		dedupeParams: params.DedupeParams,
		lease:        params.Lease,
		recoverAfter: params.RecoverAfter,
		recoverLimit: params.RecoverLimit,
	}
}

// Dispatch routes a delivery by the queue it came from.
func (h *Handlers) Dispatch(ctx context.Context, queueName string, body []byte) error {
	switch queueName {
	case IngestQueue:
		return h.HandleUnit(ctx, body)
	case MaintenanceQueue:
		return h.HandleJob(ctx, body)
	default:
		return apperr.Permanent("queue.Dispatch", fmt.Errorf("no handler for queue %q", queueName))
	}
}

func (h *Handlers) HandleUnit(ctx context.Context, body []byte) error {
	var msg ingest.Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.UnitID == "" {
		return apperr.Permanent("queue.HandleUnit", fmt.Errorf("malformed unit message: %q", body))
	}
	return h.units.Execute(ctx, msg.UnitID)
}

func (h *Handlers) HandleJob(ctx context.Context, body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return apperr.Permanent("queue.HandleJob", fmt.Errorf("malformed job message: %q", body))
	}
	if err := job.validate(); err != nil {
		return apperr.Permanent("queue.HandleJob", err)
	}

	key, run := h.job(job)
	if h.locker == nil {
		return run(ctx)
	}
	err := h.locker.Run(ctx, key, h.lease, run)
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Queue] Maintenance job already running elsewhere, skipping", "kind", job.Kind)
		return nil
	}
	return err
}

func (h *Handlers) job(job Job) (string, func(ctx context.Context) error) {
	switch job.Kind {
	case JobDeduplicate:
		params := h.dedupeParams
		if job.Dedupe != nil {
			params = *job.Dedupe
		}
		return leaselock.KeyDeduplicate, func(ctx context.Context) error {
			report, err := h.dedupe.Deduplicate(ctx, params)
			if err != nil {
				return err
			}
			logger.Info("[Queue] Deduplication finished", "merged", report.Merged, "deleted", report.Deleted,
				"noise", report.Noise, "orphans", report.Orphans, "duration", report.Duration)
			return nil
		}
	case JobCommunities:
		return leaselock.KeyCommunities, func(ctx context.Context) error {
			_, err := h.communities.Generate(ctx)
			return err
		}
	case JobCommunitySummaries:
		return leaselock.KeyCommunitySummary, func(ctx context.Context) error {
			summaries, err := h.communities.Summarize(ctx)
			if err != nil {
				return err
			}
			logger.Info("[Queue] Community summaries written", "count", len(summaries))
			return nil
		}
	default:
		return leaselock.KeyRecoverStaleUnits, func(ctx context.Context) error {
			_, err := h.units.Recover(ctx, h.recoverAfter, h.recoverLimit)
			return err
		}
	}
}

// HandleDeadLetter records the failure of a message that will not be
// delivered again.
func (h *Handlers) HandleDeadLetter(ctx context.Context, queueName string, body []byte, reason string) error {
	if queueName != IngestQueue {
		logger.Error("[Queue] Maintenance job dead-lettered", "queue", queueName, "reason", reason)
		return nil
	}
	var msg ingest.Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.UnitID == "" {
		logger.Error("[Queue] Dead-lettered message is not a unit", "body", string(body))
		return nil
	}
	return h.units.MarkFailed(ctx, msg.UnitID, reason)
}
