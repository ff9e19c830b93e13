package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/menome/thelink/backend/internal/util"
)

// ErrUnitSettled is returned by a state change whose unit has already left
// the state the change starts from, for example a running unit abandoned by
// DeleteDocument. Callers treat it as a no-op.
var ErrUnitSettled = errors.New("unit already settled")

// UnitStore persists units and their state. Every state change is a single
// atomic update.
type UnitStore interface {
	// CreateUnits inserts units in state queued. Units whose id already
	// exists are left untouched.
	CreateUnits(ctx context.Context, units []Unit) error
	// GetUnit returns apperr.ErrNotFound for unknown ids.
	GetUnit(ctx context.Context, id string) (Unit, error)
	// ClaimUnit moves a queued unit, or a running unit not updated within
	// staleAfter, to running and counts an attempt. It reports ClaimBusy
	// when ceiling units of the same document are already running.
	ClaimUnit(ctx context.Context, id string, ceiling int, staleAfter time.Duration) (Unit, ClaimResult, error)
	// CompleteUnit moves a running unit to succeeded and inserts the units
	// derived from it in the same transaction.
	CompleteUnit(ctx context.Context, id string, derived []Unit) error
	// RetryUnit moves a running unit back to queued, keeping its attempts.
	RetryUnit(ctx context.Context, id string, reason string) error
	// ReleaseUnit moves a running unit back to queued and gives back the
	// attempt its claim counted.
	ReleaseUnit(ctx context.Context, id string) error
	// FailUnit fails a queued or running unit.
	FailUnit(ctx context.Context, id string, reason string) error
	// AbandonRun abandons the queued units of a run.
	AbandonRun(ctx context.Context, runID string) (int, error)
	// AbandonDocument abandons the queued and running units of every run of
	// a document.
	AbandonDocument(ctx context.Context, documentID string) (int, error)
	// AbandonQueued abandons every queued unit.
	AbandonQueued(ctx context.Context) (int, error)
	// CountUnits counts units per state for the latest run of a document.
	CountUnits(ctx context.Context, documentID string) (util.UnitCounts, error)
	// ListStale returns queued units not touched within olderThan and
	// running units not touched within staleAfter.
	ListStale(ctx context.Context, olderThan, staleAfter time.Duration, limit int) ([]Unit, error)
}

// Queue delivers unit messages at least once.
type Queue interface {
	// Publish delivers msg after delay.
	Publish(ctx context.Context, msg Message, delay time.Duration) error
	// PurgeAll drops every message still waiting for delivery.
	PurgeAll(ctx context.Context) (int, error)
}
