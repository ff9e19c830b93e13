package ingest

import (
	"context"
	"fmt"

	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/apperr"
)

// Status is the aggregate state of a document's latest run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusPartiallyFailed Status = "partially_failed"
	StatusComplete        Status = "complete"
)

type Progress struct {
	DocumentID string            `json:"document_id"`
	Status     Status            `json:"status"`
	Counts     util.UnitCounts   `json:"counts"`
	Progress   util.UnitProgress `json:"progress"`
}

// StatusOf aggregates unit counts. Nothing started is pending, anything
// queued or running is in progress, and a finished run is complete only if
// every unit succeeded.
func StatusOf(c util.UnitCounts) Status {
	switch {
	case c.Queued == c.Total():
		return StatusPending
	case c.Queued > 0 || c.Running > 0:
		return StatusInProgress
	case c.Failed > 0 || c.Abandoned > 0:
		return StatusPartiallyFailed
	default:
		return StatusComplete
	}
}

// Progress reports the latest run of a document.
func (c *Coordinator) Progress(ctx context.Context, documentID string) (Progress, error) {
	counts, err := c.units.CountUnits(ctx, documentID)
	if err != nil {
		return Progress{}, fmt.Errorf("count units: %w", err)
	}
	if counts.Total() == 0 {
		return Progress{}, apperr.NotFound("ingest.Progress", fmt.Errorf("no units for document %s", documentID))
	}
	return Progress{
		DocumentID: documentID,
		Status:     StatusOf(counts),
		Counts:     counts,
		Progress:   util.BuildUnitProgress(counts),
	}, nil
}
