package queue

import (
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/category"
)

// JobKind names a maintenance job.
type JobKind string

const (
	JobDeduplicate        JobKind = "deduplicate"
	JobCommunities        JobKind = "communities"
	JobCommunitySummaries JobKind = "community_summaries"
	JobRecoverUnits       JobKind = "recover_units"
)

// Job is a maintenance_queue message.
type Job struct {
	Kind JobKind `json:"kind"`
	// Dedupe overrides the configured thresholds of a deduplicate job.
	Dedupe      *category.Params `json:"dedupe,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
}

func (j Job) validate() error {
	switch j.Kind {
	case JobDeduplicate, JobCommunities, JobCommunitySummaries, JobRecoverUnits:
	default:
		return apperr.Validation("queue.Job", "unknown job kind %q", j.Kind)
	}
	if j.Dedupe != nil && j.Kind != JobDeduplicate {
		return apperr.Validation("queue.Job", "dedupe parameters only apply to %s jobs", JobDeduplicate)
	}
	return nil
}
