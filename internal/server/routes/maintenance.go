package routes

import (
	"net/http"
	"time"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/internal/queue"
	"github.com/menome/thelink/backend/pkg/category"
)

type jobResponse struct {
	Message string        `json:"message"`
	Kind    queue.JobKind `json:"kind"`
}

func enqueue(c echo.Context, job queue.Job) error {
	job.RequestedAt = time.Now().UTC()
	if err := app(c).Jobs.PublishJob(c.Request().Context(), job); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, jobResponse{Message: "Job queued", Kind: job.Kind})
}

// DedupeCategoriesHandler queues a deduplication run. Both thresholds are
// optional; a body that sets one must set both.
func DedupeCategoriesHandler(c echo.Context) error {
	type dedupeBody struct {
		SimilarityCutoff *float64 `json:"similarity_cutoff" validate:"omitempty,gt=0,lte=1"`
		WordSimilarity   *float64 `json:"word_similarity" validate:"omitempty,gt=0,lte=1"`
	}

	data := new(dedupeBody)
	if err := c.Bind(data); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if (data.SimilarityCutoff == nil) != (data.WordSimilarity == nil) {
		return badRequest(c, "similarity_cutoff and word_similarity must be set together")
	}

	job := queue.Job{Kind: queue.JobDeduplicate}
	if data.SimilarityCutoff != nil {
		job.Dedupe = &category.Params{
			SimilarityCutoff: *data.SimilarityCutoff,
			WordSimilarity:   *data.WordSimilarity,
		}
	}
	return enqueue(c, job)
}

func GenerateCommunitiesHandler(c echo.Context) error {
	return enqueue(c, queue.Job{Kind: queue.JobCommunities})
}

func SummarizeCommunitiesHandler(c echo.Context) error {
	return enqueue(c, queue.Job{Kind: queue.JobCommunitySummaries})
}
