package middleware

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/internal/queue"
	"github.com/menome/thelink/backend/pkg/ingest"
	"github.com/menome/thelink/backend/pkg/query"
)

// Ingestion is the part of *ingest.Coordinator the routes use.
type Ingestion interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) ([]ingest.TaskHandle, error)
	Progress(ctx context.Context, documentID string) (ingest.Progress, error)
	Unit(ctx context.Context, unitID string) (ingest.Unit, error)
	Purge(ctx context.Context, runID string) (int, error)
	PurgeQueue(ctx context.Context) (int, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

type Retrieval interface {
	Answer(ctx context.Context, question string) (query.Answer, error)
	Find(ctx context.Context, question string) (query.FindResult, error)
}

type Jobs interface {
	PublishJob(ctx context.Context, job queue.Job) error
}

type App struct {
	Ingest Ingestion
	Router Retrieval
	Jobs   Jobs
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
