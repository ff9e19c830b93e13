package server

import (
	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Document routes
	apiRoutes.POST("/documents", routes.CreateDocumentHandler)
	apiRoutes.GET("/documents/:id/progress", routes.GetDocumentProgressHandler)
	apiRoutes.DELETE("/documents/:id", routes.DeleteDocumentHandler)

	// Unit and queue routes
	apiRoutes.GET("/units/:id", routes.GetUnitHandler)
	apiRoutes.POST("/runs/:id/purge", routes.PurgeRunHandler)
	apiRoutes.POST("/queue/purge", routes.PurgeQueueHandler)

	// Maintenance routes
	apiRoutes.POST("/categories/dedupe", routes.DedupeCategoriesHandler)
	apiRoutes.POST("/communities", routes.GenerateCommunitiesHandler)
	apiRoutes.POST("/communities/summaries", routes.SummarizeCommunitiesHandler)

	// Query routes
	apiRoutes.POST("/answer", routes.AnswerHandler)
	apiRoutes.POST("/find", routes.FindHandler)
}
