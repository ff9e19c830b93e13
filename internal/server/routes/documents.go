package routes

import (
	"net/http"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/ingest"
)

type documentParams struct {
	DocumentID string `param:"id" validate:"required,uuid"`
}

// CreateDocumentHandler queues a document for ingestion.
func CreateDocumentHandler(c echo.Context) error {
	type createDocumentBody struct {
		DocumentID string `json:"document_id" validate:"omitempty,uuid"`
		Name       string `json:"name"`
		Text       string `json:"text"`
		URL        string `json:"url" validate:"omitempty,url"`
		FileKey    string `json:"file_key"`
		Publisher  string `json:"publisher"`
		Type       string `json:"type"`

		GenerateSummaries  *bool `json:"generate_summaries"`
		GenerateQuestions  *bool `json:"generate_questions"`
		GenerateCategories *bool `json:"generate_categories"`
	}

	type createDocumentResponse struct {
		Message    string              `json:"message"`
		DocumentID string              `json:"document_id"`
		RunID      string              `json:"run_id"`
		Units      []ingest.TaskHandle `json:"units"`
	}

	data := new(createDocumentBody)
	if err := c.Bind(data); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return badRequest(c, "Invalid request body")
	}

	derive := ingest.AllDerivations
	if data.GenerateSummaries != nil {
		derive.Summaries = *data.GenerateSummaries
	}
	if data.GenerateQuestions != nil {
		derive.Questions = *data.GenerateQuestions
	}
	if data.GenerateCategories != nil {
		derive.Categories = *data.GenerateCategories
	}

	handles, err := app(c).Ingest.Submit(c.Request().Context(), ingest.SubmitRequest{
		DocumentID: data.DocumentID,
		Name:       data.Name,
		Text:       data.Text,
		URL:        data.URL,
		FileKey:    data.FileKey,
		Publisher:  data.Publisher,
		Type:       common.DocumentType(data.Type),
		Derive:     &derive,
	})
	if err != nil {
		return fail(c, err)
	}

	res := createDocumentResponse{Message: "Document queued", Units: handles}
	if len(handles) > 0 {
		res.DocumentID = handles[0].DocumentID
		res.RunID = handles[0].RunID
	}
	return c.JSON(http.StatusAccepted, res)
}

// GetDocumentProgressHandler reports the latest run of a document.
func GetDocumentProgressHandler(c echo.Context) error {
	params := new(documentParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}

	progress, err := app(c).Ingest.Progress(c.Request().Context(), params.DocumentID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, progress)
}

func DeleteDocumentHandler(c echo.Context) error {
	params := new(documentParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}

	if err := app(c).Ingest.DeleteDocument(c.Request().Context(), params.DocumentID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Document deleted"})
}
