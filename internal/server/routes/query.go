package routes

import (
	"net/http"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

type questionBody struct {
	Question string `json:"question" validate:"required"`
}

func bindQuestion(c echo.Context) (string, error) {
	data := new(questionBody)
	if err := c.Bind(data); err != nil {
		return "", err
	}
	if err := c.Validate(data); err != nil {
		return "", err
	}
	return data.Question, nil
}

// AnswerHandler composes an answer with citations. Diagnostics are returned
// alongside the error message when the router fails.
func AnswerHandler(c echo.Context) error {
	question, err := bindQuestion(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	answer, err := app(c).Router.Answer(c.Request().Context(), question)
	if err != nil {
		return c.JSON(statusOf(err), answer.Diagnostics)
	}
	return c.JSON(http.StatusOK, answer)
}

// FindHandler returns the graph nodes matching a question.
func FindHandler(c echo.Context) error {
	question, err := bindQuestion(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := app(c).Router.Find(c.Request().Context(), question)
	if err != nil {
		return c.JSON(statusOf(err), res.Diagnostics)
	}
	return c.JSON(http.StatusOK, res)
}
