package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ExtractionResult is the outcome of one structured model call: either a
// decoded payload or the raw text that could not be decoded.
type ExtractionResult[T any] struct {
	payload T
	raw     string
	failed  bool
}

func Success[T any](payload T) ExtractionResult[T] {
	return ExtractionResult[T]{payload: payload}
}

func ParseFailure[T any](raw string) ExtractionResult[T] {
	return ExtractionResult[T]{raw: raw, failed: true}
}

// Payload returns the decoded value and false for a parse failure.
func (r ExtractionResult[T]) Payload() (T, bool) {
	return r.payload, !r.failed
}

func (r ExtractionResult[T]) Failed() bool {
	return r.failed
}

// Raw is the undecodable model output of a parse failure.
func (r ExtractionResult[T]) Raw() string {
	return r.raw
}

func mapResult[A, B any](r ExtractionResult[A], fn func(A) B) ExtractionResult[B] {
	if r.failed {
		return ParseFailure[B](r.raw)
	}
	return Success(fn(r.payload))
}

func structured[R any](
	ctx context.Context,
	client GraphAIClient,
	name, description, prompt string,
	opts ...GenerateOption,
) (ExtractionResult[R], error) {
	var out R
	err := client.GenerateCompletionWithFormat(ctx, name, description, prompt, &out, opts...)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return ParseFailure[R](parseErr.Raw), nil
		}
		return ExtractionResult[R]{}, err
	}
	return Success(out), nil
}

type CategoryCandidate struct {
	Name        string `json:"name" jsonschema_description:"Short canonical name of the category."`
	Description string `json:"description" jsonschema_description:"One sentence describing the category in the context of the text."`
}

type categoriesResponse struct {
	Categories []CategoryCandidate `json:"categories" jsonschema_description:"Categories mentioned in the text."`
}

// ExtractCategories asks the model for the categories a chunk mentions.
// Blank names are dropped.
func ExtractCategories(
	ctx context.Context,
	client GraphAIClient,
	text string,
	opts ...GenerateOption,
) (ExtractionResult[[]CategoryCandidate], error) {
	res, err := structured[categoriesResponse](
		ctx, client, "extract_categories", "Extract categories from a text.",
		fmt.Sprintf(CategoryPrompt, text), opts...,
	)
	if err != nil {
		return ExtractionResult[[]CategoryCandidate]{}, err
	}
	return mapResult(res, func(r categoriesResponse) []CategoryCandidate {
		out := make([]CategoryCandidate, 0, len(r.Categories))
		for _, c := range r.Categories {
			c.Name = strings.TrimSpace(c.Name)
			c.Description = strings.TrimSpace(c.Description)
			if c.Name == "" {
				continue
			}
			out = append(out, c)
		}
		return out
	}), nil
}

type summaryResponse struct {
	Summary string `json:"summary" jsonschema_description:"The summary text."`
}

// Summarize produces the summary of one page.
func Summarize(
	ctx context.Context,
	client GraphAIClient,
	text string,
	opts ...GenerateOption,
) (ExtractionResult[string], error) {
	res, err := structured[summaryResponse](
		ctx, client, "summarize_page", "Summarize a page of a document.",
		fmt.Sprintf(SummaryPrompt, text), opts...,
	)
	if err != nil {
		return ExtractionResult[string]{}, err
	}
	return mapResult(res, func(r summaryResponse) string {
		return strings.TrimSpace(r.Summary)
	}), nil
}

type questionsResponse struct {
	Questions []string `json:"questions" jsonschema_description:"Questions answered by the text."`
}

// GenerateQuestions asks for up to limit questions the page answers. Extra
// questions are cut off.
func GenerateQuestions(
	ctx context.Context,
	client GraphAIClient,
	text string,
	limit int,
	opts ...GenerateOption,
) (ExtractionResult[[]string], error) {
	res, err := structured[questionsResponse](
		ctx, client, "generate_questions", "Generate questions answered by a page.",
		fmt.Sprintf(QuestionsPrompt, limit, text), opts...,
	)
	if err != nil {
		return ExtractionResult[[]string]{}, err
	}
	return mapResult(res, func(r questionsResponse) []string {
		out := make([]string, 0, len(r.Questions))
		for _, q := range r.Questions {
			if q = strings.TrimSpace(q); q != "" {
				out = append(out, q)
			}
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out
	}), nil
}

type QuestionClass string

const (
	QuestionGeneral  QuestionClass = "general"
	QuestionSpecific QuestionClass = "specific"
)

type classifyResponse struct {
	Classification string `json:"classification" jsonschema:"enum=general,enum=specific" jsonschema_description:"Either general or specific."`
}

// ClassifyQuestion labels a question general or specific. Output that does
// not name either class is read as general.
func ClassifyQuestion(
	ctx context.Context,
	client GraphAIClient,
	question string,
	opts ...GenerateOption,
) (QuestionClass, error) {
	res, err := structured[classifyResponse](
		ctx, client, "classify_question", "Classify a question as general or specific.",
		fmt.Sprintf(ClassifyPrompt, question), opts...,
	)
	if err != nil {
		return "", err
	}
	payload, ok := res.Payload()
	if ok && QuestionClass(strings.ToLower(strings.TrimSpace(payload.Classification))) == QuestionSpecific {
		return QuestionSpecific, nil
	}
	return QuestionGeneral, nil
}

type cypherResponse struct {
	Cypher string `json:"cypher" jsonschema_description:"A single read-only Cypher query."`
}

// GenerateCypher translates a question into a read-only graph query. When
// previous is set the model is shown the failed query and its error.
func GenerateCypher(
	ctx context.Context,
	client GraphAIClient,
	question string,
	previous string,
	previousErr error,
	opts ...GenerateOption,
) (ExtractionResult[string], error) {
	feedback := "None"
	if previous != "" {
		feedback = fmt.Sprintf("Query:\n%s\nError:\n%v", previous, previousErr)
	}
	res, err := structured[cypherResponse](
		ctx, client, "generate_cypher", "Translate a question into a Cypher query.",
		fmt.Sprintf(CypherPrompt, question, feedback), opts...,
	)
	if err != nil {
		return ExtractionResult[string]{}, err
	}
	return mapResult(res, func(r cypherResponse) string {
		return strings.TrimSpace(r.Cypher)
	}), nil
}

// CommunityMember is the text shown to the model for one category.
type CommunityMember struct {
	Name        string
	Description string
}

// SummarizeCommunity writes the summary of a cluster of categories.
func SummarizeCommunity(
	ctx context.Context,
	client GraphAIClient,
	members []CommunityMember,
	opts ...GenerateOption,
) (ExtractionResult[string], error) {
	var b strings.Builder
	for _, m := range members {
		if m.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", m.Name, m.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", m.Name)
		}
	}
	res, err := structured[summaryResponse](
		ctx, client, "summarize_community", "Summarize a community of categories.",
		fmt.Sprintf(CommunityPrompt, b.String()), opts...,
	)
	if err != nil {
		return ExtractionResult[string]{}, err
	}
	return mapResult(res, func(r summaryResponse) string {
		return strings.TrimSpace(r.Summary)
	}), nil
}
