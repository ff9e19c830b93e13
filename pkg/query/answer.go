package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"
)

// NoDataAnswer is returned when the searches succeeded but found nothing.
const NoDataAnswer = "I could not find any information about this question."

const maxSourceChars = 2000

// Answer is a composed reply with the sources it was grounded on.
type Answer struct {
	Question    string          `json:"question"`
	Answer      string          `json:"answer"`
	Sources     []common.Source `json:"sources"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}

// indexes searched per question class.
var classIndexes = map[ai.QuestionClass][]store.VectorIndex{
	ai.QuestionGeneral:  {store.IndexSummary, store.IndexPage},
	ai.QuestionSpecific: {store.IndexChild},
}

// Answer classifies the question, searches the graph and, when the graph
// holds fewer than MinSources relevant sources, searches the web once before
// composing the answer. The returned Answer always carries diagnostics, also
// alongside an error.
func (r *Router) Answer(ctx context.Context, question string) (Answer, error) {
	req := r.begin()
	res := Answer{Question: util.CollapseWhitespace(question)}

	err := r.answer(ctx, req, &res)
	req.finish("answer", err)
	res.Diagnostics = req.diagnostics(err)
	return res, err
}

func (r *Router) answer(ctx context.Context, req *request, res *Answer) error {
	doneSetup := req.sw.Stage(timing.StageSetup)
	if res.Question == "" {
		doneSetup()
		return apperr.Validation("query.Answer", "question is empty")
	}
	class, err := ai.ClassifyQuestion(ctx, r.ai, res.Question, r.opts...)
	doneSetup()
	if err != nil {
		return fmt.Errorf("classify question: %w", err)
	}
	req.class = class
	if err := req.sm.to(StateClassified); err != nil {
		return err
	}

	if err := req.sm.to(StateInternalSearch); err != nil {
		return err
	}
	doneRetrieval := req.sw.Stage(timing.StageRetrieval)
	sources, internalErr := r.searchInternal(ctx, req, class, res.Question)
	if internalErr != nil {
		logger.Warn("[Query] Internal search failed", "class", class, "err", internalErr)
	}

	var externalErr error
	if len(sources) < r.minSources && r.searcher != nil {
		if err := req.sm.to(StateExternalSearch); err != nil {
			doneRetrieval()
			return err
		}
		req.external = true
		var external []common.Source
		external, externalErr = r.searchExternal(ctx, req, res.Question)
		if externalErr != nil {
			logger.Warn("[Query] External search failed", "err", externalErr)
		}
		sources = append(sources, external...)
	}
	doneRetrieval()

	if len(sources) == 0 && (internalErr != nil || externalErr != nil) {
		return fmt.Errorf("all search paths failed: %w", errors.Join(internalErr, externalErr))
	}

	res.Sources = sources
	RecordConsideredSourceIDs(req.tracer(), sourceIDs(sources)...)

	doneCompose := req.sw.Stage(timing.StageCompose)
	defer doneCompose()
	if len(sources) == 0 {
		res.Answer = NoDataAnswer
		return req.sm.to(StateComposed)
	}

	prompt := fmt.Sprintf(ai.AnswerPrompt, res.Question, formatSources(sources))
	text, err := r.ai.GenerateCompletion(ctx, prompt, r.opts...)
	if err != nil {
		return fmt.Errorf("compose answer: %w", err)
	}
	res.Answer = util.NormalizeCitations(strings.TrimSpace(text))
	RecordUsedSourceIDs(req.tracer(), citedIDs(res.Answer, sources)...)

	return req.sm.to(StateComposed)
}

// searchInternal embeds the question once and queries every index of its
// class. Sources found before a failing index are kept.
func (r *Router) searchInternal(
	ctx context.Context,
	req *request,
	class ai.QuestionClass,
	question string,
) ([]common.Source, error) {
	start := time.Now()
	vec, err := r.embedder.Embed(ctx, question)
	RecordToolCall(req.tracer(), "embed_question", "", time.Since(start).Milliseconds(), err)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	best := make(map[string]common.Source)
	var errs []error
	for _, index := range classIndexes[class] {
		start := time.Now()
		found, err := r.store.SearchSimilar(ctx, index, vec, r.topK, r.scoreThreshold)
		RecordToolCall(req.tracer(), "graph_search", string(index), time.Since(start).Milliseconds(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("search %s: %w", index, err))
			continue
		}
		for _, src := range found {
			if src.Score < r.scoreThreshold {
				continue
			}
			if prev, ok := best[src.ID]; !ok || src.Score > prev.Score {
				best[src.ID] = src
			}
		}
	}

	out := make([]common.Source, 0, len(best))
	for _, src := range best {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > r.topK {
		out = out[:r.topK]
	}
	return out, errors.Join(errs...)
}

// searchExternal runs the single allowed web search. Result ids are derived
// from the URL so the same page always gets the same citation id.
func (r *Router) searchExternal(ctx context.Context, req *request, question string) ([]common.Source, error) {
	start := time.Now()
	results, err := r.searcher.Search(ctx, question)
	RecordToolCall(req.tracer(), "external_search", question, time.Since(start).Milliseconds(), err)
	if err != nil {
		return nil, err
	}

	out := make([]common.Source, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(res.URL)).String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, common.Source{
			ID:    id,
			Kind:  common.SourceKindExternal,
			Name:  res.Title,
			Text:  res.Snippet,
			Score: res.Score,
			URL:   res.URL,
		})
	}
	return out, nil
}

func formatSources(sources []common.Source) string {
	var b strings.Builder
	for _, src := range sources {
		fmt.Fprintf(&b, "[[%s]]", src.ID)
		if src.Name != "" {
			fmt.Fprintf(&b, " %s", src.Name)
		}
		switch {
		case src.DocumentName != "":
			fmt.Fprintf(&b, " (%s)", src.DocumentName)
		case src.URL != "":
			fmt.Fprintf(&b, " (%s)", src.URL)
		}
		b.WriteString("\n")
		b.WriteString(util.Truncate(util.CollapseWhitespace(src.Text), maxSourceChars))
		b.WriteString("\n\n")
	}
	return b.String()
}

func sourceIDs(sources []common.Source) []string {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	return ids
}

// citedIDs keeps the cited ids that name a source of this request.
func citedIDs(answer string, sources []common.Source) []string {
	known := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		known[s.ID] = struct{}{}
	}
	var out []string
	for _, id := range util.ExtractCitations(answer) {
		if _, ok := known[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
