package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/menome/thelink/backend/internal/timing"
	"github.com/menome/thelink/backend/internal/util"
	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"
)

// FindResult holds the graph data matching a question. There is no composed
// answer text; callers render the sources themselves.
type FindResult struct {
	Question    string          `json:"question"`
	Cypher      string          `json:"cypher,omitempty"`
	Sources     []common.Source `json:"sources"`
	Rows        []store.Row     `json:"rows"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}

var (
	reLiteral  = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"|` + "`[^`]*`")
	reComment  = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
	reWrite    = regexp.MustCompile(`(?i)\b(CREATE|MERGE|SET|DELETE|DETACH|REMOVE|DROP|FOREACH|CALL|USE|LOAD\s+CSV)\b`)
	reReturn   = regexp.MustCompile(`(?i)\bRETURN\b`)
	reLimit    = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\s*$`)
	reHasLimit = regexp.MustCompile(`(?i)\bLIMIT\b`)

	// label and type chains inside node and relationship patterns, e.g.
	// (d:Document) or [:HAS_PAGE|HAS_CHILD*1..2]
	reNodeLabels = regexp.MustCompile(`\(\s*\w*\s*:\s*(` + identChain + `)`)
	reRelTypes   = regexp.MustCompile(`\[\s*\w*\s*:\s*(` + identChain + `)`)
)

const identChain = `!?\s*(?:\w+|'')(?:\s*[|&:]\s*!?\s*(?:\w+|''))*`

// sourceKinds maps node labels that can be returned as sources.
var sourceKinds = map[string]common.SourceKind{
	store.LabelDocument: common.SourceKindDocument,
	store.LabelPage:     common.SourceKindPage,
	store.LabelChild:    common.SourceKindChild,
	store.LabelSummary:  common.SourceKindSummary,
	store.LabelQuestion: common.SourceKindQuestion,
}

// Find translates the question into a read-only graph query and returns the
// matching nodes. A query that fails validation or execution is regenerated
// with the error as feedback at most MaxRegenerations times; after that Find
// returns an empty result without error.
func (r *Router) Find(ctx context.Context, question string) (FindResult, error) {
	req := r.begin()
	res := FindResult{Question: util.CollapseWhitespace(question)}

	err := r.find(ctx, req, &res)
	req.finish("find", err)
	res.Diagnostics = req.diagnostics(err)
	return res, err
}

func (r *Router) find(ctx context.Context, req *request, res *FindResult) error {
	doneSetup := req.sw.Stage(timing.StageSetup)
	if res.Question == "" {
		doneSetup()
		return apperr.Validation("query.Find", "question is empty")
	}
	err := req.sm.to(StateClassified)
	if err == nil {
		err = req.sm.to(StateStructuredQuery)
	}
	doneSetup()
	if err != nil {
		return err
	}

	doneRetrieval := req.sw.Stage(timing.StageRetrieval)
	defer doneRetrieval()

	var previous string
	var previousErr error
	for attempt := 0; attempt <= r.maxRegenerations; attempt++ {
		req.attempts++
		generated, err := ai.GenerateCypher(ctx, r.ai, res.Question, previous, previousErr, r.opts...)
		if err != nil {
			return fmt.Errorf("generate query: %w", err)
		}
		raw, ok := generated.Payload()
		if !ok {
			previous = generated.Raw()
			previousErr = apperr.QueryGeneration("query.Find", errors.New("reply did not contain a query"))
			continue
		}

		cypher, err := r.prepareCypher(raw)
		if err != nil {
			RecordToolCall(req.tracer(), "graph_query", raw, 0, err)
			previous, previousErr = raw, err
			continue
		}

		start := time.Now()
		rows, err := r.store.Query(ctx, cypher, nil)
		RecordToolCall(req.tracer(), "graph_query", cypher, time.Since(start).Milliseconds(), err)
		if err != nil {
			if errors.Is(err, apperr.ErrQueryGeneration) {
				previous, previousErr = cypher, err
				continue
			}
			return fmt.Errorf("run query: %w", err)
		}

		res.Cypher = cypher
		res.Rows, res.Sources = collectRows(req.tracer(), rows)
		ids := sourceIDs(res.Sources)
		RecordConsideredSourceIDs(req.tracer(), ids...)
		RecordUsedSourceIDs(req.tracer(), ids...)
		return req.sm.to(StateComposed)
	}

	logger.Warn("[Query] Giving up on generated query", "attempts", req.attempts, "err", previousErr)
	res.Rows = []store.Row{}
	res.Sources = []common.Source{}
	return req.sm.to(StateComposed)
}

// prepareCypher rejects anything but a single read-only query and caps the
// result size.
func (r *Router) prepareCypher(cypher string) (string, error) {
	const op = "query.prepareCypher"
	cypher = strings.TrimSpace(cypher)
	cypher = strings.TrimSpace(strings.TrimSuffix(cypher, ";"))
	if cypher == "" {
		return "", apperr.QueryGeneration(op, errors.New("empty query"))
	}

	bare := reLiteral.ReplaceAllString(cypher, "''")
	bare = reComment.ReplaceAllString(bare, " ")
	if strings.Contains(bare, ";") {
		return "", apperr.QueryGeneration(op, errors.New("only one statement is allowed"))
	}
	if m := reWrite.FindString(bare); m != "" {
		return "", apperr.QueryGeneration(op, fmt.Errorf("query is not read-only: %s", strings.ToUpper(m)))
	}
	if err := checkSchema(bare); err != nil {
		return "", apperr.QueryGeneration(op, err)
	}
	if !reReturn.MatchString(bare) {
		return "", apperr.QueryGeneration(op, errors.New("query has no RETURN clause"))
	}
	if !reHasLimit.MatchString(bare) {
		cypher = fmt.Sprintf("%s LIMIT %d", cypher, r.resultLimit)
	} else if !reLimit.MatchString(bare) {
		return "", apperr.QueryGeneration(op, errors.New("LIMIT must end the query"))
	}
	return cypher, nil
}

// checkSchema rejects node labels and relationship types the graph does not
// have. Quoted names were blanked to '' beforehand and never match.
func checkSchema(bare string) error {
	split := func(chain string) []string {
		return strings.FieldsFunc(chain, func(r rune) bool { return strings.ContainsRune("|&:! \t\r\n", r) })
	}
	for _, m := range reNodeLabels.FindAllStringSubmatch(bare, -1) {
		for _, l := range split(m[1]) {
			if !store.KnownLabel(l) {
				return fmt.Errorf("unknown label %s", l)
			}
		}
	}
	for _, m := range reRelTypes.FindAllStringSubmatch(bare, -1) {
		for _, t := range split(m[1]) {
			if !store.KnownRelationship(t) {
				return fmt.Errorf("unknown relationship type %s", t)
			}
		}
	}
	return nil
}

// collectRows strips embeddings from every row and lifts the nodes that are
// sources out of them, in row order.
func collectRows(tracer Tracer, rows []store.Row) ([]store.Row, []common.Source) {
	cleaned := make([]store.Row, 0, len(rows))
	var sources []common.Source
	seen := make(map[string]struct{})
	labels := make(map[string]struct{})

	var visit func(v any) any
	visit = func(v any) any {
		switch val := v.(type) {
		case store.NodeValue:
			node := store.NodeValue{Labels: val.Labels, Properties: withoutEmbedding(val.Properties)}
			for _, l := range node.Labels {
				labels[l] = struct{}{}
			}
			if src, ok := nodeSource(node); ok {
				if _, dup := seen[src.ID]; !dup {
					seen[src.ID] = struct{}{}
					sources = append(sources, src)
				}
			}
			return node
		case []any:
			out := make([]any, len(val))
			for i, x := range val {
				out[i] = visit(x)
			}
			return out
		case map[string]any:
			out := make(map[string]any, len(val))
			for _, k := range sortedMapKeys(val) {
				out[k] = visit(val[k])
			}
			return out
		default:
			return v
		}
	}

	for _, row := range rows {
		out := make(store.Row, len(row))
		for _, col := range sortedMapKeys(row) {
			out[col] = visit(row[col])
		}
		cleaned = append(cleaned, out)
	}

	RecordQueriedLabels(tracer, sortedKeys(labels)...)
	if sources == nil {
		sources = []common.Source{}
	}
	return cleaned, sources
}

func nodeSource(node store.NodeValue) (common.Source, bool) {
	id, _ := node.Properties["uuid"].(string)
	if id == "" {
		return common.Source{}, false
	}
	for _, l := range node.Labels {
		kind, ok := sourceKinds[l]
		if !ok {
			continue
		}
		src := common.Source{
			ID:         id,
			Kind:       kind,
			Name:       stringProp(node.Properties, "name"),
			Text:       stringProp(node.Properties, "text"),
			URL:        stringProp(node.Properties, "url"),
			Properties: node.Properties,
		}
		switch kind {
		case common.SourceKindDocument:
			src.DocumentUUID = id
			src.DocumentName = src.Name
		case common.SourceKindChild:
			src.DocumentUUID = stringProp(node.Properties, "source")
		}
		return src, true
	}
	return common.Source{}, false
}

func withoutEmbedding(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == "embedding" {
			continue
		}
		out[k] = v
	}
	return out
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
