package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"

	neo4jv5 "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

var indexKinds = map[store.VectorIndex]common.SourceKind{
	store.IndexPage:     common.SourceKindPage,
	store.IndexChild:    common.SourceKindChild,
	store.IndexSummary:  common.SourceKindSummary,
	store.IndexQuestion: common.SourceKindQuestion,
}

// Query runs cypher in a read transaction. The session is opened in read
// mode, so generated statements that try to write are rejected by the
// server.
func (s *GraphStorage) Query(ctx context.Context, cypher string, params map[string]any) ([]store.Row, error) {
	if strings.TrimSpace(cypher) == "" {
		return nil, apperr.Validation("store.Query", "empty query")
	}
	records, err := s.read(ctx, "store.Query", statement{cypher: cypher, params: params})
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, recordRow(rec))
	}
	return rows, nil
}

func (s *GraphStorage) SearchSimilar(ctx context.Context, index store.VectorIndex, embedding []float32, k int, minScore float64) ([]common.Source, error) {
	kind, ok := indexKinds[index]
	if !ok {
		return nil, apperr.Validation("store.SearchSimilar", "unknown index %q", index)
	}
	if len(embedding) == 0 {
		return nil, apperr.Validation("store.SearchSimilar", "empty embedding")
	}
	if k <= 0 {
		k = 5
	}

	records, err := s.read(ctx, "store.SearchSimilar", similarityStatement(index, embedding, k, minScore))
	if err != nil {
		return nil, err
	}

	sources := make([]common.Source, 0, len(records))
	for _, rec := range records {
		sources = append(sources, common.Source{
			ID:           recString(rec, "id"),
			Kind:         kind,
			Name:         recString(rec, "name"),
			Text:         recString(rec, "text"),
			Score:        recFloat(rec, "score"),
			DocumentUUID: recString(rec, "doc_uuid"),
			DocumentName: recString(rec, "doc_name"),
			URL:          recString(rec, "url"),
		})
	}
	return sources, nil
}

func similarityStatement(index store.VectorIndex, embedding []float32, k int, minScore float64) statement {
	cypher := fmt.Sprintf(
		"CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score "+
			"WHERE score >= $min_score "+
			"OPTIONAL MATCH (d:%s)-[:%s*1..2]->(node) "+
			"WITH node, score, head(collect(d)) AS d "+
			"RETURN node.uuid AS id, coalesce(node.name, '') AS name, coalesce(node.text, '') AS text, "+
			"score, d.uuid AS doc_uuid, d.name AS doc_name, d.url AS url "+
			"ORDER BY score DESC, id",
		store.LabelDocument, strings.Join(ownership, "|"))
	return statement{cypher: cypher, params: map[string]any{
		"index":     string(index),
		"k":         k,
		"embedding": store.Float64s(embedding),
		"min_score": minScore,
	}}
}

func recordRow(rec *neo4jv5.Record) store.Row {
	row := make(store.Row, len(rec.Keys))
	for i, key := range rec.Keys {
		row[key] = convertValue(rec.Values[i])
	}
	return row
}

// convertValue turns driver graph types into plain values so callers never
// import the driver.
func convertValue(v any) any {
	switch val := v.(type) {
	case dbtype.Node:
		return store.NodeValue{Labels: val.Labels, Properties: convertMap(val.Props)}
	case dbtype.Relationship:
		return map[string]any{"type": val.Type, "properties": convertMap(val.Props)}
	case dbtype.Path:
		nodes := make([]any, 0, len(val.Nodes))
		for _, n := range val.Nodes {
			nodes = append(nodes, convertValue(n))
		}
		return nodes
	case dbtype.Date:
		return val.Time()
	case dbtype.LocalDateTime:
		return val.Time()
	case time.Time:
		return val
	case map[string]any:
		return convertMap(val)
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = convertValue(x)
		}
		return out
	default:
		return v
	}
}

func convertMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = convertValue(v)
	}
	return out
}

func recString(rec *neo4jv5.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func recFloat(rec *neo4jv5.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recInt(rec *neo4jv5.Record, key string) int {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func recStrings(rec *neo4jv5.Record, key string) []string {
	v, _ := rec.Get(key)
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func recFloat32s(rec *neo4jv5.Record, key string) []float32 {
	v, _ := rec.Get(key)
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, x := range list {
		if f, ok := x.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}

func recTime(rec *neo4jv5.Record, key string) time.Time {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case time.Time:
		return t
	case dbtype.LocalDateTime:
		return t.Time()
	case dbtype.Date:
		return t.Time()
	}
	return time.Time{}
}
