package neo4j

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/store"
)

// ownership relationships followed by DeleteSubtree
var ownership = []string{
	store.RelHasPage, store.RelHasChild, store.RelHasSummary, store.RelHasQuestion,
}

func (s *GraphStorage) UpsertNodes(ctx context.Context, nodes ...store.NodeUpsert) error {
	stmts, err := nodeStatements(nodes, s.batchSize)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	_, err = s.write(ctx, "store.UpsertNodes", stmts...)
	return err
}

func (s *GraphStorage) UpsertEdges(ctx context.Context, edges ...store.EdgeUpsert) error {
	stmts, err := edgeStatements(edges, s.batchSize)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	_, err = s.write(ctx, "store.UpsertEdges", stmts...)
	return err
}

func (s *GraphStorage) HasNode(ctx context.Context, label, uuid string) (bool, error) {
	if !store.ValidIdentifier(label) {
		return false, apperr.Validation("store.HasNode", "invalid label %q", label)
	}
	records, err := s.read(ctx, "store.HasNode", statement{
		cypher: fmt.Sprintf("MATCH (n:%s {uuid: $uuid}) RETURN count(n) AS found", label),
		params: map[string]any{"uuid": uuid},
	})
	if err != nil || len(records) == 0 {
		return false, err
	}
	found, _ := records[0].Get("found")
	n, _ := found.(int64)
	return n > 0, nil
}

func (s *GraphStorage) DeleteSubtree(ctx context.Context, label, rootUUID string) (int, error) {
	if !store.ValidIdentifier(label) {
		return 0, apperr.Validation("store.DeleteSubtree", "invalid label %q", label)
	}
	if strings.TrimSpace(rootUUID) == "" {
		return 0, apperr.Validation("store.DeleteSubtree", "root uuid required")
	}
	d, err := s.write(ctx, "store.DeleteSubtree", deleteSubtreeStatement(label, rootUUID))
	return d.nodes, err
}

type nodeGroup struct {
	label     string
	mustExist bool
}

// nodeStatements groups upserts by label, since a label cannot be a
// parameter, and batches each group into UNWIND statements. Required nodes
// come first, then labels in sorted order so parents and children are always
// written in the same sequence.
func nodeStatements(nodes []store.NodeUpsert, batchSize int) ([]statement, error) {
	groups := make(map[nodeGroup][]map[string]any)
	for _, n := range nodes {
		if !store.ValidIdentifier(n.Label) {
			return nil, apperr.Validation("store.UpsertNodes", "invalid label %q", n.Label)
		}
		if strings.TrimSpace(n.UUID) == "" {
			return nil, apperr.Validation("store.UpsertNodes", "%s node without uuid", n.Label)
		}
		g := nodeGroup{label: n.Label, mustExist: n.MustExist}
		groups[g] = append(groups[g], map[string]any{
			"uuid":  n.UUID,
			"props": sanitizeProps(n.Properties),
		})
	}

	keys := make([]nodeGroup, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mustExist != keys[j].mustExist {
			return keys[i].mustExist
		}
		return keys[i].label < keys[j].label
	})

	var stmts []statement
	for _, g := range keys {
		rows := groups[g]
		cypher := fmt.Sprintf(
			"UNWIND $rows AS r MERGE (n:%s {uuid: r.uuid}) "+
				"ON CREATE SET n.created_at = datetime() "+
				"SET n += r.props", g.label)
		if g.mustExist {
			cypher = fmt.Sprintf(
				"UNWIND $rows AS r MATCH (n:%s {uuid: r.uuid}) "+
					"SET n += r.props "+
					"RETURN count(n) AS matched", g.label)
		}
		_ = store.ChunkRange(len(rows), batchSize, func(start, end int) error {
			st := statement{cypher: cypher, params: map[string]any{"rows": rows[start:end]}}
			if g.mustExist {
				st.expect = end - start
			}
			stmts = append(stmts, st)
			return nil
		})
	}
	return stmts, nil
}

type edgeKey struct {
	from, rel, to string
}

func edgeStatements(edges []store.EdgeUpsert, batchSize int) ([]statement, error) {
	groups := make(map[edgeKey][]map[string]any)
	var keys []edgeKey
	for _, e := range edges {
		if err := e.Validate(); err != nil {
			return nil, apperr.Validation("store.UpsertEdges", "%v", err)
		}
		k := edgeKey{e.FromLabel, e.Type, e.ToLabel}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], map[string]any{"from": e.From, "to": e.To})
	}

	var stmts []statement
	for _, k := range keys {
		rows := groups[k]
		cypher := fmt.Sprintf(
			"UNWIND $rows AS r MATCH (a:%s {uuid: r.from}) MATCH (b:%s {uuid: r.to}) MERGE (a)-[:%s]->(b)",
			k.from, k.to, k.rel)
		_ = store.ChunkRange(len(rows), batchSize, func(start, end int) error {
			stmts = append(stmts, statement{cypher: cypher, params: map[string]any{"rows": rows[start:end]}})
			return nil
		})
	}
	return stmts, nil
}

func deleteSubtreeStatement(label, rootUUID string) statement {
	cypher := fmt.Sprintf(
		"MATCH (root:%s {uuid: $uuid}) "+
			"OPTIONAL MATCH (root)-[:%s*1..3]->(n) "+
			"WITH root, collect(DISTINCT n) AS owned "+
			"UNWIND [root] + owned AS x "+
			"DETACH DELETE x", label, strings.Join(ownership, "|"))
	return statement{cypher: cypher, params: map[string]any{"uuid": rootUUID}}
}

// sanitizeProps converts values the driver cannot pack. Embeddings are sent
// as float64 lists and nil values are dropped so SET n += never removes a
// property by accident.
func sanitizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch val := v.(type) {
		case nil:
			continue
		case []float32:
			out[k] = store.Float64s(val)
		default:
			out[k] = v
		}
	}
	return out
}
