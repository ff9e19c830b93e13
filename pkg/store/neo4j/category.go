package neo4j

import (
	"context"
	"fmt"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"
)

func (s *GraphStorage) ListCategories(ctx context.Context) ([]common.Category, error) {
	cypher := fmt.Sprintf(
		"MATCH (c:%s) "+
			"OPTIONAL MATCH (c)<-[m:%s]-() "+
			"WITH c, count(m) AS mentions "+
			"RETURN c.uuid AS uuid, coalesce(c.name, '') AS name, coalesce(c.description, '') AS description, "+
			"coalesce(c.aliases, []) AS aliases, c.embedding AS embedding, c.created_at AS created_at, mentions "+
			"ORDER BY c.created_at, c.uuid",
		store.LabelCategory, store.RelMentions)

	records, err := s.read(ctx, "store.ListCategories", statement{cypher: cypher})
	if err != nil {
		return nil, err
	}

	categories := make([]common.Category, 0, len(records))
	for _, rec := range records {
		categories = append(categories, common.Category{
			UUID:        recString(rec, "uuid"),
			Name:        recString(rec, "name"),
			Description: recString(rec, "description"),
			Aliases:     recStrings(rec, "aliases"),
			Embedding:   recFloat32s(rec, "embedding"),
			CreatedAt:   recTime(rec, "created_at"),
			Mentions:    recInt(rec, "mentions"),
		})
	}
	return categories, nil
}

// MergeCategories applies every merge in a single transaction so a failed
// batch leaves the graph untouched.
func (s *GraphStorage) MergeCategories(ctx context.Context, merges []store.CategoryMerge) error {
	stmts, err := mergeStatements(merges)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	_, err = s.write(ctx, "store.MergeCategories", stmts...)
	return err
}

func mergeStatements(merges []store.CategoryMerge) ([]statement, error) {
	var pairs []map[string]any
	var aliases []map[string]any
	var absorbed []string
	for _, m := range merges {
		if m.Survivor == "" {
			return nil, apperr.Validation("store.MergeCategories", "merge without survivor")
		}
		for _, a := range m.Absorbed {
			if a == m.Survivor {
				return nil, apperr.Validation("store.MergeCategories", "category %s cannot absorb itself", a)
			}
			pairs = append(pairs, map[string]any{"survivor": m.Survivor, "absorbed": a})
			absorbed = append(absorbed, a)
		}
		aliases = append(aliases, map[string]any{"survivor": m.Survivor, "aliases": store.DedupeStrings(m.Aliases)})
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	return []statement{
		{
			cypher: fmt.Sprintf(
				"UNWIND $pairs AS p "+
					"MATCH (a:%[1]s {uuid: p.absorbed})<-[r:%[2]s]-(src) "+
					"MATCH (s:%[1]s {uuid: p.survivor}) "+
					"WHERE src <> s "+
					"MERGE (src)-[:%[2]s]->(s) "+
					"DELETE r",
				store.LabelCategory, store.RelMentions),
			params: map[string]any{"pairs": pairs},
		},
		{
			cypher: fmt.Sprintf(
				"UNWIND $merges AS m MATCH (s:%s {uuid: m.survivor}) SET s.aliases = m.aliases",
				store.LabelCategory),
			params: map[string]any{"merges": aliases},
		},
		{
			cypher: fmt.Sprintf(
				"MATCH (a:%s) WHERE a.uuid IN $absorbed DETACH DELETE a", store.LabelCategory),
			params: map[string]any{"absorbed": absorbed},
		},
	}, nil
}

func (s *GraphStorage) DeleteCategories(ctx context.Context, uuids []string) (int, error) {
	uuids = store.DedupeStrings(uuids)
	if len(uuids) == 0 {
		return 0, nil
	}
	d, err := s.write(ctx, "store.DeleteCategories", statement{
		cypher: fmt.Sprintf("MATCH (c:%s) WHERE c.uuid IN $uuids DETACH DELETE c", store.LabelCategory),
		params: map[string]any{"uuids": uuids},
	})
	return d.nodes, err
}

func (s *GraphStorage) DeleteOrphanCategories(ctx context.Context) (int, error) {
	d, err := s.write(ctx, "store.DeleteOrphanCategories", statement{
		cypher: fmt.Sprintf(
			"MATCH (c:%s) WHERE NOT ()-[:%s]->(c) DETACH DELETE c",
			store.LabelCategory, store.RelMentions),
	})
	return d.nodes, err
}

func (s *GraphStorage) CleanupMentions(ctx context.Context) (int, error) {
	d, err := s.write(ctx, "store.CleanupMentions", cleanupMentionsStatements()...)
	return d.rels, err
}

func cleanupMentionsStatements() []statement {
	return []statement{
		{cypher: fmt.Sprintf("MATCH (c)-[r:%s]->(c) DELETE r", store.RelMentions)},
		{cypher: fmt.Sprintf(
			"MATCH (a)-[r:%s]->(b) "+
				"WITH a, b, collect(r) AS rels WHERE size(rels) > 1 "+
				"UNWIND tail(rels) AS r DELETE r",
			store.RelMentions)},
	}
}
