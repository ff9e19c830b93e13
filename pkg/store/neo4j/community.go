package neo4j

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/store"
)

// CategoryLinks weighs each category pair by the Children and Documents
// mentioning both. A Child co-mention also shows up at its Document, so
// pairs from the same passage always outweigh pairs that only share a file.
func (s *GraphStorage) CategoryLinks(ctx context.Context) ([]common.CategoryLink, error) {
	records, err := s.read(ctx, "store.CategoryLinks", categoryLinksStatement())
	if err != nil {
		return nil, err
	}
	links := make([]common.CategoryLink, 0, len(records))
	for _, rec := range records {
		links = append(links, common.CategoryLink{
			From:   recString(rec, "from"),
			To:     recString(rec, "to"),
			Weight: recInt(rec, "weight"),
		})
	}
	return links, nil
}

func categoryLinksStatement() statement {
	pair := "MATCH (src:%[1]s)-[:%[2]s]->(a:%[3]s), (src)-[:%[2]s]->(b:%[3]s) " +
		"WHERE a.uuid < b.uuid " +
		"RETURN a.uuid AS from, b.uuid AS to, count(DISTINCT src) * $%[4]s AS weight"
	return statement{
		cypher: "CALL { " +
			fmt.Sprintf(pair, store.LabelChild, store.RelMentions, store.LabelCategory, "childWeight") +
			" UNION ALL " +
			fmt.Sprintf(pair, store.LabelDocument, store.RelMentions, store.LabelCategory, "documentWeight") +
			" } RETURN from, to, sum(weight) AS weight ORDER BY from, to",
		params: map[string]any{
			"childWeight":    store.ChildLinkWeight,
			"documentWeight": store.DocumentLinkWeight,
		},
	}
}

func (s *GraphStorage) CategoryDocuments(ctx context.Context) (map[string][]string, error) {
	cypher := fmt.Sprintf(
		"MATCH (c:%[1]s)<-[:%[2]s]-(src) "+
			"OPTIONAL MATCH (d:%[3]s)-[:%[4]s*1..2]->(src) "+
			"WITH c, CASE WHEN src:%[3]s THEN src ELSE d END AS doc "+
			"WHERE doc IS NOT NULL "+
			"RETURN c.uuid AS category, collect(DISTINCT doc.uuid) AS documents",
		store.LabelCategory, store.RelMentions, store.LabelDocument,
		strings.Join([]string{store.RelHasPage, store.RelHasChild}, "|"))

	records, err := s.read(ctx, "store.CategoryDocuments", statement{cypher: cypher})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(records))
	for _, rec := range records {
		docs := recStrings(rec, "documents")
		sort.Strings(docs)
		out[recString(rec, "category")] = docs
	}
	return out, nil
}

// ReplaceCommunities drops every Community node and writes the new set in
// the same transaction.
func (s *GraphStorage) ReplaceCommunities(ctx context.Context, communities []common.Community) error {
	_, err := s.write(ctx, "store.ReplaceCommunities", replaceCommunityStatements(communities)...)
	return err
}

func replaceCommunityStatements(communities []common.Community) []statement {
	stmts := []statement{
		{cypher: fmt.Sprintf("MATCH (c:%s) DETACH DELETE c", store.LabelCommunity)},
	}
	if len(communities) == 0 {
		return stmts
	}

	rows := make([]map[string]any, 0, len(communities))
	var links []map[string]any
	for _, c := range communities {
		rows = append(rows, map[string]any{
			"id":      c.ID,
			"level":   c.Level,
			"rank":    c.Rank,
			"summary": c.Summary,
		})
		for _, m := range c.Members {
			links = append(links, map[string]any{"community": c.ID, "category": m})
		}
	}

	stmts = append(stmts, statement{
		cypher: fmt.Sprintf(
			"UNWIND $rows AS r CREATE (c:%s {id: r.id, level: r.level, rank: r.rank, summary: r.summary, created_at: datetime()})",
			store.LabelCommunity),
		params: map[string]any{"rows": rows},
	})
	if len(links) > 0 {
		stmts = append(stmts, statement{
			cypher: fmt.Sprintf(
				"UNWIND $links AS l "+
					"MATCH (cat:%s {uuid: l.category}) "+
					"MATCH (c:%s {id: l.community}) "+
					"MERGE (cat)-[:%s]->(c)",
				store.LabelCategory, store.LabelCommunity, store.RelInCommunity),
			params: map[string]any{"links": links},
		})
	}
	return stmts
}

func (s *GraphStorage) ListCommunities(ctx context.Context) ([]common.Community, error) {
	cypher := fmt.Sprintf(
		"MATCH (c:%s) "+
			"OPTIONAL MATCH (cat:%s)-[:%s]->(c) "+
			"WITH c, cat ORDER BY cat.uuid "+
			"WITH c, collect(cat.uuid) AS members "+
			"RETURN c.id AS id, c.level AS level, c.rank AS rank, coalesce(c.summary, '') AS summary, members "+
			"ORDER BY level, rank DESC, id",
		store.LabelCommunity, store.LabelCategory, store.RelInCommunity)

	records, err := s.read(ctx, "store.ListCommunities", statement{cypher: cypher})
	if err != nil {
		return nil, err
	}
	out := make([]common.Community, 0, len(records))
	for _, rec := range records {
		out = append(out, common.Community{
			ID:      recString(rec, "id"),
			Level:   recInt(rec, "level"),
			Rank:    recInt(rec, "rank"),
			Summary: recString(rec, "summary"),
			Members: recStrings(rec, "members"),
		})
	}
	return out, nil
}

func (s *GraphStorage) SetCommunitySummaries(ctx context.Context, summaries map[string]string) error {
	if len(summaries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(summaries))
	for id := range summaries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, map[string]any{"id": id, "summary": summaries[id]})
	}
	_, err := s.write(ctx, "store.SetCommunitySummaries", statement{
		cypher: fmt.Sprintf("UNWIND $rows AS r MATCH (c:%s {id: r.id}) SET c.summary = r.summary", store.LabelCommunity),
		params: map[string]any{"rows": rows},
	})
	return err
}
