package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/category"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"
)

func (w *Writer) WriteDocument(ctx context.Context, doc common.Document) error {
	if strings.TrimSpace(doc.UUID) == "" {
		return apperr.Validation("graph.WriteDocument", "document uuid required")
	}
	props := map[string]any{
		"name":      doc.Name,
		"text":      doc.Text,
		"wordcount": doc.WordCount,
		"type":      string(doc.Type),
	}
	if doc.URL != "" {
		props["url"] = doc.URL
	}
	if doc.Publisher != "" {
		props["publisher"] = doc.Publisher
	}
	if !doc.AddedDate.IsZero() {
		props["addeddate"] = doc.AddedDate.UTC()
	}
	return w.store.UpsertNodes(ctx, store.NodeUpsert{
		Label:      store.LabelDocument,
		UUID:       doc.UUID,
		Properties: props,
	})
}

// WritePage upserts a Page and links it to its Document. The Document must
// exist; a page of a deleted document fails with apperr.ErrNotFound.
func (w *Writer) WritePage(ctx context.Context, documentID string, page common.Page) (common.Page, error) {
	if page.Index < 1 {
		return page, apperr.Validation("graph.WritePage", "page index must be 1-based, got %d", page.Index)
	}
	page.UUID = PageID(documentID, page.Index)

	err := w.store.UpsertNodes(ctx,
		store.NodeUpsert{Label: store.LabelDocument, UUID: documentID, MustExist: true},
		store.NodeUpsert{Label: store.LabelPage, UUID: page.UUID, Properties: map[string]any{
			"name":      page.Name,
			"index":     page.Index,
			"text":      page.Text,
			"source":    documentID,
			"embedding": page.Embedding,
		}},
	)
	if err != nil {
		return page, fmt.Errorf("write page %s: %w", page.Name, err)
	}
	err = w.store.UpsertEdges(ctx, store.EdgeUpsert{
		FromLabel: store.LabelDocument, From: documentID,
		Type:    store.RelHasPage,
		ToLabel: store.LabelPage, To: page.UUID,
	})
	if err != nil {
		return page, fmt.Errorf("link page %s: %w", page.Name, err)
	}
	return page, nil
}

// WriteChild upserts a Child under its Page. The Page is merged by uuid so
// children of a page whose own unit has not run yet still attach to it; the
// Document must exist.
func (w *Writer) WriteChild(ctx context.Context, documentID string, pageIndex int, child common.Child) (common.Child, error) {
	if pageIndex < 1 || child.Index < 1 {
		return child, apperr.Validation("graph.WriteChild", "indices must be 1-based, got %d-%d", pageIndex, child.Index)
	}
	pageID := PageID(documentID, pageIndex)
	child.UUID = ChildID(documentID, pageIndex, child.Index)
	child.Source = documentID

	err := w.store.UpsertNodes(ctx,
		store.NodeUpsert{Label: store.LabelDocument, UUID: documentID, MustExist: true},
		store.NodeUpsert{Label: store.LabelPage, UUID: pageID},
		store.NodeUpsert{Label: store.LabelChild, UUID: child.UUID, Properties: map[string]any{
			"name":      child.Name,
			"index":     child.Index,
			"text":      child.Text,
			"source":    documentID,
			"embedding": child.Embedding,
		}},
	)
	if err != nil {
		return child, fmt.Errorf("write child %s: %w", child.Name, err)
	}
	err = w.store.UpsertEdges(ctx,
		store.EdgeUpsert{
			FromLabel: store.LabelDocument, From: documentID,
			Type:    store.RelHasPage,
			ToLabel: store.LabelPage, To: pageID,
		},
		store.EdgeUpsert{
			FromLabel: store.LabelPage, From: pageID,
			Type:    store.RelHasChild,
			ToLabel: store.LabelChild, To: child.UUID,
		},
	)
	if err != nil {
		return child, fmt.Errorf("link child %s: %w", child.Name, err)
	}
	return child, nil
}

// WriteSummary stores the single Summary of an existing page, replacing any
// earlier one.
func (w *Writer) WriteSummary(ctx context.Context, pageID string, summary common.Summary) (common.Summary, error) {
	if strings.TrimSpace(summary.Text) == "" {
		return summary, apperr.Validation("graph.WriteSummary", "empty summary for page %s", pageID)
	}
	summary.UUID = SummaryID(pageID)
	if summary.DateCreated.IsZero() {
		summary.DateCreated = w.now().UTC()
	}

	err := w.store.UpsertNodes(ctx,
		store.NodeUpsert{Label: store.LabelPage, UUID: pageID, MustExist: true},
		store.NodeUpsert{Label: store.LabelSummary, UUID: summary.UUID, Properties: map[string]any{
			"text":        summary.Text,
			"embedding":   summary.Embedding,
			"datecreated": summary.DateCreated,
		}},
	)
	if err != nil {
		return summary, fmt.Errorf("write summary: %w", err)
	}
	err = w.store.UpsertEdges(ctx, store.EdgeUpsert{
		FromLabel: store.LabelPage, From: pageID,
		Type:    store.RelHasSummary,
		ToLabel: store.LabelSummary, To: summary.UUID,
	})
	if err != nil {
		return summary, fmt.Errorf("link summary: %w", err)
	}
	return summary, nil
}

// WriteQuestions stores questions in order, naming them "{page}-{index}".
// Blank questions are skipped without consuming an index.
func (w *Writer) WriteQuestions(ctx context.Context, documentID string, pageIndex int, questions []common.Question) ([]common.Question, error) {
	pageID := PageID(documentID, pageIndex)
	nodes := []store.NodeUpsert{{Label: store.LabelPage, UUID: pageID, MustExist: true}}
	edges := make([]store.EdgeUpsert, 0, len(questions))
	out := make([]common.Question, 0, len(questions))

	for _, q := range questions {
		if strings.TrimSpace(q.Text) == "" {
			continue
		}
		index := len(out) + 1
		q.UUID = QuestionID(pageID, index)
		q.Name = QuestionName(pageIndex, index)
		nodes = append(nodes, store.NodeUpsert{Label: store.LabelQuestion, UUID: q.UUID, Properties: map[string]any{
			"name":      q.Name,
			"text":      q.Text,
			"embedding": q.Embedding,
		}})
		edges = append(edges, store.EdgeUpsert{
			FromLabel: store.LabelPage, From: pageID,
			Type:    store.RelHasQuestion,
			ToLabel: store.LabelQuestion, To: q.UUID,
		})
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := w.store.UpsertNodes(ctx, nodes...); err != nil {
		return nil, fmt.Errorf("write questions: %w", err)
	}
	if err := w.store.UpsertEdges(ctx, edges...); err != nil {
		return nil, fmt.Errorf("link questions: %w", err)
	}
	return out, nil
}

// WriteCategories stores the categories extracted from one child and links
// them from both the child and its document. Noise names are dropped and
// repeated names within the batch are written once.
func (w *Writer) WriteCategories(ctx context.Context, documentID string, pageIndex, childIndex int, categories []common.Category) ([]common.Category, error) {
	childID := ChildID(documentID, pageIndex, childIndex)

	seen := make(map[string]struct{}, len(categories))
	var nodes []store.NodeUpsert
	var edges []store.EdgeUpsert
	out := make([]common.Category, 0, len(categories))
	for _, c := range categories {
		c.Name = category.CleanName(c.Name)
		if category.IsNoise(c.Name) {
			logger.Debug("[Graph] Dropping noise category", "name", c.Name, "child", childID)
			continue
		}
		key := category.NormalizeName(c.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		c.UUID = CategoryID(childID, key)
		props := map[string]any{
			"name":        c.Name,
			"description": strings.TrimSpace(c.Description),
			"embedding":   c.Embedding,
		}
		nodes = append(nodes, store.NodeUpsert{Label: store.LabelCategory, UUID: c.UUID, Properties: props})
		edges = append(edges,
			store.EdgeUpsert{
				FromLabel: store.LabelChild, From: childID,
				Type:    store.RelMentions,
				ToLabel: store.LabelCategory, To: c.UUID,
			},
			store.EdgeUpsert{
				FromLabel: store.LabelDocument, From: documentID,
				Type:    store.RelMentions,
				ToLabel: store.LabelCategory, To: c.UUID,
			},
		)
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, nil
	}

	nodes = append([]store.NodeUpsert{
		{Label: store.LabelDocument, UUID: documentID, MustExist: true},
		{Label: store.LabelChild, UUID: childID, MustExist: true},
	}, nodes...)
	if err := w.store.UpsertNodes(ctx, nodes...); err != nil {
		return nil, fmt.Errorf("write categories: %w", err)
	}
	if err := w.store.UpsertEdges(ctx, edges...); err != nil {
		return nil, fmt.Errorf("link categories: %w", err)
	}
	return out, nil
}

// DocumentExists reports whether a Document node with this uuid exists.
func (w *Writer) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	return w.store.HasNode(ctx, store.LabelDocument, documentID)
}

// DeleteDocument removes a document and everything it owns. Categories
// survive and are left for orphan cleanup.
func (w *Writer) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	n, err := w.store.DeleteSubtree(ctx, store.LabelDocument, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return n, nil
}
