// Package store defines the contract between the core and the graph store.
// The store owns all persisted state; callers only ever hold uuids.
package store

import (
	"context"
	"fmt"
	"regexp"

	"github.com/menome/thelink/backend/pkg/common"
)

// Node labels.
const (
	LabelDocument  = "Document"
	LabelPage      = "Page"
	LabelChild     = "Child"
	LabelSummary   = "Summary"
	LabelQuestion  = "Question"
	LabelCategory  = "Category"
	LabelCommunity = "Community"
)

// Relationship types.
const (
	RelHasPage     = "HAS_PAGE"
	RelHasChild    = "HAS_CHILD"
	RelHasSummary  = "HAS_SUMMARY"
	RelHasQuestion = "HAS_QUESTION"
	RelMentions    = "MENTIONS"
	RelInCommunity = "IN_COMMUNITY"
)

// Co-occurrence weights. A pair named in the same Child is a tighter signal
// than a pair that only shares a Document.
const (
	ChildLinkWeight    = 2
	DocumentLinkWeight = 1
)

var (
	labels = map[string]bool{
		LabelDocument: true, LabelPage: true, LabelChild: true, LabelSummary: true,
		LabelQuestion: true, LabelCategory: true, LabelCommunity: true,
	}
	relationships = map[string]bool{
		RelHasPage: true, RelHasChild: true, RelHasSummary: true,
		RelHasQuestion: true, RelMentions: true, RelInCommunity: true,
	}
)

// KnownLabel reports whether s is one of the node labels above.
func KnownLabel(s string) bool { return labels[s] }

// KnownRelationship reports whether s is one of the relationship types above.
func KnownRelationship(s string) bool { return relationships[s] }

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be spliced into a query as a label
// or relationship type. Neither can be passed as a query parameter.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// NodeUpsert creates the node if no node with this label and uuid exists and
// overwrites the given properties either way. created_at is set only on
// creation.
//
// A MustExist node is never created: if it is missing the whole upsert fails
// with apperr.ErrNotFound and nothing is written.
type NodeUpsert struct {
	Label      string
	UUID       string
	Properties map[string]any
	MustExist  bool
}

// EdgeUpsert creates the relationship unless it already exists.
type EdgeUpsert struct {
	FromLabel string
	From      string
	Type      string
	ToLabel   string
	To        string
}

func (e EdgeUpsert) Validate() error {
	for _, s := range []string{e.FromLabel, e.Type, e.ToLabel} {
		if !ValidIdentifier(s) {
			return fmt.Errorf("invalid identifier %q", s)
		}
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("edge %s needs both endpoints", e.Type)
	}
	return nil
}

// Row is one result record keyed by column name. Graph nodes are returned as
// NodeValue.
type Row map[string]any

// NodeValue is a graph node read back from a query.
type NodeValue struct {
	Labels     []string
	Properties map[string]any
}

// CategoryMerge folds Absorbed into Survivor: incoming MENTIONS edges are
// repointed, Aliases replace the survivor's aliases and the absorbed nodes are
// deleted.
type CategoryMerge struct {
	Survivor string
	Absorbed []string
	Aliases  []string
}

// VectorIndex names a similarity index over node embeddings.
type VectorIndex string

const (
	IndexPage     VectorIndex = "page_embedding"
	IndexChild    VectorIndex = "child_embedding"
	IndexSummary  VectorIndex = "summary_embedding"
	IndexQuestion VectorIndex = "question_embedding"
)

// NodeWriter is the write half used by the graph writer.
type NodeWriter interface {
	UpsertNodes(ctx context.Context, nodes ...NodeUpsert) error
	HasNode(ctx context.Context, label, uuid string) (bool, error)
	UpsertEdges(ctx context.Context, edges ...EdgeUpsert) error
	// DeleteSubtree detach-deletes the root node with this label and
	// everything it owns through HAS_* relationships. It returns the number
	// of deleted nodes.
	DeleteSubtree(ctx context.Context, label, rootUUID string) (int, error)
}

// Reader runs read-only queries.
type Reader interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]Row, error)
	SearchSimilar(ctx context.Context, index VectorIndex, embedding []float32, k int, minScore float64) ([]common.Source, error)
}

// CategoryStore backs category deduplication.
type CategoryStore interface {
	// ListCategories returns all categories with their MENTIONS counts,
	// ordered by created_at then uuid.
	ListCategories(ctx context.Context) ([]common.Category, error)
	MergeCategories(ctx context.Context, merges []CategoryMerge) error
	DeleteCategories(ctx context.Context, uuids []string) (int, error)
	// DeleteOrphanCategories removes categories without incoming MENTIONS.
	DeleteOrphanCategories(ctx context.Context) (int, error)
	// CleanupMentions removes self loops and parallel duplicate MENTIONS.
	CleanupMentions(ctx context.Context) (int, error)
}

// CommunityStore backs community detection.
type CommunityStore interface {
	ListCategories(ctx context.Context) ([]common.Category, error)
	// CategoryLinks projects co-occurrence. Each Child mentioning both
	// categories adds ChildLinkWeight and each Document mentioning both adds
	// DocumentLinkWeight.
	CategoryLinks(ctx context.Context) ([]common.CategoryLink, error)
	// CategoryDocuments maps category uuid to the uuids of the documents
	// mentioning it.
	CategoryDocuments(ctx context.Context) (map[string][]string, error)
	ReplaceCommunities(ctx context.Context, communities []common.Community) error
	ListCommunities(ctx context.Context) ([]common.Community, error)
	SetCommunitySummaries(ctx context.Context, summaries map[string]string) error
}

// GraphStorage is everything a full graph backend provides.
type GraphStorage interface {
	NodeWriter
	Reader
	CategoryStore
	CommunityStore
	EnsureSchema(ctx context.Context, dimension int) error
	Close(ctx context.Context) error
}
