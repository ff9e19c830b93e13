package graph

import (
	"time"

	"github.com/menome/thelink/backend/pkg/store"
)

// Writer persists the decomposition tree of a Document. Every node id is
// derived from its position in the tree, so repeating a write overwrites the
// same nodes instead of adding new ones.
//
// A Writer should be created using NewWriter.
type Writer struct {
	store store.NodeWriter
	now   func() time.Time
}

// NewWriterParams defines the configuration parameters for creating a new
// Writer.
//
// Store is the graph backend nodes and edges are upserted into.
// Now overrides the clock used for Summary.datecreated and defaults to
// time.Now.
type NewWriterParams struct {
	Store store.NodeWriter
	Now   func() time.Time
}

// NewWriter creates and returns a new Writer.
//
// Example:
//
//	storage, err := neo4j.NewGraphStorage(ctx, neo4j.NewGraphStorageParams{URI: uri})
//	if err != nil {
//		log.Fatal(err)
//	}
//	writer := graph.NewWriter(graph.NewWriterParams{Store: storage})
func NewWriter(params NewWriterParams) *Writer {
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Writer{store: params.Store, now: now}
}
