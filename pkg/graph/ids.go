package graph

import (
	"fmt"

	"github.com/google/uuid"
)

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://thelink.menome.com/graph"))

func derive(parts ...any) string {
	key := fmt.Sprint(parts...)
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// PageID is the uuid of page index (1-based) of a document.
func PageID(documentID string, index int) string {
	return derive("page/", documentID, "/", index)
}

// ChildID is the uuid of child index of page pageIndex of a document.
func ChildID(documentID string, pageIndex, index int) string {
	return derive("child/", documentID, "/", pageIndex, "/", index)
}

func SummaryID(pageID string) string {
	return derive("summary/", pageID)
}

func QuestionID(pageID string, index int) string {
	return derive("question/", pageID, "/", index)
}

// CategoryID keys a category by the child it was extracted from and its
// normalised name. The same name from two children yields two nodes until
// deduplication folds them together.
func CategoryID(childID, normalizedName string) string {
	return derive("category/", childID, "/", normalizedName)
}

// QuestionName is the ordinal name of a generated question.
func QuestionName(pageIndex, index int) string {
	return fmt.Sprintf("%d-%d", pageIndex, index)
}
