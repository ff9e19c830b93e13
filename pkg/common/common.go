package common

import "time"

// DocumentType classifies a Document by how it entered the system.
type DocumentType string

const (
	DocumentTypeDocument         DocumentType = "Document"
	DocumentTypeNote             DocumentType = "Note"
	DocumentTypeResearch         DocumentType = "Research"
	DocumentTypeUserContributed  DocumentType = "User Contributed"
	DocumentTypeGeneratedArticle DocumentType = "Generated Article"
	DocumentTypeMemory           DocumentType = "Memory"
)

// Document is the root of one decomposition tree. Its text is fixed once the
// document is created; ingesting changed text creates a new Document.
type Document struct {
	UUID      string       `json:"uuid"`
	Name      string       `json:"name"`
	URL       string       `json:"url,omitempty"`
	Text      string       `json:"text,omitempty"`
	Publisher string       `json:"publisher,omitempty"`
	AddedDate time.Time    `json:"addeddate"`
	WordCount int          `json:"wordcount"`
	Type      DocumentType `json:"type"`
}

// Page is an ordered, page-sized window of a Document. Index is 1-based and
// Name is always "Page {Index}".
type Page struct {
	UUID      string    `json:"uuid"`
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Children  []Child   `json:"children,omitempty"`
}

// Child is the retrieval-granularity chunk of a Page. Index is 1-based within
// the Page and Name is "{page}-{index}". Source is the owning Document uuid.
type Child struct {
	UUID      string    `json:"uuid"`
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Embedding []float32 `json:"-"`
}

// Summary is the generated synopsis of one Page.
type Summary struct {
	UUID        string    `json:"uuid"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
	DateCreated time.Time `json:"datecreated"`
}

// Question is a generated question a reader might ask about a Page, named
// "{page}-{index}".
type Question struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// Category is a concept extracted from a Child. Before deduplication several
// Categories may share a name; readers must not assume uniqueness.
type Category struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	// Mentions is the number of incoming MENTIONS edges when the category
	// was read. Zero means the category is orphaned.
	Mentions int `json:"mentions"`
}

// Community is a derived cluster of Categories. Communities are replaced
// wholesale on every detection run.
type Community struct {
	ID      string   `json:"id"`
	Level   int      `json:"level"`
	Members []string `json:"members"`
	Rank    int      `json:"rank"`
	Summary string   `json:"summary,omitempty"`
}

// CategoryLink is a weighted co-occurrence edge between two Categories.
// Weight sums the co-mentions of both, children counting more than documents.
type CategoryLink struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Weight int    `json:"weight"`
}

// SourceKind tells where a retrieved Source came from.
type SourceKind string

const (
	SourceKindPage     SourceKind = "page"
	SourceKindChild    SourceKind = "child"
	SourceKindSummary  SourceKind = "summary"
	SourceKindQuestion SourceKind = "question"
	SourceKindDocument SourceKind = "document"
	SourceKindExternal SourceKind = "external"
)

// Source is one retrieved piece of evidence returned with an answer.
type Source struct {
	ID           string         `json:"id"`
	Kind         SourceKind     `json:"kind"`
	Name         string         `json:"name,omitempty"`
	Text         string         `json:"text,omitempty"`
	Score        float64        `json:"score"`
	DocumentUUID string         `json:"document_uuid,omitempty"`
	DocumentName string         `json:"document_name,omitempty"`
	URL          string         `json:"url,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
}
