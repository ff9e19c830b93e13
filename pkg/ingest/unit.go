package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnitKind is the work a unit performs.
type UnitKind string

const (
	// KindPage embeds and writes one Page, then derives its summary and
	// questions units.
	KindPage UnitKind = "page"
	// KindChild embeds and writes one Child, then derives its categories
	// unit.
	KindChild      UnitKind = "child"
	KindSummary    UnitKind = "summary"
	KindQuestions  UnitKind = "questions"
	KindCategories UnitKind = "categories"
)

// UnitState is the lifecycle of a unit. Succeeded, failed and abandoned are
// terminal.
type UnitState string

const (
	StateQueued    UnitState = "queued"
	StateRunning   UnitState = "running"
	StateSucceeded UnitState = "succeeded"
	StateFailed    UnitState = "failed"
	StateAbandoned UnitState = "abandoned"
)

func (s UnitState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAbandoned
}

// Derivations selects the derived units created after a page or child has
// been written.
type Derivations struct {
	Summaries  bool `json:"summaries"`
	Questions  bool `json:"questions"`
	Categories bool `json:"categories"`
}

// AllDerivations enables every derived unit.
var AllDerivations = Derivations{Summaries: true, Questions: true, Categories: true}

// Payload is everything a unit needs to run without reading the graph.
type Payload struct {
	Name   string      `json:"name"`
	Text   string      `json:"text"`
	Derive Derivations `json:"derive"`
}

// Unit is one independently retryable piece of ingestion work.
type Unit struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	DocumentID  string    `json:"document_id"`
	Kind        UnitKind  `json:"kind"`
	PageIndex   int       `json:"page_index"`
	ChildIndex  int       `json:"child_index,omitempty"`
	Payload     Payload   `json:"payload"`
	State       UnitState `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var unitNamespace = uuid.MustParse("5f1f8f0e-3c2a-4b7e-9d55-7b8f1a2c6e01")

// UnitID is stable for a run, kind and position, so a unit derived twice by
// a redelivered parent is created once.
func UnitID(runID string, kind UnitKind, pageIndex, childIndex int) string {
	key := fmt.Sprintf("%s|%s|%d|%d", runID, kind, pageIndex, childIndex)
	return uuid.NewSHA1(unitNamespace, []byte(key)).String()
}

// Message is the queue envelope of a unit. The unit itself lives in the
// UnitStore.
type Message struct {
	UnitID     string   `json:"unit_id"`
	RunID      string   `json:"run_id"`
	DocumentID string   `json:"document_id"`
	Kind       UnitKind `json:"kind"`
}

func (u Unit) Message() Message {
	return Message{UnitID: u.ID, RunID: u.RunID, DocumentID: u.DocumentID, Kind: u.Kind}
}

// TaskHandle identifies a submitted unit.
type TaskHandle struct {
	UnitID     string   `json:"unit_id"`
	RunID      string   `json:"run_id"`
	DocumentID string   `json:"document_id"`
	Kind       UnitKind `json:"kind"`
	Name       string   `json:"name"`
}

// ClaimResult tells Execute what to do with a delivered unit.
type ClaimResult int

const (
	// ClaimAcquired: the unit is now running on this worker.
	ClaimAcquired ClaimResult = iota
	// ClaimBusy: the document is at its concurrency ceiling; the unit stays
	// queued.
	ClaimBusy
	// ClaimSkip: the unit is terminal or running elsewhere.
	ClaimSkip
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimBusy:
		return "busy"
	default:
		return "skip"
	}
}
