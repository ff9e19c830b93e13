package query

import (
	"fmt"
	"sync"
)

// State is a step of one router request.
type State string

const (
	StateReceived        State = "received"
	StateClassified      State = "classified"
	StateInternalSearch  State = "internal_search"
	StateStructuredQuery State = "structured_query"
	StateExternalSearch  State = "external_search"
	StateComposed        State = "composed"
	StateReturned        State = "returned"
	StateFailed          State = "failed"
)

var transitions = map[State][]State{
	StateReceived:        {StateClassified},
	StateClassified:      {StateInternalSearch, StateStructuredQuery},
	StateInternalSearch:  {StateExternalSearch, StateComposed},
	StateStructuredQuery: {StateComposed},
	StateExternalSearch:  {StateComposed},
	StateComposed:        {StateReturned},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateReturned || s == StateFailed
}

// CanTransition reports whether from may move to to. Every non-terminal
// state may fail.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine records the path of one request through the router.
type machine struct {
	mu     sync.Mutex
	path   []State
	tracer Tracer
}

func newMachine(tracer Tracer) *machine {
	m := &machine{path: []State{StateReceived}, tracer: tracer}
	RecordState(tracer, StateReceived)
	return m
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path[len(m.path)-1]
}

func (m *machine) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.path[len(m.path)-1]
	if !CanTransition(cur, next) {
		return fmt.Errorf("query: illegal transition %s -> %s", cur, next)
	}
	m.path = append(m.path, next)
	RecordState(m.tracer, next)
	return nil
}

// fail moves to StateFailed unless the request already ended.
func (m *machine) fail() {
	_ = m.to(StateFailed)
}

func (m *machine) states() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.path...)
}
