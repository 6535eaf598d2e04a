package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// MockGenerativeService replays scripted responses. Responses queued with
// Enqueue are returned in order; after the queue drains, Respond (if set)
// or Default answers.
type MockGenerativeService struct {
	mu       sync.Mutex
	name     string
	model    string
	queue    []scripted
	requests []driven.CompletionRequest

	// Respond computes a response when the queue is empty (optional).
	Respond func(req driven.CompletionRequest) (string, error)

	// Default is returned when the queue is empty and Respond is nil.
	Default string

	// PingErr is returned by Ping.
	PingErr error

	closed bool
}

type scripted struct {
	text string
	err  error
}

// NewMockGenerativeService creates a mock provider named name.
func NewMockGenerativeService(name string) *MockGenerativeService {
	return &MockGenerativeService{
		name:    name,
		model:   "mock-" + name,
		Default: "{}",
	}
}

// Enqueue appends a scripted text response.
func (m *MockGenerativeService) Enqueue(texts ...string) *MockGenerativeService {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range texts {
		m.queue = append(m.queue, scripted{text: t})
	}
	return m
}

// EnqueueError appends a scripted failure.
func (m *MockGenerativeService) EnqueueError(err error) *MockGenerativeService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scripted{err: err})
	return m
}

func (m *MockGenerativeService) Complete(ctx context.Context, req driven.CompletionRequest) (*driven.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var next *scripted
	if len(m.queue) > 0 {
		next = &m.queue[0]
		m.queue = m.queue[1:]
	}
	respond := m.Respond
	def := m.Default
	m.mu.Unlock()

	var text string
	var err error
	switch {
	case next != nil:
		text, err = next.text, next.err
	case respond != nil:
		text, err = respond(req)
	default:
		text = def
	}
	if err != nil {
		return nil, err
	}
	return &driven.Completion{
		Text:         text,
		Model:        m.model,
		TokensInput:  len(strings.Fields(req.Prompt)),
		TokensOutput: len(strings.Fields(text)),
	}, nil
}

func (m *MockGenerativeService) Name() string {
	return m.name
}

func (m *MockGenerativeService) Model() string {
	return m.model
}

func (m *MockGenerativeService) Ping(ctx context.Context) error {
	return m.PingErr
}

func (m *MockGenerativeService) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockGenerativeService) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Requests returns a copy of every request received.
func (m *MockGenerativeService) Requests() []driven.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driven.CompletionRequest(nil), m.requests...)
}

// Calls returns the number of Complete calls.
func (m *MockGenerativeService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
