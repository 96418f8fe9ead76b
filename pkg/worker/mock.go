package worker

import (
	"context"
	"sync"
)

// Mock implements Worker for testing. Tests push replies with Send and
// inspect posted requests with Posts.
type Mock struct {
	// StartFunc is called when Start is invoked. If nil, Start succeeds.
	StartFunc func(ctx context.Context) error

	// PostFunc is called when Post is invoked. If nil, Post succeeds.
	PostFunc func(req Request) error

	mu      sync.Mutex
	replies chan Reply
	posts   []Request
	closed  bool
}

// NewMock creates a mock with a buffered reply stream.
func NewMock() *Mock {
	return &Mock{replies: make(chan Reply, 64)}
}

// Start calls StartFunc.
func (m *Mock) Start(ctx context.Context) error {
	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	return nil
}

// Post records req and calls PostFunc.
func (m *Mock) Post(req Request) error {
	m.mu.Lock()
	m.posts = append(m.posts, req)
	m.mu.Unlock()
	if m.PostFunc != nil {
		return m.PostFunc(req)
	}
	return nil
}

// Replies returns the stream fed by Send.
func (m *Mock) Replies() <-chan Reply {
	return m.replies
}

// Send queues a reply. It is a no-op after Close.
func (m *Mock) Send(r Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.replies <- r
}

// Posts returns a copy of every request posted so far.
func (m *Mock) Posts() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.posts))
	copy(out, m.posts)
	return out
}

// Close closes the reply stream.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.replies)
	}
	return nil
}

var _ Worker = (*Mock)(nil)
