package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Worker is a separate execution context that solves pose requests and
// answers asynchronously. Post must never block; replies arrive on Replies
// in any order relative to requests.
type Worker interface {
	Start(ctx context.Context) error
	Post(req Request) error
	Replies() <-chan Reply
	Close() error
}

// Solver computes a precise pose for one request.
type Solver interface {
	Solve(ctx context.Context, req Request) (Result, error)
}

// Initializer is implemented by solvers that need setup (model loading,
// native resources) before the worker reports ready.
type Initializer interface {
	Init() error
}

// Closer is implemented by solvers holding native resources.
type Closer interface {
	Close() error
}

// LocalWorker runs a Solver on its own goroutine. Only the newest pending
// request is kept: posting while the solver is busy replaces the queued one.
type LocalWorker struct {
	solver Solver
	logger *slog.Logger

	inbox   chan Request
	replies chan Reply

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex // Serializes Post's replace-pending sequence

	lifecycle sync.Mutex
}

// NewLocalWorker creates a goroutine-backed worker around solver.
func NewLocalWorker(solver Solver, logger *slog.Logger) *LocalWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalWorker{
		solver:  solver,
		logger:  logger,
		inbox:   make(chan Request, 1),
		replies: make(chan Reply, 16),
	}
}

// Start launches the solver goroutine. Readiness is signalled on Replies
// once the solver has initialized.
func (w *LocalWorker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *LocalWorker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.replies)

	if init, ok := w.solver.(Initializer); ok {
		if err := init.Init(); err != nil {
			w.emit(ctx, ErrorReply(fmt.Errorf("solver init: %w", err), true))
			return
		}
	}
	if c, ok := w.solver.(Closer); ok {
		defer c.Close()
	}
	w.emit(ctx, ReadyReply())

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.inbox:
			w.emit(ctx, SolveReply(ctx, w.solver, req))
		}
	}
}

// SolveReply runs one request on s and wraps the outcome as a reply.
// Solver errors and panics become non-fatal error replies.
func SolveReply(ctx context.Context, s Solver, req Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = ErrorReply(fmt.Errorf("solver panic: %v", r), false)
		}
	}()
	res, err := s.Solve(ctx, req)
	if err != nil {
		return ErrorReply(err, false)
	}
	return ResultReply(res)
}

// emit delivers a reply without blocking the solver on a slow consumer.
// The handshake and fatal errors are always delivered unless cancelled.
func (w *LocalWorker) emit(ctx context.Context, r Reply) {
	if r.Kind == KindReady || r.Fatal {
		select {
		case w.replies <- r:
		case <-ctx.Done():
		}
		return
	}
	select {
	case w.replies <- r:
	default:
		w.logger.Debug("worker reply dropped, consumer behind", "kind", r.Kind)
	}
}

// Post queues req, replacing any request the solver has not picked up yet.
func (w *LocalWorker) Post(req Request) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.started.Load() {
		return ErrNotStarted
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case w.inbox <- req:
		return nil
	default:
	}
	select {
	case <-w.inbox:
	default:
	}
	select {
	case w.inbox <- req:
	default:
	}
	return nil
}

// Replies returns the reply stream. It is closed when the worker stops.
func (w *LocalWorker) Replies() <-chan Reply {
	return w.replies
}

// Close stops the solver goroutine and waits for it to exit.
func (w *LocalWorker) Close() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if !w.started.Load() {
		close(w.replies)
	}
	return nil
}

var _ Worker = (*LocalWorker)(nil)
