package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessConfig configures a subprocess worker.
type ProcessConfig struct {
	Command string
	Args    []string

	// WriteTimeout bounds a single stdin write. Default: 2s.
	WriteTimeout time.Duration

	// StopTimeout is how long Close waits before killing the process. Default: 2s.
	StopTimeout time.Duration

	Logger *slog.Logger
}

// ProcessWorker runs the pose solver as a child process speaking
// length-prefixed msgpack on stdin/stdout. The child sends a ready reply
// once it has loaded its native dependencies.
type ProcessWorker struct {
	cfg    ProcessConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	outbox     chan Request
	replies    chan Reply
	readerDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active  atomic.Bool
	closed  atomic.Bool
	stalled atomic.Bool

	dropped   atomic.Uint64
	lifecycle sync.Mutex
}

// NewProcessWorker validates cfg and returns an unstarted worker.
func NewProcessWorker(cfg ProcessConfig) (*ProcessWorker, error) {
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessWorker{
		cfg:        cfg,
		logger:     cfg.Logger.With("worker", "process", "command", cfg.Command),
		outbox:     make(chan Request, 1),
		replies:    make(chan Reply, 16),
		readerDone: make(chan struct{}),
	}, nil
}

// Start spawns the child process and its I/O goroutines.
func (w *ProcessWorker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.active.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	cmd := exec.CommandContext(w.ctx, w.cfg.Command, w.cfg.Args...)
	var err error
	if w.stdin, err = cmd.StdinPipe(); err != nil {
		w.active.Store(false)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if w.stdout, err = cmd.StdoutPipe(); err != nil {
		w.active.Store(false)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if w.stderr, err = cmd.StderrPipe(); err != nil {
		w.active.Store(false)
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		w.active.Store(false)
		return fmt.Errorf("start %s: %w", w.cfg.Command, err)
	}
	w.cmd = cmd

	w.wg.Add(3)
	go w.writeRequests()
	go w.readReplies()
	go w.logStderr()

	w.logger.Info("pose worker process started", "pid", cmd.Process.Pid)
	return nil
}

// Post queues req for the child, replacing a request not yet written.
func (w *ProcessWorker) Post(req Request) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.active.Load() {
		return ErrNotStarted
	}
	if w.stalled.Load() {
		return ErrStalled
	}
	select {
	case w.outbox <- req:
		return nil
	default:
	}
	select {
	case <-w.outbox:
		w.dropped.Add(1)
	default:
	}
	select {
	case w.outbox <- req:
	default:
		w.dropped.Add(1)
	}
	return nil
}

func (w *ProcessWorker) writeRequests() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.outbox:
			err := w.write(req)
			if err == nil {
				continue
			}
			w.logger.Warn("pose request write failed", "seq", req.Seq, "error", err)
			if errors.Is(err, ErrStalled) || w.ctx.Err() != nil {
				return
			}
		}
	}
}

// write sends one framed request. A child that does not take the frame
// within WriteTimeout is killed, and write returns only once the pending
// pipe write has, so frames never interleave on stdin.
func (w *ProcessWorker) write(req Request) error {
	done := make(chan error, 1)
	go func() { done <- WriteFrame(w.stdin, req) }()

	timer := time.NewTimer(w.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		w.stalled.Store(true)
		w.logger.Error("pose worker not reading stdin, killing process", "timeout", w.cfg.WriteTimeout)
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		<-done
		return fmt.Errorf("%w: stdin write timeout after %v", ErrStalled, w.cfg.WriteTimeout)
	case <-w.ctx.Done():
		<-done
		return w.ctx.Err()
	}
}

func (w *ProcessWorker) readReplies() {
	defer w.wg.Done()
	defer close(w.readerDone)
	defer close(w.replies)

	for {
		var r Reply
		if err := ReadFrame(w.stdout, &r); err != nil {
			if errors.Is(err, io.EOF) || w.ctx.Err() != nil {
				w.logger.Debug("pose worker stdout closed")
				return
			}
			if errors.Is(err, ErrMalformedFrame) {
				w.logger.Warn("pose worker reply decode failed", "error", err)
				continue
			}
			w.logger.Error("pose worker stream broken", "error", err)
			return
		}
		if r.Kind == KindReady || r.Fatal {
			select {
			case w.replies <- r:
			case <-w.ctx.Done():
				return
			}
			continue
		}
		select {
		case w.replies <- r:
		default:
			w.logger.Debug("pose worker reply dropped, consumer behind", "kind", r.Kind)
		}
	}
}

// logStderr forwards the child's stderr lines to the structured logger,
// mapping common level prefixes.
func (w *ProcessWorker) logStderr() {
	defer w.wg.Done()
	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "level=ERROR"):
			w.logger.Error("pose worker", "stderr", line)
		case strings.Contains(line, "[WARN"), strings.Contains(line, "level=WARN"):
			w.logger.Warn("pose worker", "stderr", line)
		default:
			w.logger.Debug("pose worker", "stderr", line)
		}
	}
}

// Replies returns the reply stream. It closes when the child's stdout ends.
func (w *ProcessWorker) Replies() <-chan Reply {
	return w.replies
}

// Dropped returns how many queued requests were replaced before being written.
func (w *ProcessWorker) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the child: stdin is closed first so it can exit on its own,
// then it is killed if it has not exited within StopTimeout.
func (w *ProcessWorker) Close() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !w.active.Load() {
		close(w.replies)
		return nil
	}

	if w.stdin != nil {
		w.stdin.Close()
	}

	// The child exits on stdin EOF; its stdout must be drained before Wait
	// closes the pipe.
	select {
	case <-w.readerDone:
	case <-time.After(w.cfg.StopTimeout):
		w.logger.Warn("pose worker stop timeout, killing process")
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
	waitErr := w.cmd.Wait()
	w.cancel()
	w.wg.Wait()
	w.active.Store(false)

	w.logger.Info("pose worker process stopped", "dropped", w.dropped.Load())
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("wait for pose worker: %w", waitErr)
	}
	return nil
}

var _ Worker = (*ProcessWorker)(nil)
