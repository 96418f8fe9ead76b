package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/teslashibe/go-attention/pkg/landmark"
)

type fakeSolver struct {
	initErr error
	panicOn uint64
}

func (s *fakeSolver) Init() error { return s.initErr }

func (s *fakeSolver) Solve(ctx context.Context, req Request) (Result, error) {
	if s.panicOn != 0 && req.Seq == s.panicOn {
		panic("boom")
	}
	if len(req.Landmarks) == 0 {
		return Result{}, errors.New("no landmarks")
	}
	return Result{Seq: req.Seq, Yaw: float64(req.Seq), IsValid: true, Timestamp: req.FrameTime}, nil
}

func nextReply(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatal("reply stream closed")
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return Reply{}
}

func TestLocalWorkerHandshakeAndSolve(t *testing.T) {
	w := NewLocalWorker(&fakeSolver{}, quietLogger())
	if err := w.Post(Request{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Post before Start = %v, want ErrNotStarted", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if r := nextReply(t, w.Replies()); r.Kind != KindReady {
		t.Fatalf("first reply = %s, want ready", r.Kind)
	}

	f := landmark.FrontalFace()
	f.Timestamp = time.UnixMilli(42_000)
	if err := w.Post(NewRequest(7, f.Render())); err != nil {
		t.Fatal(err)
	}
	r := nextReply(t, w.Replies())
	if r.Kind != KindResult || r.Result == nil {
		t.Fatalf("reply = %+v, want result", r)
	}
	if r.Result.Seq != 7 || r.Result.Timestamp != 42_000 {
		t.Errorf("result = %+v", r.Result)
	}
}

func TestLocalWorkerErrors(t *testing.T) {
	t.Run("init failure is fatal", func(t *testing.T) {
		w := NewLocalWorker(&fakeSolver{initErr: errors.New("no model")}, quietLogger())
		if err := w.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer w.Close()
		r := nextReply(t, w.Replies())
		if r.Kind != KindError || !r.Fatal {
			t.Errorf("reply = %+v, want fatal error", r)
		}
	})

	t.Run("solver panic becomes error reply", func(t *testing.T) {
		w := NewLocalWorker(&fakeSolver{panicOn: 1}, quietLogger())
		if err := w.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer w.Close()
		nextReply(t, w.Replies())
		if err := w.Post(NewRequest(1, landmark.FrontalFace().Render())); err != nil {
			t.Fatal(err)
		}
		r := nextReply(t, w.Replies())
		if r.Kind != KindError || r.Fatal {
			t.Errorf("reply = %+v, want non-fatal error", r)
		}
	})
}

func TestSolveReply(t *testing.T) {
	frame := landmark.FrontalFace().Render()
	tests := []struct {
		name     string
		solver   *fakeSolver
		frame    *landmark.Frame
		wantKind ReplyKind
	}{
		{"result", &fakeSolver{}, frame, KindResult},
		{"solver error", &fakeSolver{}, &landmark.Frame{}, KindError},
		{"panic", &fakeSolver{panicOn: 3}, frame, KindError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SolveReply(context.Background(), tt.solver, NewRequest(3, tt.frame))
			if r.Kind != tt.wantKind || r.Fatal {
				t.Errorf("reply = %+v, want non-fatal %s", r, tt.wantKind)
			}
		})
	}
}

func TestLocalWorkerClose(t *testing.T) {
	w := NewLocalWorker(&fakeSolver{}, quietLogger())
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-w.Replies(); ok {
		t.Error("replies open after Close on unstarted worker")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := NewRequest(3, landmark.FrontalFace().Render())
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, ReadyReply()); err != nil {
		t.Fatal(err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got.Seq != 3 || len(got.Landmarks) != landmark.NumLandmarks || got.Width != 640 {
		t.Errorf("decoded request: seq=%d points=%d width=%d", got.Seq, len(got.Landmarks), got.Width)
	}
	var ready Reply
	if err := ReadFrame(&buf, &ready); err != nil || ready.Kind != KindReady {
		t.Errorf("ready frame: %+v, %v", ready, err)
	}
	if err := ReadFrame(&buf, &ready); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestReadFrameRejects(t *testing.T) {
	t.Run("oversized", func(t *testing.T) {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
		var r Reply
		if err := ReadFrame(bytes.NewReader(hdr[:]), &r); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("err = %v, want ErrFrameTooLarge", err)
		}
	})

	t.Run("malformed body keeps stream aligned", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 1, 0xc1}) // 0xc1 is never valid msgpack
		if err := WriteFrame(&buf, ReadyReply()); err != nil {
			t.Fatal(err)
		}
		var r Reply
		if err := ReadFrame(&buf, &r); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("err = %v, want ErrMalformedFrame", err)
		}
		if err := ReadFrame(&buf, &r); err != nil || r.Kind != KindReady {
			t.Errorf("next frame = %+v, %v", r, err)
		}
	})

	t.Run("truncated body", func(t *testing.T) {
		data := []byte{0, 0, 0, 10, 1, 2}
		var r Reply
		err := ReadFrame(bytes.NewReader(data), &r)
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrMalformedFrame) {
			t.Errorf("err = %v, want truncation error", err)
		}
	})
}

// TestHelperProcess is not a real test. It is re-executed as the child of
// the process worker tests and speaks the worker protocol on stdio.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	if err := WriteFrame(os.Stdout, ReadyReply()); err != nil {
		os.Exit(2)
	}
	if os.Getenv("HELPER_STALL") == "1" {
		// Never read stdin.
		time.Sleep(time.Minute)
		return
	}
	for {
		var req Request
		if err := ReadFrame(os.Stdin, &req); err != nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[INFO] solving %d\n", req.Seq)
		res := Result{Seq: req.Seq, Yaw: 12.5, IsValid: true, Timestamp: req.FrameTime}
		if err := WriteFrame(os.Stdout, ResultReply(res)); err != nil {
			return
		}
	}
}

func TestProcessWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	w, err := NewProcessWorker(ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if r := nextReply(t, w.Replies()); r.Kind != KindReady {
		t.Fatalf("first reply = %+v, want ready", r)
	}
	f := landmark.FrontalFace()
	f.Timestamp = time.UnixMilli(9_000)
	if err := w.Post(NewRequest(5, f.Render())); err != nil {
		t.Fatal(err)
	}
	r := nextReply(t, w.Replies())
	if r.Kind != KindResult || r.Result.Seq != 5 || r.Result.Yaw != 12.5 || r.Result.Timestamp != 9_000 {
		t.Errorf("reply = %+v", r)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestProcessWorkerStalledChild(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_STALL", "1")

	w, err := NewProcessWorker(ProcessConfig{
		Command:      os.Args[0],
		Args:         []string{"-test.run=^TestHelperProcess$"},
		WriteTimeout: 100 * time.Millisecond,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if r := nextReply(t, w.Replies()); r.Kind != KindReady {
		t.Fatalf("first reply = %+v, want ready", r)
	}
	// Larger than any pipe buffer, so the write blocks on the idle child.
	req := NewRequest(1, landmark.FrontalFace().Render())
	req.Landmarks = make([]landmark.Point, 20_000)
	if err := w.Post(req); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-w.Replies():
		case <-deadline:
			t.Fatal("stalled child was not stopped")
		}
	}
	if err := w.Post(req); !errors.Is(err, ErrStalled) {
		t.Errorf("Post after stall = %v, want ErrStalled", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewWorkerConfigErrors(t *testing.T) {
	if _, err := NewProcessWorker(ProcessConfig{}); !errors.Is(err, ErrNoCommand) {
		t.Errorf("NewProcessWorker = %v, want ErrNoCommand", err)
	}
	if _, err := NewRemoteWorker(RemoteConfig{}); !errors.Is(err, ErrNoURL) {
		t.Errorf("NewRemoteWorker = %v, want ErrNoURL", err)
	}
}
