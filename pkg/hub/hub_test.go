package hub

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-attention/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient registers a connectionless client; tests read its send queue.
func fakeClient(t *testing.T, h *Hub, buffer int) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan Message, buffer)}
	select {
	case h.register <- c:
	case <-time.After(time.Second):
		t.Fatal("register timed out")
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	h := New("debug", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	a := fakeClient(t, h, 4)
	b := fakeClient(t, h, 4)
	if h.ClientCount() != 2 {
		t.Fatalf("ClientCount = %d, want 2", h.ClientCount())
	}

	if err := h.BroadcastJSON(map[string]string{"state": "focus"}); err != nil {
		t.Fatalf("BroadcastJSON: %v", err)
	}
	for name, c := range map[string]*Client{"a": a, "b": b} {
		select {
		case m := <-c.send:
			if m.Type != JSONMessage || string(m.Data) != `{"state":"focus"}` {
				t.Errorf("%s got %+v", name, m)
			}
		case <-time.After(time.Second):
			t.Errorf("%s received nothing", name)
		}
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := New("debug", quietLogger())
	var count atomic.Int64
	h.OnCountChange(func(d int) { count.Add(int64(d)) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := fakeClient(t, h, 1)
	h.BroadcastBinary([]byte{1})
	h.BroadcastBinary([]byte{2})

	waitFor(t, func() bool { return h.ClientCount() == 0 })
	if m := <-slow.send; m.Type != BinaryMessage || m.Data[0] != 1 {
		t.Errorf("first message = %+v", m)
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client's queue not closed")
	}
	if count.Load() != 0 {
		t.Errorf("count callback net = %d, want 0", count.Load())
	}
}

func TestUnregister(t *testing.T) {
	h := New("debug", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := fakeClient(t, h, 1)
	h.unregister <- c
	waitFor(t, func() bool { return h.ClientCount() == 0 })
	// A second unregister must not close the queue twice.
	h.unregister <- c
}

func TestStopClosesClients(t *testing.T) {
	h := New("debug", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	waitFor(t, h.IsRunning)

	c := fakeClient(t, h, 1)
	cancel()
	waitFor(t, func() bool { return !h.IsRunning() })
	if _, ok := <-c.send; ok {
		t.Error("client queue open after stop")
	}
	if _, ok := NewClient(h, nil); ok {
		t.Error("registered on a stopped hub")
	}
}

func TestBroadcastQueueFull(t *testing.T) {
	h := New("debug", quietLogger())
	// Not running: the queue fills and further broadcasts drop.
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.BroadcastBinary([]byte{byte(i)})
	}
	if h.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", h.Dropped())
	}
}

func TestFromProtocol(t *testing.T) {
	msg, err := protocol.NewStateMessage("focus", "s1")
	if err != nil {
		t.Fatal(err)
	}
	m, err := FromProtocol(msg)
	if err != nil {
		t.Fatalf("FromProtocol: %v", err)
	}
	if m.Type != JSONMessage || !strings.Contains(string(m.Data), `"type":"state"`) {
		t.Errorf("message = %d %s", m.Type, m.Data)
	}
}
