// attention-replay: run recorded landmark streams through the engine
// Reads JSON-lines landmarks messages and prints the session summary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/teslashibe/go-attention/internal/log"
	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/protocol"
	"github.com/teslashibe/go-attention/pkg/session"
)

var (
	input    = flag.String("input", "-", "JSON-lines file of landmarks messages (- for stdin)")
	events   = flag.Bool("events", false, "Include the distraction event log")
	logLevel = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
)

// Report is the replay output.
type Report struct {
	Frames  int             `json:"frames"`
	Skipped int             `json:"skipped"`
	Commits []Commit        `json:"commits"`
	Summary session.Summary `json:"summary"`
	Events  []session.Event `json:"events,omitempty"`
}

// Commit is one distraction notification seen during the replay.
type Commit struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// replayClock follows the recorded timestamps.
type replayClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *replayClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func main() {
	flag.Parse()
	logger := log.Init(*logLevel)

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "attention-replay: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	report, err := replay(r, *events, attention.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "attention-replay: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "attention-replay: %v\n", err)
		os.Exit(1)
	}
}

// replay drives a fast-path engine with every landmarks message in r.
// Lines that are not landmarks messages are counted and skipped.
func replay(r io.Reader, withEvents bool, opts ...attention.Option) (*Report, error) {
	clock := &replayClock{}
	opts = append(opts, attention.WithClock(clock.Now))
	engine, err := attention.New(attention.DefaultConfig(), nil, opts...)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(context.Background()); err != nil {
		return nil, err
	}

	report := &Report{Commits: []Commit{}}
	engine.OnDistraction(func(n attention.Notification) {
		report.Commits = append(report.Commits, Commit{State: n.State.String(), At: n.At})
	})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var last time.Time
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil || msg.Type != protocol.TypeLandmarks {
			report.Skipped++
			continue
		}
		data, err := msg.GetLandmarksData()
		if err != nil {
			report.Skipped++
			continue
		}
		// Messages without a capture time are spaced at 30 fps.
		fallback := msg.Time()
		if fallback.IsZero() {
			fallback = last.Add(33 * time.Millisecond)
		}
		f, err := data.Frame(fallback)
		if err != nil {
			report.Skipped++
			continue
		}

		last = f.Timestamp
		clock.Set(last)
		engine.ProcessFrame(f)
		report.Frames++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	report.Summary = engine.Summary()
	if withEvents {
		report.Events = engine.Events()
	}
	return report, engine.Stop()
}
