package main

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/classifier"
	"github.com/teslashibe/go-attention/pkg/landmark"
	"github.com/teslashibe/go-attention/pkg/protocol"
)

// recording writes n frames of face starting at start, 33ms apart.
func recording(t *testing.T, buf *bytes.Buffer, face landmark.SyntheticFace, start time.Time, n int, seq *uint64) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < n; i++ {
		ts = ts.Add(33 * time.Millisecond)
		face.Timestamp = ts
		*seq++
		msg, err := protocol.NewLandmarksMessage(face.Render(), *seq)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := msg.Bytes()
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return ts
}

func quiet() attention.Option {
	return attention.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	var seq uint64
	start := time.UnixMilli(1_700_000_000_000)

	turnedFace := landmark.FrontalFace()
	turnedFace.NoseDX = 0.4

	ts := recording(t, &buf, landmark.FrontalFace(), start, 90, &seq)
	buf.WriteString("not json\n\n")
	ts = recording(t, &buf, turnedFace, ts, 120, &seq)

	report, err := replay(&buf, true, quiet())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Frames != 210 || report.Skipped != 1 {
		t.Errorf("frames %d skipped %d, want 210 and 1", report.Frames, report.Skipped)
	}
	if len(report.Commits) != 1 || report.Commits[0].State != "turning" {
		t.Errorf("commits = %+v, want one turning", report.Commits)
	}

	s := report.Summary
	if s.CurrentState != classifier.Turning {
		t.Errorf("current state = %v, want turning", s.CurrentState)
	}
	// The session spans first to last recorded frame.
	want := ts.Sub(start.Add(33*time.Millisecond)).Seconds()
	if math.Abs(s.TotalDuration-want) > 0.1 {
		t.Errorf("total duration = %v, want ~%v", s.TotalDuration, want)
	}
	if s.TimeBreakdown.Turning < 3.5 || s.TimeBreakdown.Focus < 2.5 {
		t.Errorf("breakdown = %+v", s.TimeBreakdown)
	}
	// ~3.9s of turning fires the 3s trigger once.
	if s.EventCounts.Turning != 1 || len(report.Events) != 1 {
		t.Errorf("turning triggers = %d, events = %d, want 1", s.EventCounts.Turning, len(report.Events))
	}
}

func TestReplayEmpty(t *testing.T) {
	report, err := replay(bytes.NewReader(nil), false, quiet())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Frames != 0 || report.Summary.CurrentState != classifier.NotDetected {
		t.Errorf("report = %+v", report)
	}
	if report.Events != nil {
		t.Error("events included without -events")
	}
}
