package syncengine

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// CycleEvent describes a finished sync cycle.
type CycleEvent struct {
	CycleID    string          `json:"cycle_id"`
	Trigger    Trigger         `json:"trigger"`
	Phase      Phase           `json:"phase"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
	PhaseMS    map[Phase]int64 `json:"phase_ms"`
	Pulled     int             `json:"pulled"`
	Pushed     int             `json:"pushed"`
	Conflicted int             `json:"conflicted"`
	Failed     int             `json:"failed"`
	Rejected   int             `json:"rejected"`
	Repaired   int             `json:"repaired,omitempty"`
	Pruned     int             `json:"pruned,omitempty"`
}

// Succeeded reports whether the cycle ran to completion.
func (ev CycleEvent) Succeeded() bool {
	return ev.Phase != PhaseFailed
}

// EventSink receives an event for every cycle that ran. Sinks are called
// synchronously from the cycle goroutine and must not block for long.
type EventSink interface {
	CycleFinished(ev CycleEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev CycleEvent)

// CycleFinished implements EventSink.
func (f SinkFunc) CycleFinished(ev CycleEvent) { f(ev) }

// LogSink writes each event as one JSON line.
type LogSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogSink returns a sink writing JSON lines to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{w: w}
}

// CycleFinished implements EventSink.
func (s *LogSink) CycleFinished(ev CycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(data, '\n'))
}

// Event converts the summary to its observability event.
func (s *Summary) Event() CycleEvent {
	ev := CycleEvent{
		CycleID:    s.CycleID,
		Trigger:    s.Trigger,
		Phase:      s.Phase,
		StartedAt:  s.StartedAt,
		DurationMS: s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
		PhaseMS:    make(map[Phase]int64, len(s.PhaseDurations)),
		Pulled:     s.Pulled,
		Pushed:     s.Pushed,
		Conflicted: s.Conflicted,
		Failed:     s.Failed,
		Rejected:   len(s.Rejected),
		Repaired:   s.Repaired,
		Pruned:     s.Pruned,
	}
	for p, d := range s.PhaseDurations {
		ev.PhaseMS[p] = d.Milliseconds()
	}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return ev
}
