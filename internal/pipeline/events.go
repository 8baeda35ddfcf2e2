package pipeline

import "log/slog"

// EventType enumerates per-item progress events.
type EventType string

const (
	EventDiscovered    EventType = "discovered"
	EventStarted       EventType = "started"
	EventStageComplete EventType = "stage_complete"
	EventDone          EventType = "done"
	EventError         EventType = "error"
	EventSkipped       EventType = "skipped"
)

// Event is one per-item progress record pushed to the observer sink.
type Event struct {
	Type       EventType
	ExternalID string
	Stage      string
	Reason     string
	Err        error
}

// Sink receives progress events. Implementations must be safe for
// concurrent use; Emit must not block.
type Sink interface {
	Emit(Event)
}

// SlogSink logs every event as a structured record.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (s SlogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"component", "pipeline",
		"external_id", e.ExternalID,
		"event", string(e.Type),
	}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
		logger.Warn("item event", attrs...)
		return
	}
	logger.Info("item event", attrs...)
}

// MultiSink fans every event out to each member sink.
type MultiSink []Sink

// Emit implements [Sink].
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Summary aggregates a whole run.
type Summary struct {
	Discovered        int
	Done              int
	Skipped           int
	Errors            int
	SegmentsWritten   int
	EmbeddingsWritten int
	RemoteCostUSD     float64
}
