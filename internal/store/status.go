package store

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a source in the ingestion pipeline.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusTranscribed Status = "transcribed"
	StatusDiarized    Status = "diarized"
	StatusOptimized   Status = "optimized"
	StatusEmbedded    Status = "embedded"
	StatusUpserted    Status = "upserted"
	StatusDone        Status = "done"
	StatusError       Status = "error"
	StatusSkipped     Status = "skipped"
)

// allStatuses is the canonical ordering used for display and validation.
var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusTranscribed,
	StatusDiarized,
	StatusOptimized,
	StatusEmbedded,
	StatusUpserted,
	StatusDone,
	StatusError,
	StatusSkipped,
}

var statusSet = func() map[Status]struct{} {
	m := make(map[Status]struct{}, len(allStatuses))
	for _, s := range allStatuses {
		m[s] = struct{}{}
	}
	return m
}()

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusSet[s]
	return ok
}

// IsTerminal reports whether the pipeline will not touch the source again
// this run.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusSkipped
}

// String returns the status as stored in the database.
func (s Status) String() string { return string(s) }

// ParseStatus converts a stored string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("store: unknown status %q", raw)
	}
	return s, nil
}
