package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/chaffelab/transcriptor/internal/pipeline"
)

// Progress is a live per-run outcome counter fed by pipeline events. It
// implements [pipeline.Sink] and serves its snapshot as JSON.
type Progress struct {
	mu         sync.Mutex
	discovered int
	inFlight   int
	done       int
	skipped    int
	errors     int
}

var _ pipeline.Sink = (*Progress)(nil)

// NewProgress creates an empty progress tracker.
func NewProgress() *Progress {
	return &Progress{}
}

// Emit implements [pipeline.Sink].
func (p *Progress) Emit(e pipeline.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case pipeline.EventDiscovered:
		p.discovered++
	case pipeline.EventStarted:
		p.inFlight++
	case pipeline.EventDone:
		p.inFlight--
		p.done++
	case pipeline.EventSkipped:
		// Discovery-time skips never started; mid-run skips did.
		if p.inFlight > 0 {
			p.inFlight--
		}
		p.skipped++
	case pipeline.EventError:
		p.inFlight--
		p.errors++
	}
	if p.inFlight < 0 {
		p.inFlight = 0
	}
}

// snapshot is the /progress response body.
type snapshot struct {
	Discovered int `json:"discovered"`
	InFlight   int `json:"in_flight"`
	Done       int `json:"done"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// ServeHTTP returns the current counters.
func (p *Progress) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	s := snapshot{
		Discovered: p.discovered,
		InFlight:   p.inFlight,
		Done:       p.done,
		Skipped:    p.skipped,
		Errors:     p.errors,
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
