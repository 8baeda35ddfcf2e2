package pipeline

import "github.com/chaffelab/transcriptor/internal/asr"

// RouteMode is the recognizer routing decision for a run. The decision is
// made once per run from the discovered batch and never changes mid-run.
type RouteMode string

const (
	// RouteLocal runs recognition on local GPU whisper models.
	RouteLocal RouteMode = "local"

	// RouteRemote uploads audio to the hosted transcription API.
	RouteRemote RouteMode = "remote"
)

// smallBatchItems is the batch size at or below which remote recognition
// wins on latency regardless of cost.
const smallBatchItems = 5

// RoutingInput is what the routing decision considers.
type RoutingInput struct {
	// Items is the number of sources needing recognition.
	Items int

	// TotalDurationS is their summed duration.
	TotalDurationS float64

	// GPUCount is the number of local GPUs available.
	GPUCount int

	// RatePerMin is the hosted API price per audio minute.
	RatePerMin float64

	// MaxCostPerRun caps remote spend; 0 means unlimited.
	MaxCostPerRun float64
}

// RoutingDecision is the sticky per-run outcome.
type RoutingDecision struct {
	Mode RouteMode

	// EstimatedCostUSD is the projected remote spend (zero in local mode).
	EstimatedCostUSD float64

	// TrimToBudget is set in remote mode when the batch exceeds the cost
	// cap; items past the budget are skipped.
	TrimToBudget bool
}

// DecideRoute picks local GPU or the remote API for the whole run:
//
//   - small batches go remote for latency
//   - a batch whose remote cost exceeds the cap goes local when a GPU
//     exists, and is trimmed to budget otherwise
//   - without a GPU, remote is the only choice
func DecideRoute(in RoutingInput) RoutingDecision {
	estimate := asr.CostEstimate(in.TotalDurationS, in.RatePerMin)

	if in.Items <= smallBatchItems {
		return RoutingDecision{Mode: RouteRemote, EstimatedCostUSD: estimate}
	}
	if in.GPUCount <= 0 {
		d := RoutingDecision{Mode: RouteRemote, EstimatedCostUSD: estimate}
		if in.MaxCostPerRun > 0 && estimate > in.MaxCostPerRun {
			d.TrimToBudget = true
		}
		return d
	}
	return RoutingDecision{Mode: RouteLocal}
}
