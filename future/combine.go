package future

import (
	"errors"

	json "github.com/goccy/go-json"
)

// ErrNoResultsToCombine is returned when a combine is attempted over an
// empty result sequence. An empty combination masks a real failure to
// schedule any work, so it is an error, never a zero-valued result.
var ErrNoResultsToCombine = errors.New("no results to combine")

// ChunkResult is the decoded outcome of one chunk of a multi-part
// operation.
type ChunkResult struct {
	// Metrics holds the chunk's named numeric metrics, e.g.
	// "loss:sum", "tokens:count".
	Metrics map[string]float64 `json:"metrics"`

	// Weight is the chunk's contribution weight, typically its sample
	// or token count. Used by weight-sensitive reductions.
	Weight float64 `json:"weight"`

	// Payload carries any non-numeric chunk output, forwarded opaquely.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Combined is the aggregate of all chunk results of one logical
// operation, in chunk order.
type Combined struct {
	// Metrics holds the reduced metrics.
	Metrics map[string]float64

	// TotalWeight is the summed chunk weight.
	TotalWeight float64

	// Chunks is how many results were combined.
	Chunks int

	// Payloads holds each chunk's opaque payload, concatenation order
	// preserved.
	Payloads []json.RawMessage
}

// Reduction merges one metric's per-chunk values into a single value.
// values and weights are parallel, in chunk order, and never empty.
//
// The right reduction depends on the metric's meaning (a loss is
// averaged, a count is summed), which is why reductions are registered
// per metric name rather than hard-coded.
type Reduction func(values, weights []float64) float64

// SumReduction adds the per-chunk values.
func SumReduction(values, _ []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// WeightedMeanReduction averages the per-chunk values, weighted by
// chunk weight. Falls back to a plain mean when all weights are zero.
func WeightedMeanReduction(values, weights []float64) float64 {
	var sum, weightSum float64
	for i, v := range values {
		sum += v * weights[i]
		weightSum += weights[i]
	}
	if weightSum == 0 {
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	return sum / weightSum
}

// LastReduction keeps the final chunk's value. Suitable for gauges such
// as a learning rate that every chunk reports identically.
func LastReduction(values, _ []float64) float64 {
	return values[len(values)-1]
}

// Combine merges the ordered chunk results of one logical multi-part
// operation into an aggregate.
//
// reductions maps metric names to their reduction; metrics without an
// entry use a weighted mean, the safe default for per-example averages.
// An empty result sequence returns ErrNoResultsToCombine.
func Combine(results []ChunkResult, reductions map[string]Reduction) (Combined, error) {
	if len(results) == 0 {
		return Combined{}, ErrNoResultsToCombine
	}

	// Gather per-metric value/weight series in chunk order. A metric
	// missing from one chunk contributes nothing to its series rather
	// than a synthetic zero.
	series := make(map[string][]float64)
	weights := make(map[string][]float64)
	combined := Combined{
		Metrics: make(map[string]float64),
		Chunks:  len(results),
	}

	for _, r := range results {
		combined.TotalWeight += r.Weight
		if len(r.Payload) > 0 {
			combined.Payloads = append(combined.Payloads, r.Payload)
		}
		for name, value := range r.Metrics {
			series[name] = append(series[name], value)
			weights[name] = append(weights[name], r.Weight)
		}
	}

	for name, values := range series {
		reduce, ok := reductions[name]
		if !ok {
			reduce = WeightedMeanReduction
		}
		combined.Metrics[name] = reduce(values, weights[name])
	}

	return combined, nil
}
