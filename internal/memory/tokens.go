package memory

import "encoding/json"

// Estimator prices content in tokens for budget packing. The default is a
// character-length heuristic; swap in a tokenizer-backed implementation when
// accuracy matters more than speed.
type Estimator interface {
	Estimate(content json.RawMessage) int
}

// fallbackTokenCost is charged when content cannot be serialized or sized.
const fallbackTokenCost = 64

type heuristicEstimator struct{}

// Estimate prices serialized content at roughly four characters per token.
func (heuristicEstimator) Estimate(content json.RawMessage) int {
	if len(content) == 0 {
		return fallbackTokenCost
	}
	return (len(content) + 3) / 4
}

// DefaultEstimator returns the character-length heuristic.
func DefaultEstimator() Estimator { return heuristicEstimator{} }
