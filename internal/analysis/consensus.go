package analysis

import "math"

// ConsensusFunc scores agreement between completed runs from their
// headline scores, on a 0-100 scale. 100 means the back-ends agree
// exactly; lower means more spread.
type ConsensusFunc func(headlineScores []float64) float64

// consensusScale normalizes mean absolute deviation against the 0-100
// headline score space. A spread of 50 points or more scores zero.
const consensusScale = 50.0

// DefaultConsensus scores agreement as the normalized inverse dispersion
// of the headline scores: 100 * (1 - min(1, meanAbsDev/50)). A single
// score has no dispersion and scores 100.
func DefaultConsensus(headlineScores []float64) float64 {
	if len(headlineScores) == 0 {
		return 0
	}

	var sum float64
	for _, s := range headlineScores {
		sum += s
	}
	mean := sum / float64(len(headlineScores))

	var dev float64
	for _, s := range headlineScores {
		dev += math.Abs(s - mean)
	}
	mad := dev / float64(len(headlineScores))

	return 100 * (1 - math.Min(1, mad/consensusScale))
}
