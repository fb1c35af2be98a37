package recognition

import (
	"math"

	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// Candidate pairs a registered identity with its stored embedding.
type Candidate struct {
	Identity  *identity.Identity
	Embedding Vector
}

// MatchResult is either a match (Matched true, Identity set) or NoMatch.
// BestScore is the highest score seen, reported even when below threshold.
type MatchResult struct {
	Matched   bool
	Identity  *identity.Identity
	Index     int
	Score     float64
	BestScore float64
}

// NoMatch is the result for an empty gallery.
var NoMatch = MatchResult{Index: -1, BestScore: math.Inf(-1)}

// Matcher selects the best candidate under a threshold.
type Matcher struct {
	scorer    Scorer
	threshold float64
}

// NewMatcher creates a Matcher for one scorer and its calibrated threshold.
func NewMatcher(scorer Scorer, threshold float64) *Matcher {
	return &Matcher{scorer: scorer, threshold: threshold}
}

// Scorer returns the configured scoring function.
func (m *Matcher) Scorer() Scorer { return m.scorer }

// Threshold returns the minimum accepted score.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match scores the probe against every candidate. The highest score at or
// above the threshold wins; on equal scores the earlier candidate is kept.
func (m *Matcher) Match(probe Vector, candidates []Candidate) MatchResult {
	result := NoMatch

	for i, c := range candidates {
		score := m.scorer.Score(probe, c.Embedding)
		if math.IsNaN(score) {
			continue
		}
		if score > result.BestScore {
			result.BestScore = score
		}
		if score < m.threshold {
			continue
		}
		if !result.Matched || score > result.Score {
			result.Matched = true
			result.Identity = c.Identity
			result.Index = i
			result.Score = score
		}
	}

	logging.Component("matcher").Debugf("Matched=%v best=%.4f threshold=%.4f scorer=%s candidates=%d",
		result.Matched, result.BestScore, m.threshold, m.scorer.Name(), len(candidates))
	return result
}
