package recognition

import (
	"errors"
	"fmt"
	"math"
)

// Vector is a fixed-length face embedding. Only scorers interpret it.
type Vector []float32

// ErrUnknownScorer is returned by ScorerByName for unsupported names.
var ErrUnknownScorer = errors.New("unknown scoring function")

// Scorer turns a pair of embeddings into a similarity score where higher
// means more alike. Thresholds are only comparable within one scorer.
type Scorer interface {
	Name() string
	Score(a, b Vector) float64
}

// CosineScorer scores by cosine similarity in [-1, 1].
type CosineScorer struct{}

// Name implements Scorer.
func (CosineScorer) Name() string { return "cosine" }

// Score implements Scorer. Mismatched, empty or zero vectors score -1.
func (CosineScorer) Score(a, b Vector) float64 {
	return CosineSimilarity(a, b)
}

// DistanceScorer scores by one minus the Euclidean distance, the convention
// used with dlib's 128-d descriptors.
type DistanceScorer struct{}

// Name implements Scorer.
func (DistanceScorer) Name() string { return "distance" }

// Score implements Scorer. Mismatched vectors score -Inf.
func (DistanceScorer) Score(a, b Vector) float64 {
	return 1 - EuclideanDistance(a, b)
}

// ScorerByName resolves the configured scoring function.
func ScorerByName(name string) (Scorer, error) {
	switch name {
	case "cosine":
		return CosineScorer{}, nil
	case "distance":
		return DistanceScorer{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScorer, name)
}

// CosineSimilarity computes the cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// clamp rounding drift
	return math.Max(-1, math.Min(1, sim))
}

// EuclideanDistance calculates the Euclidean distance between two vectors.
func EuclideanDistance(a, b Vector) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}

	var sum float64
	for i := range a {
		diff := float64(a[i] - b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
