// Package classify decides whether a classifier result can be trusted and
// whether a taxonomy label describes a healthy or a diseased leaf.
package classify

import (
	"math"
	"strings"

	"github.com/leafwatch/leafwatch/internal/errors"
)

// DefaultThreshold is the minimum score a prediction needs to be kept
const DefaultThreshold = 0.50

// healthyKeyword is reserved by the classifier's label taxonomy
const healthyKeyword = "healthy"

// Verdict is the health classification of a label
type Verdict int

const (
	Diseased Verdict = iota
	Healthy
)

func (v Verdict) String() string {
	if v == Healthy {
		return "healthy"
	}
	return "diseased"
}

// Gate accepts scores at or above a fixed threshold. The zero value is not
// usable; construct it with NewGate.
type Gate struct {
	threshold float64
}

// NewGate returns a gate for threshold. An invalid threshold falls back to
// DefaultThreshold.
func NewGate(threshold float64) *Gate {
	if ValidateScore(threshold) != nil {
		threshold = DefaultThreshold
	}
	return &Gate{threshold: threshold}
}

// Threshold returns the configured cut-off
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// Accept reports whether score reaches the threshold. Scores outside [0,1]
// and NaN are rejected with a validation error.
func (g *Gate) Accept(score float64) (bool, error) {
	if err := ValidateScore(score); err != nil {
		return false, err
	}
	return score >= g.threshold, nil
}

// ValidateScore checks that score is a probability
func ValidateScore(score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return errors.Newf("confidence score %v is outside [0,1]", score).
			Component("classify").
			Category(errors.CategoryValidation).
			Context("score", score).
			Build()
	}
	return nil
}

// Classify returns Healthy when label contains "healthy" in any case
func Classify(label string) Verdict {
	if strings.Contains(strings.ToLower(label), healthyKeyword) {
		return Healthy
	}
	return Diseased
}
