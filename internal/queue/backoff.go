package queue

import (
	"math"
	"time"

	"github.com/you/drcal/internal/domain"
)

// RetryDelay computes the pause before the next attempt of a job that has
// failed attempt times. Formula: base * factor^(attempt-1), capped at Max.
func RetryDelay(b domain.Backoff, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(b.Base) * math.Pow(float64(factor), float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
