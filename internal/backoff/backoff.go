// Package backoff computes retry delays for code that needs to retry an
// operation against transient contention, such as a SQL store retrying a
// claim transaction that lost a compare-and-set race.
package backoff

import "time"

// Strategy names a delay curve.
type Strategy string

const (
	Exponential Strategy = "EXPONENTIAL"
	Linear      Strategy = "LINEAR"
	None        Strategy = "NONE"
)

// Delay computes the backoff for a retry attempt (1-based; attempt 0 always
// returns 0, meaning "retry immediately").
//
//   - Exponential: base * 2^(attempt-1)
//   - Linear: base * attempt
//   - None: always 0
//
// An unrecognized strategy falls back to Linear.
func Delay(base time.Duration, attempt int, strategy Strategy) time.Duration {
	if attempt <= 0 {
		return 0
	}
	switch strategy {
	case Exponential:
		return base * time.Duration(1<<uint(attempt-1))
	case None:
		return 0
	case Linear:
		return base * time.Duration(attempt)
	default:
		return base * time.Duration(attempt)
	}
}
