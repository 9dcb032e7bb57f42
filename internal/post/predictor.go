package post

import (
	"time"
	"unicode/utf8"
)

const (
	baseEngagement = 50.0

	shortContentMax = 79  // 1..79 code points
	longContentMin  = 151 // strictly more than 150
)

// PredictEngagement scores a draft in [0,100]. It is pure: the same inputs
// always give the same score.
//
// Length is counted in code points. Hour and weekday are read in loc
// (Local when nil).
func PredictEngagement(content string, mediaCount int, at time.Time, loc *time.Location) float64 {
	score := baseEngagement

	switch n := utf8.RuneCountInString(content); {
	case n == 0:
	case n <= shortContentMax:
		score -= 10
	case n >= longContentMin:
		score -= 5
	default:
		score += 10
	}

	if mediaCount > 0 {
		score += 15
	}

	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	if h := local.Hour(); (h >= 9 && h <= 11) || (h >= 19 && h <= 21) {
		score += 10
	}
	switch local.Weekday() {
	case time.Wednesday, time.Thursday, time.Friday:
		score += 5
	}

	return min(max(score, 0), 100)
}
