package async

import "time"

// Attempt is one production run of a ladder stage.
type Attempt struct {
	Loop      int       `json:"loop"`
	Score     float64   `json:"score"`
	OutputRef string    `json:"output_ref"`
	At        time.Time `json:"at"`
}

// Comparator reports whether candidate should replace incumbent as the
// frontier (best attempt so far) of a stage.
type Comparator func(candidate, incumbent Attempt) bool

// HigherScore prefers the higher score. Ties keep the incumbent, so the
// earliest of equally scored attempts wins.
func HigherScore(candidate, incumbent Attempt) bool {
	return candidate.Score > incumbent.Score
}

// LatestWins always prefers the newest attempt.
func LatestWins(candidate, incumbent Attempt) bool {
	return true
}

// Advance returns the frontier after observing candidate.
func Advance(cmp Comparator, frontier *Attempt, candidate Attempt) *Attempt {
	if cmp == nil {
		cmp = HigherScore
	}
	if frontier == nil || cmp(candidate, *frontier) {
		c := candidate
		return &c
	}
	return frontier
}
