// Package trending ranks gists by a time-decayed engagement score.
//
// The score of a gist is
//
//	(votes*Vote + Recency/(ageHours+AgeOffsetHours) + comments*Comment + confidence*Confidence) * multiplier
//
// where multiplier is Breaking for breaking news and 1 otherwise. Scores are
// transient: they are computed per call and never stored on the gist.
package trending

import (
	"math"
	"sort"
	"time"

	"github.com/whisperintel/whisper/internal/model"
)

// Weights are the coefficients of the trending formula.
type Weights struct {
	Vote           float64
	Recency        float64
	Comment        float64
	Confidence     float64
	Breaking       float64
	AgeOffsetHours float64
}

// DefaultWeights returns the production coefficients:
// votes*10 + 50/(ageHours+2) + comments*5 + confidence*0.5, doubled for breaking news.
func DefaultWeights() Weights {
	return Weights{
		Vote:           10,
		Recency:        50,
		Comment:        5,
		Confidence:     0.5,
		Breaking:       2,
		AgeOffsetHours: 2,
	}
}

// Snapshot is the read-only view of a gist the ranker scores. CommentCount
// must be resolved by the caller.
type Snapshot struct {
	Gist         model.Gist
	CommentCount int
}

// Ranked pairs a gist with the score it was ranked by.
type Ranked struct {
	Gist         model.Gist
	CommentCount int
	Score        float64
}

// Ranker scores and orders snapshots with a fixed set of weights. It holds no
// mutable state and is safe for concurrent use.
type Ranker struct {
	w Weights
}

// New returns a Ranker using w.
func New(w Weights) *Ranker {
	return &Ranker{w: w}
}

var defaultRanker = New(DefaultWeights())

// Rank scores gists with the default weights and orders them by descending score.
func Rank(gists []Snapshot, now time.Time) []Ranked {
	return defaultRanker.Rank(gists, now)
}

// Score returns the default-weight trending score of one gist.
func Score(s Snapshot, now time.Time) float64 {
	return defaultRanker.Score(s, now)
}

// Weights returns the coefficients r scores with.
func (r *Ranker) Weights() Weights {
	return r.w
}

// Rank returns a new slice ordered by descending score. Gists with equal
// scores keep their input order. The input is not modified.
func (r *Ranker) Rank(gists []Snapshot, now time.Time) []Ranked {
	out := make([]Ranked, len(gists))
	for i, s := range gists {
		out[i] = Ranked{Gist: s.Gist, CommentCount: s.CommentCount, Score: r.Score(s, now)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Score computes the trending score of s at time now. A gist created in the
// future has a negative age and is scored without clamping.
func (r *Ranker) Score(s Snapshot, now time.Time) float64 {
	multiplier := 1.0
	if s.Gist.IsBreaking {
		multiplier = r.w.Breaking
	}
	var recency float64
	if r.w.Recency != 0 {
		recency = r.timeScore(now.Sub(s.Gist.CreatedAt).Hours()) * r.w.Recency
	}
	sum := float64(s.Gist.Votes)*r.w.Vote +
		recency +
		float64(s.CommentCount)*r.w.Comment +
		float64(s.Gist.ConfidenceScore)*r.w.Confidence
	return sum * multiplier
}

// timeScore is 1/(ageHours+offset). When the denominator is exactly zero the
// score is +Inf, the limit approached from younger ages, so the gist ranks first.
func (r *Ranker) timeScore(ageHours float64) float64 {
	denom := ageHours + r.w.AgeOffsetHours
	if denom == 0 {
		return math.Inf(1)
	}
	return 1 / denom
}
