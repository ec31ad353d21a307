// Package scoring turns miner predictions into registry weights.
package scoring

import (
	"math"
	"sort"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

const (
	// NoPredictionScore marks a miner with nothing to score. It always maps to weight 0.
	NoPredictionScore = 10_000_000.0

	// DefaultSteepness is the sigmoid steepness used for weights.
	DefaultSteepness = 10.0

	// missingPenalty is how many mean errors one missing answer costs.
	missingPenalty = 5.0
)

// Sigmoid is a decreasing logistic curve: 0.5 at x=0, close to 0 at x=1 for steepness 10.
func Sigmoid(x, steepness float64) float64 {
	return 1 - 1/(1+math.Exp(-steepness*x))
}

// AverageDifference scores a miner from its absolute errors and its count of missing answers.
// Lower is better.
func AverageDifference(diffs []float64, missing int) float64 {
	n := len(diffs)
	if n == 0 {
		return NoPredictionScore
	}
	var sum float64
	for _, d := range diffs {
		sum += math.Abs(d)
	}
	avg := sum / float64(n)
	if missing > 0 {
		m := float64(missing)
		avg = (avg*float64(n) + missingPenalty*avg*m) / (float64(n) + m)
	}
	return avg
}

// Weights converts scores to integer weights in [0, maxAllowed]. Keys that end up with
// weight 0 are omitted.
func Weights(scores map[string]float64, maxAllowed int) map[string]int {
	out := make(map[string]int, len(scores))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		if s >= NoPredictionScore {
			continue
		}
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if math.IsInf(lo, 1) {
		return out
	}
	for key, s := range scores {
		if s >= NoPredictionScore {
			continue
		}
		w := maxAllowed
		if hi > lo {
			// Best miner maps to x=0 (2*0.5*max), worst to x=1 (about 0).
			norm := (s - lo) / (hi - lo)
			w = int(math.Round(2 * Sigmoid(norm, DefaultSteepness) * float64(maxAllowed)))
		}
		if w > 0 {
			out[key] = w
		}
	}
	return out
}

// ScoreMiners groups joined prediction rows by miner and scores each one.
// Missing answers are counted before they are filtered out of the error average.
func ScoreMiners(records []models.ScoredPrediction) map[string]float64 {
	diffs := make(map[string][]float64)
	missing := make(map[string]int)
	for _, r := range records {
		if r.Missing() {
			missing[r.MinerKey]++
			if _, ok := diffs[r.MinerKey]; !ok {
				diffs[r.MinerKey] = nil
			}
			continue
		}
		diffs[r.MinerKey] = append(diffs[r.MinerKey], r.Price-r.Value)
	}
	scores := make(map[string]float64, len(diffs))
	for key, d := range diffs {
		scores[key] = AverageDifference(d, missing[key])
	}
	return scores
}

// Vote is a weight vector ready for the registry.
type Vote struct {
	UIDs    []int
	Weights []int
}

// BuildVote maps weighted miner keys to uids. Keys unknown to uidByKey are dropped.
// When more than maxEntries remain, only the highest weights are kept (ties go to the lower uid).
// maxEntries <= 0 means no cap. Entries are ordered by uid.
func BuildVote(weights map[string]int, uidByKey map[string]int, maxEntries int) Vote {
	type entry struct{ uid, weight int }
	entries := make([]entry, 0, len(weights))
	for key, w := range weights {
		uid, ok := uidByKey[key]
		if !ok || w <= 0 {
			continue
		}
		entries = append(entries, entry{uid, w})
	}
	if maxEntries > 0 && len(entries) > maxEntries {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].weight != entries[j].weight {
				return entries[i].weight > entries[j].weight
			}
			return entries[i].uid < entries[j].uid
		})
		entries = entries[:maxEntries]
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].uid < entries[j].uid })
	v := Vote{UIDs: make([]int, 0, len(entries)), Weights: make([]int, 0, len(entries))}
	for _, e := range entries {
		v.UIDs = append(v.UIDs, e.uid)
		v.Weights = append(v.Weights, e.weight)
	}
	return v
}
