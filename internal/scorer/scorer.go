// Package scorer is the Dispatch Core's C8 component: the rule-based
// fallback used whenever the ML collaborator (C7) is disabled or
// unhealthy. It is a pure function over caller-supplied per-vehicle
// aggregates, with a deterministic ascending-vehicleId tie-break so the
// same inputs always produce the same winner (spec testable property 6).
package scorer

import "sort"

// Candidate is one vehicle under consideration, with the aggregates the
// score formula needs.
type Candidate struct {
	VehicleID    string
	Perf         float64 // [0,1], resolved/assigned ratio
	FatigueHours float64 // faults reported today and assigned to this vehicle
	HasLocExp    bool    // ever resolved a fault at this fault's location
	HasTypeExp   bool    // ever resolved a fault of this fault's type
}

// Category is the fault's criticality, used by the bonus term.
type Category string

const (
	CategoryHigh   Category = "HIGH"
	CategoryMedium Category = "MEDIUM"
	CategoryLow    Category = "LOW"
)

// Score computes a single candidate's score per spec §4.8:
//
//	100 + 25*perf - min(fatigue*5, 30) + (locExp ? 15 : 0) + (typeExp ? 15 : 0) + criticalityBonus
func Score(c Candidate, category Category) float64 {
	score := 100.0
	score += 25 * c.Perf

	fatiguePenalty := c.FatigueHours * 5
	if fatiguePenalty > 30 {
		fatiguePenalty = 30
	}
	score -= fatiguePenalty

	if c.HasLocExp {
		score += 15
	}
	if c.HasTypeExp {
		score += 15
	}

	score += criticalityBonus(category, c.Perf)

	return score
}

// criticalityBonus rewards high-performing vehicles more heavily for
// higher-criticality faults (spec §4.8).
func criticalityBonus(category Category, perf float64) float64 {
	switch category {
	case CategoryHigh:
		if perf >= 0.7 {
			return 25
		}
		return 0
	case CategoryMedium:
		if perf >= 0.5 {
			return 15
		}
		return 0
	case CategoryLow:
		return 10
	default:
		return 0
	}
}

// Best scores every candidate and returns the winning vehicleId, ties
// broken by ascending vehicleId. Returns "" if candidates is empty.
func Best(candidates []Candidate, category Category) string {
	if len(candidates) == 0 {
		return ""
	}

	type scored struct {
		vehicleID string
		score     float64
	}

	scoredCandidates := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredCandidates[i] = scored{vehicleID: c.VehicleID, score: Score(c, category)}
	}

	sort.Slice(scoredCandidates, func(i, j int) bool {
		if scoredCandidates[i].score != scoredCandidates[j].score {
			return scoredCandidates[i].score > scoredCandidates[j].score
		}
		return scoredCandidates[i].vehicleID < scoredCandidates[j].vehicleID
	})

	return scoredCandidates[0].vehicleID
}
