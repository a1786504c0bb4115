package dispatch

import "github.com/ridecore/dispatch/internal/models"

// Scorer augments MatchNextDriver's candidate selection beyond plain
// ascending distance (spec.md §4.3: "implementations may augment with a
// score"). It is optional; an Engine with a nil Scorer picks the nearest
// eligible candidate, which the spec explicitly allows.
//
// Grounded on the teacher's matcher.Service.Match cost function
// (cost = eta + 30*(5-rating)), re-expressed as the spec's own scoring
// terms (tier match, rating, acceptance rate) instead of the teacher's
// ETA-based cost.
type Scorer interface {
	Score(candidate models.NearbyDriver, requestedTier models.VehicleTier) float64
}

// DefaultScorer implements spec.md §4.3's score formula:
// 100 - 8*distanceKm + tierMatchBonus + 20*(rating-4.0) + 10*acceptRate,
// clamped at 0.
type DefaultScorer struct{}

func tierMatchBonus(candidate, requested models.VehicleTier) float64 {
	switch {
	case candidate == requested:
		return 30
	case candidate == models.TierXL || requested == models.TierXL:
		return 0
	default:
		return 15
	}
}

func (DefaultScorer) Score(candidate models.NearbyDriver, requestedTier models.VehicleTier) float64 {
	score := 100 - 8*candidate.DistanceKm + tierMatchBonus(candidate.VehicleType, requestedTier) +
		20*(candidate.Rating-4.0) + 10*candidate.AcceptRate
	if score < 0 {
		score = 0
	}
	return score
}

// pickCandidate selects a driver from nearby (already sorted ascending by
// distance). With scorer nil it returns the nearest; otherwise the
// highest-scoring candidate.
func pickCandidate(nearby []models.NearbyDriver, tier models.VehicleTier, scorer Scorer) (models.NearbyDriver, bool) {
	if len(nearby) == 0 {
		return models.NearbyDriver{}, false
	}
	if scorer == nil {
		return nearby[0], true
	}
	best := nearby[0]
	bestScore := scorer.Score(best, tier)
	for _, c := range nearby[1:] {
		s := scorer.Score(c, tier)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, true
}
