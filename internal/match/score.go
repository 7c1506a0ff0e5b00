package match

import (
	"time"

	"github.com/driftchat/server/internal/store"
)

// Score component weights. Interest affinity and gender complement each
// contribute up to 40 points, waiting time up to 15, and a small random
// jitter breaks ties so equally scored candidates rotate.
const (
	maxInterestScore = 40.0
	maxWaitBonus     = 15.0
	waitBonusPerMin  = 3.0
	maxJitter        = 5.0
)

// Match quality labels returned in match_found frames.
const (
	QualityHigh   = "high"
	QualityMedium = "medium"
	QualityRandom = "random"
)

// interestScore returns 0-40 proportional to how much of the caller's
// interest set the candidate covers.
func interestScore(caller, candidate []string) float64 {
	overlap := store.InterestOverlap(caller, candidate)
	denom := len(caller)
	if denom < 1 {
		denom = 1
	}
	return maxInterestScore * float64(overlap) / float64(denom)
}

// genderScore rewards complementary pairings. Cross male/female pairs score
// highest, explicit "other" and undeclared genders land in the middle, and
// two users of the same binary gender get a small baseline.
func genderScore(a, b store.Gender) float64 {
	crossBinary := (a == store.GenderMale && b == store.GenderFemale) ||
		(a == store.GenderFemale && b == store.GenderMale)
	switch {
	case crossBinary:
		return 40
	case a == store.GenderOther || b == store.GenderOther:
		return 20
	case a == store.GenderUnset || b == store.GenderUnset:
		return 15
	default:
		return 5
	}
}

// waitBonus grows with how long the candidate has been waiting, capped so a
// very stale entry cannot outrank a genuinely good interest match.
func waitBonus(waitingSince time.Time, now time.Time) float64 {
	if waitingSince.IsZero() {
		return 0
	}
	minutes := now.Sub(waitingSince).Minutes()
	if minutes < 0 {
		return 0
	}
	bonus := waitBonusPerMin * minutes
	if bonus > maxWaitBonus {
		return maxWaitBonus
	}
	return bonus
}

// quality classifies a final score into the label shown to clients.
func quality(score float64, crossBinary bool) string {
	switch {
	case score > 60 || (score > 40 && crossBinary):
		return QualityHigh
	case score > 30 || crossBinary:
		return QualityMedium
	default:
		return QualityRandom
	}
}

// estimatedWait converts pool size into a rough wait estimate in seconds.
// Small pools resolve fast; larger pools scale linearly up to a cap.
func estimatedWait(totalWaiting int) int {
	if totalWaiting < 5 {
		return 15
	}
	est := 10 * totalWaiting
	if est > 120 {
		return 120
	}
	return est
}

func isCrossBinary(a, b store.Gender) bool {
	return (a == store.GenderMale && b == store.GenderFemale) ||
		(a == store.GenderFemale && b == store.GenderMale)
}
