package scoring

import "github.com/mail-cci/headerguard/internal/types"

// Weights of each failed check and of each indicator.
const (
	SPFFailWeight   = 30
	DKIMFailWeight  = 30
	DMARCFailWeight = 25
	IndicatorWeight = 5

	MaxScore = 100
)

// Score combines verdicts and the number of indicators into a threat score
// clamped to [0, MaxScore].
func Score(spf, dkim, dmarc types.Verdict, indicators int) int {
	score := 0
	if !spf.Passed() {
		score += SPFFailWeight
	}
	if !dkim.Passed() {
		score += DKIMFailWeight
	}
	if !dmarc.Passed() {
		score += DMARCFailWeight
	}
	if indicators > 0 {
		score += IndicatorWeight * indicators
	}
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Thresholds map scores to threat levels.
type Thresholds struct {
	Medium int
	High   int
}

// DefaultThresholds match the levels shown by the analysis dashboard.
var DefaultThresholds = Thresholds{Medium: 50, High: 80}

// Level returns HIGH at or above High, MEDIUM at or above Medium and LOW
// otherwise.
func (t Thresholds) Level(score int) types.ThreatLevel {
	if score >= t.High {
		return types.LevelHigh
	}
	if score >= t.Medium {
		return types.LevelMedium
	}
	return types.LevelLow
}
