package scoring

import (
	"testing"

	"github.com/mail-cci/headerguard/internal/types"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		spf        types.Verdict
		dkim       types.Verdict
		dmarc      types.Verdict
		indicators int
		expected   int
	}{
		{"all pass", types.Pass, types.Pass, types.Pass, 0, 0},
		{"dmarc only", types.Pass, types.Pass, types.Fail, 1, 30},
		{"spf fail", types.Fail, types.Pass, types.Pass, 1, 35},
		{"spf and dkim fail", types.Fail, types.Fail, types.Pass, 2, 70},
		{"all fail clamps", types.Fail, types.Fail, types.Fail, 3, 100},
		{"indicators alone", types.Pass, types.Pass, types.Pass, 4, 20},
		{"many indicators clamp", types.Pass, types.Pass, types.Pass, 40, 100},
		{"negative count ignored", types.Pass, types.Pass, types.Pass, -3, 0},
		{"unknown verdict counts as failure", "", types.Pass, types.Pass, 0, 30},
	}

	for _, tt := range tests {
		if got := Score(tt.spf, tt.dkim, tt.dmarc, tt.indicators); got != tt.expected {
			t.Errorf("%s: Score() = %d, want %d", tt.name, got, tt.expected)
		}
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		score    int
		expected types.ThreatLevel
	}{
		{100, types.LevelHigh},
		{80, types.LevelHigh},
		{79, types.LevelMedium},
		{50, types.LevelMedium},
		{49, types.LevelLow},
		{0, types.LevelLow},
	}

	for _, tt := range tests {
		if got := DefaultThresholds.Level(tt.score); got != tt.expected {
			t.Errorf("Level(%d) = %q, want %q", tt.score, got, tt.expected)
		}
	}

	custom := Thresholds{Medium: 20, High: 40}
	if got := custom.Level(25); got != types.LevelMedium {
		t.Errorf("custom Level(25) = %q, want MEDIUM", got)
	}
}
