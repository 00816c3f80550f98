package headers

import (
	"strings"

	"github.com/mail-cci/headerguard/internal/types"
)

// Rule maps a token to the outcome chosen when a line contains it.
type Rule struct {
	Token   string
	Outcome types.Outcome
}

// RuleTable is evaluated top to bottom and the first rule whose token is
// contained in the line wins. Default applies when no rule matches.
type RuleTable struct {
	Rules   []Rule
	Default types.Outcome
}

// Classify returns the outcome for line. Matching is case-insensitive.
func (t RuleTable) Classify(line string) types.Outcome {
	lower := strings.ToLower(line)
	for _, r := range t.Rules {
		if strings.Contains(lower, strings.ToLower(r.Token)) {
			return r.Outcome
		}
	}
	return t.Default
}
