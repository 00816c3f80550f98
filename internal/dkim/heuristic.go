package dkim

import (
	"github.com/mail-cci/headerguard/internal/headers"
	"github.com/mail-cci/headerguard/internal/types"
)

// Tokens locating the line the DKIM verdict is read from. Whichever appears
// first in the headers is used.
var HeaderTokens = []string{"dkim-signature:", "authentication-results:"}

const (
	IndicatorMissing = "no DKIM signature found — email integrity cannot be verified"
	IndicatorFailed  = "DKIM signature verification failed"
)

var Rules = headers.RuleTable{
	Rules: []headers.Rule{
		{Token: "dkim=pass", Outcome: types.Outcome{Verdict: types.Pass}},
	},
	Default: types.Outcome{Verdict: types.Fail, Indicator: IndicatorFailed},
}

// Evaluate derives the DKIM verdict from the first DKIM-Signature or
// Authentication-Results line.
func Evaluate(idx *headers.Index) types.Outcome {
	line, ok := idx.FirstLineContainingAny(HeaderTokens...)
	if !ok {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissing}
	}
	return Rules.Classify(line)
}
