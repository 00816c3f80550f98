package spf

import (
	"github.com/mail-cci/headerguard/internal/headers"
	"github.com/mail-cci/headerguard/internal/types"
)

// HeaderToken locates the Received-SPF line.
const HeaderToken = "received-spf:"

const (
	IndicatorMissing = "no SPF record found — potential spoofing"
	IndicatorFailed  = "SPF authentication failed — sender IP not authorized"
)

// Rules classifies the Received-SPF line. "pass" anywhere in the line wins,
// even when the line also mentions a failure.
var Rules = headers.RuleTable{
	Rules: []headers.Rule{
		{Token: "pass", Outcome: types.Outcome{Verdict: types.Pass}},
	},
	Default: types.Outcome{Verdict: types.Fail, Indicator: IndicatorFailed},
}

// Evaluate derives the SPF verdict from the first Received-SPF line.
func Evaluate(idx *headers.Index) types.Outcome {
	line, ok := idx.FirstLineContaining(HeaderToken)
	if !ok {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissing}
	}
	return Rules.Classify(line)
}
