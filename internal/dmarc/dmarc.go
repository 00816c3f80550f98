// Package dmarc decides the DMARC verdict, either from an explicit dmarc=
// result in the headers or by deriving it from SPF, DKIM and the alignment of
// the From and Return-Path domains.
package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/mail-cci/headerguard/internal/headers"
	"github.com/mail-cci/headerguard/internal/types"
)

// ResultToken marks a line carrying an explicit DMARC result.
const ResultToken = "dmarc="

const (
	fromToken       = "from:"
	returnPathToken = "return-path:"
)

const (
	IndicatorPolicyViolation   = "DMARC policy violation detected"
	IndicatorNoAuthentication  = "DMARC failed — neither SPF nor DKIM passed"
	IndicatorAlignmentFailure  = "domain alignment failure — From and Return-Path domains don't match"
	IndicatorMissingDomainInfo = "DMARC evaluation failed — missing domain information"
)

// ExplicitRules classifies a line that carries dmarc=.
var ExplicitRules = headers.RuleTable{
	Rules: []headers.Rule{
		{Token: "dmarc=pass", Outcome: types.Outcome{Verdict: types.Pass}},
	},
	Default: types.Outcome{Verdict: types.Fail, Indicator: IndicatorPolicyViolation},
}

// Evaluate returns the DMARC outcome. An explicit dmarc= line always takes
// precedence; otherwise the verdict is derived from spf, dkim and alignment.
func Evaluate(idx *headers.Index, spf, dkim types.Verdict, mode types.AlignmentMode) types.Outcome {
	if line, ok := idx.FirstLineContaining(ResultToken); ok {
		return ExplicitRules.Classify(line)
	}
	return derive(idx, spf, dkim, mode)
}

func derive(idx *headers.Index, spf, dkim types.Verdict, mode types.AlignmentMode) types.Outcome {
	if !spf.Passed() && !dkim.Passed() {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorNoAuthentication}
	}

	fromLine, fromOK := idx.FirstLineContaining(fromToken)
	rpLine, rpOK := idx.FirstLineContaining(returnPathToken)
	if !fromOK || !rpOK {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissingDomainInfo}
	}

	fromDomain, fromOK := headers.ExtractDomain(fromLine)
	rpDomain, rpOK := headers.ExtractDomain(rpLine)
	if !fromOK || !rpOK {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissingDomainInfo}
	}

	if !Aligned(fromDomain, rpDomain, mode) {
		return types.Outcome{Verdict: types.Fail, Indicator: IndicatorAlignmentFailure}
	}
	return types.Outcome{Verdict: types.Pass}
}

// Aligned compares two domains. AlignmentExact requires identical strings;
// AlignmentRelaxed compares organizational domains case-insensitively.
func Aligned(fromDomain, authDomain string, mode types.AlignmentMode) bool {
	if mode != types.AlignmentRelaxed {
		return fromDomain == authDomain
	}
	if strings.EqualFold(fromDomain, authDomain) {
		return true
	}
	return strings.EqualFold(OrganizationalDomain(fromDomain), OrganizationalDomain(authDomain))
}

// OrganizationalDomain returns the registrable domain of domain, or domain
// itself when the public suffix list cannot resolve it.
func OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	orgDomain, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return orgDomain
}
