package types

import "time"

// Verdict is the outcome of one authentication check. There is no third
// state: missing evidence is reported as FAIL.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

func (v Verdict) String() string {
	return string(v)
}

// Passed reports whether v is PASS.
func (v Verdict) Passed() bool {
	return v == Pass
}

// Outcome holds a verdict and the indicator emitted while reaching it.
// Indicator is empty when the check produced no indicator.
type Outcome struct {
	Verdict   Verdict
	Indicator string
}

// AlignmentMode selects how the From and Return-Path domains are compared
// when DMARC is derived from SPF and DKIM.
type AlignmentMode string

const (
	AlignmentExact   AlignmentMode = "exact"
	AlignmentRelaxed AlignmentMode = "relaxed"
)

// ThreatLevel buckets a threat score for presentation.
type ThreatLevel string

const (
	LevelLow    ThreatLevel = "LOW"
	LevelMedium ThreatLevel = "MEDIUM"
	LevelHigh   ThreatLevel = "HIGH"
)

// AnalysisResult is the immutable output of a header analysis.
type AnalysisResult struct {
	SPF         Verdict  `json:"spf" yaml:"spf"`
	DKIM        Verdict  `json:"dkim" yaml:"dkim"`
	DMARC       Verdict  `json:"dmarc" yaml:"dmarc"`
	ThreatScore int      `json:"threatScore" yaml:"threatScore"`
	Indicators  []string `json:"indicators" yaml:"indicators"`
}

// VerificationResult reports an optional network-backed SPF or DKIM check.
// It is kept apart from AnalysisResult and never feeds the threat score.
type VerificationResult struct {
	Check       string `json:"check"`
	Result      string `json:"result"`
	Domain      string `json:"domain,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// AnalysisRecord is a persisted analysis.
type AnalysisRecord struct {
	ID            int64          `json:"id"`
	CorrelationID string         `json:"correlationId"`
	Source        string         `json:"source"`
	HeaderHash    string         `json:"headerHash"`
	Result        AnalysisResult `json:"result"`
	Level         ThreatLevel    `json:"level"`
	CreatedAt     time.Time      `json:"createdAt"`
}
