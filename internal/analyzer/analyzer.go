// Package analyzer runs the header analysis: it indexes the header text once,
// evaluates SPF, DKIM and DMARC, collects auxiliary indicators and scores the
// result. Analysis never fails; every input yields a well-formed result.
package analyzer

import (
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/dkim"
	"github.com/mail-cci/headerguard/internal/dmarc"
	"github.com/mail-cci/headerguard/internal/headers"
	"github.com/mail-cci/headerguard/internal/indicators"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/spf"
	"github.com/mail-cci/headerguard/internal/types"
)

// Engine analyses header text. It holds only configuration set by New and is
// safe for concurrent use.
type Engine struct {
	logger    *zap.Logger
	alignment types.AlignmentMode
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger traces each analysis at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAlignment selects how From and Return-Path domains are compared when
// DMARC is derived.
func WithAlignment(mode types.AlignmentMode) Option {
	return func(e *Engine) {
		if mode != "" {
			e.alignment = mode
		}
	}
}

// New returns an Engine using exact alignment and no logging unless options
// say otherwise.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    zap.NewNop(),
		alignment: types.AlignmentExact,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEngine = New()

// Alignment reports the alignment mode the engine applies.
func (e *Engine) Alignment() types.AlignmentMode { return e.alignment }

// Analyze runs the default engine.
func Analyze(headerText, bodyText string) types.AnalysisResult {
	return defaultEngine.Analyze(headerText, bodyText)
}

// Analyze inspects headerText. bodyText is accepted for callers that have it
// but does not influence the result.
func (e *Engine) Analyze(headerText, bodyText string) types.AnalysisResult {
	idx := headers.NewIndex(headerText)

	spfOut := spf.Evaluate(idx)
	dkimOut := dkim.Evaluate(idx)
	dmarcOut := dmarc.Evaluate(idx, spfOut.Verdict, dkimOut.Verdict, e.alignment)

	found := make([]string, 0, 5)
	for _, out := range []types.Outcome{spfOut, dkimOut, dmarcOut} {
		if out.Indicator != "" {
			found = append(found, out.Indicator)
		}
	}
	found = append(found, indicators.Collect(idx)...)

	res := types.AnalysisResult{
		SPF:         spfOut.Verdict,
		DKIM:        dkimOut.Verdict,
		DMARC:       dmarcOut.Verdict,
		ThreatScore: scoring.Score(spfOut.Verdict, dkimOut.Verdict, dmarcOut.Verdict, len(found)),
		Indicators:  found,
	}

	e.logger.Debug("header analysis complete",
		zap.Int("header_lines", idx.Len()),
		zap.Int("body_size", len(bodyText)),
		zap.String("spf", res.SPF.String()),
		zap.String("dkim", res.DKIM.String()),
		zap.String("dmarc", res.DMARC.String()),
		zap.Int("threat_score", res.ThreatScore),
		zap.Strings("indicators", res.Indicators),
	)
	return res
}
