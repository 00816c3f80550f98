package dmarc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mail-cci/headerguard/internal/headers"
	"github.com/mail-cci/headerguard/internal/types"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		spf      types.Verdict
		dkim     types.Verdict
		expected types.Outcome
	}{
		{
			name:     "explicit pass",
			text:     "Authentication-Results: mx; dmarc=pass header.from=example.com",
			spf:      types.Fail,
			dkim:     types.Fail,
			expected: types.Outcome{Verdict: types.Pass},
		},
		{
			name:     "explicit fail",
			text:     "Authentication-Results: mx; DMARC=fail (p=reject)",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorPolicyViolation},
		},
		{
			name:     "explicit result ignores alignment",
			text:     "From: a@x.com\nReturn-Path: <b@y.com>\nAuthentication-Results: mx; dmarc=pass",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Pass},
		},
		{
			name:     "derived with nothing passing",
			text:     "From: a@x.com\nReturn-Path: <a@x.com>",
			spf:      types.Fail,
			dkim:     types.Fail,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorNoAuthentication},
		},
		{
			name:     "derived aligned via spf",
			text:     "From: Alice <a@x.com>\nReturn-Path: <bounce@x.com>",
			spf:      types.Pass,
			dkim:     types.Fail,
			expected: types.Outcome{Verdict: types.Pass},
		},
		{
			name:     "derived aligned via dkim",
			text:     "Return-Path: <bounce@x.com>\nFrom: a@x.com",
			spf:      types.Fail,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Pass},
		},
		{
			name:     "derived misaligned",
			text:     "From: a@x.com\nReturn-Path: <bounce@y.com>",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorAlignmentFailure},
		},
		{
			name:     "derived missing return path",
			text:     "From: a@x.com",
			spf:      types.Pass,
			dkim:     types.Fail,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissingDomainInfo},
		},
		{
			name:     "derived missing from",
			text:     "Return-Path: <a@x.com>",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissingDomainInfo},
		},
		{
			name:     "derived null return path",
			text:     "From: a@x.com\nReturn-Path: <>",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorMissingDomainInfo},
		},
		{
			name:     "exact alignment is case sensitive",
			text:     "From: a@Example.com\nReturn-Path: <a@example.com>",
			spf:      types.Pass,
			dkim:     types.Pass,
			expected: types.Outcome{Verdict: types.Fail, Indicator: IndicatorAlignmentFailure},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(headers.NewIndex(tt.text), tt.spf, tt.dkim, types.AlignmentExact)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateRelaxedAlignment(t *testing.T) {
	idx := headers.NewIndex("From: a@mail.example.com\nReturn-Path: <bounce@Example.com>")

	exact := Evaluate(idx, types.Pass, types.Pass, types.AlignmentExact)
	assert.Equal(t, types.Fail, exact.Verdict)

	relaxed := Evaluate(idx, types.Pass, types.Pass, types.AlignmentRelaxed)
	assert.Equal(t, types.Outcome{Verdict: types.Pass}, relaxed)
}

func TestAligned(t *testing.T) {
	tests := []struct {
		name       string
		fromDomain string
		authDomain string
		mode       types.AlignmentMode
		expected   bool
	}{
		{"exact match exact", "example.com", "example.com", types.AlignmentExact, true},
		{"exact match relaxed", "example.com", "example.com", types.AlignmentRelaxed, true},
		{"subdomain exact fail", "sub.example.com", "example.com", types.AlignmentExact, false},
		{"subdomain relaxed pass", "sub.example.com", "example.com", types.AlignmentRelaxed, true},
		{"different domains", "example.com", "other.com", types.AlignmentRelaxed, false},
		{"case insensitive relaxed", "Example.Com", "example.com", types.AlignmentRelaxed, true},
		{"multi-label suffix", "a.example.co.uk", "b.example.co.uk", types.AlignmentRelaxed, true},
		{"unset mode is exact", "sub.example.com", "example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Aligned(tt.fromDomain, tt.authDomain, tt.mode))
		})
	}
}

func TestOrganizationalDomain(t *testing.T) {
	assert.Equal(t, "example.com", OrganizationalDomain("mail.Example.COM."))
	assert.Equal(t, "example.co.uk", OrganizationalDomain("a.b.example.co.uk"))
	assert.Equal(t, "localhost", OrganizationalDomain("localhost"))
}
