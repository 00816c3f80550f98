// Package indicators reports suspicious header observations that are
// independent of the SPF, DKIM and DMARC verdicts.
package indicators

import (
	"github.com/mail-cci/headerguard/internal/headers"
)

const (
	ReplyToMismatch   = "From and Reply-To addresses don't match — potential spoofing"
	OriginatingIP     = "email originated from external IP — verify sender authenticity"
	originatingIPHint = "x-originating-ip:"
)

// Check inspects the index and returns an indicator, or "" when the
// observation does not apply.
type Check func(idx *headers.Index) string

// Checks run in this order; their indicators are reported in the same order.
var Checks = []Check{
	replyToMismatch,
	originatingIP,
}

// Collect runs every check against idx.
func Collect(idx *headers.Index) []string {
	var out []string
	for _, check := range Checks {
		if ind := check(idx); ind != "" {
			out = append(out, ind)
		}
	}
	return out
}

func replyToMismatch(idx *headers.Index) string {
	fromLine, ok := idx.FirstLineContaining("from:")
	if !ok {
		return ""
	}
	replyLine, ok := idx.FirstLineContaining("reply-to:")
	if !ok {
		return ""
	}
	from, ok := headers.ExtractAddress(fromLine)
	if !ok {
		return ""
	}
	reply, ok := headers.ExtractAddress(replyLine)
	if !ok {
		return ""
	}
	if from != reply {
		return ReplyToMismatch
	}
	return ""
}

func originatingIP(idx *headers.Index) string {
	if _, ok := idx.FirstLineContaining(originatingIPHint); ok {
		return OriginatingIP
	}
	return ""
}
