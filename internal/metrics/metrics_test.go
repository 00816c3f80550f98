package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mail-cci/headerguard/internal/types"
)

func TestObserveAnalysis(t *testing.T) {
	before := testutil.ToFloat64(AnalysesTotal.WithLabelValues("test"))
	spfFail := testutil.ToFloat64(VerdictsTotal.WithLabelValues("spf", "FAIL"))
	indicators := testutil.ToFloat64(IndicatorsTotal)

	ObserveAnalysis("test", types.AnalysisResult{
		SPF:         types.Fail,
		DKIM:        types.Pass,
		DMARC:       types.Fail,
		ThreatScore: 65,
		Indicators:  []string{"a", "b"},
	})

	assert.Equal(t, before+1, testutil.ToFloat64(AnalysesTotal.WithLabelValues("test")))
	assert.Equal(t, spfFail+1, testutil.ToFloat64(VerdictsTotal.WithLabelValues("spf", "FAIL")))
	assert.Equal(t, indicators+2, testutil.ToFloat64(IndicatorsTotal))
}
