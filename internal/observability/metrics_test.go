package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.InvestigationStarted()
	m.InvestigationStarted()
	m.InvestigationFinished("COMPLETE")
	m.AgentStep("click")
	m.AgentStep("click")
	m.LLMTokens(120, 30)
	m.PlaybookRun("success")
	m.GuidanceRequest("timeout")
	m.SinkDetached()
	m.InvestigationRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.investigationsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.investigationsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.investigationsFinished.WithLabelValues("COMPLETE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.agentSteps.WithLabelValues("click")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("input")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinksDetached))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.investigationsRejected))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.InvestigationStarted()
		m.InvestigationFinished("ERROR")
		m.AgentStep("type")
		m.LLMTokens(1, 1)
		m.PlaybookRun("fallback")
		m.GuidanceRequest("response")
		m.SinkDetached()
		m.InvestigationRejected()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.AgentStep("navigate")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `snare_agent_steps_total{action="navigate"} 1`)
}
