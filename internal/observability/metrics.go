package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported by the service.
// A nil *Metrics is valid and records nothing, so components can take one optionally.
type Metrics struct {
	registry *prometheus.Registry

	investigationsStarted  prometheus.Counter
	investigationsFinished *prometheus.CounterVec
	investigationsActive   prometheus.Gauge
	investigationsRejected prometheus.Counter
	agentSteps             *prometheus.CounterVec
	llmTokens              *prometheus.CounterVec
	playbookRuns           *prometheus.CounterVec
	guidanceRequests       *prometheus.CounterVec
	sinksDetached          prometheus.Counter
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		investigationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "investigations_started_total",
			Help: "Investigations admitted and started.",
		}),
		investigationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "investigations_finished_total",
			Help: "Investigations finished, by terminal state.",
		}, []string{"state"}),
		investigationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snare", Name: "investigations_active",
			Help: "Investigations currently running.",
		}),
		investigationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "investigations_rejected_total",
			Help: "Submissions rejected by admission control.",
		}),
		agentSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "agent_steps_total",
			Help: "Agent steps executed, by action kind.",
		}, []string{"action"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "llm_tokens_total",
			Help: "Tokens consumed by vision reasoning, by direction.",
		}, []string{"direction"}),
		playbookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "playbook_runs_total",
			Help: "Playbook runs, by outcome.",
		}, []string{"outcome"}),
		guidanceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snare", Name: "guidance_requests_total",
			Help: "Guidance requests, by how they resolved.",
		}, []string{"resolution"}),
		sinksDetached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snare", Name: "bus_sinks_detached_total",
			Help: "Event sinks detached after a delivery failure.",
		}),
	}
	reg.MustRegister(
		m.investigationsStarted, m.investigationsFinished, m.investigationsActive,
		m.investigationsRejected, m.agentSteps, m.llmTokens, m.playbookRuns,
		m.guidanceRequests, m.sinksDetached,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) InvestigationStarted() {
	if m == nil {
		return
	}
	m.investigationsStarted.Inc()
	m.investigationsActive.Inc()
}

func (m *Metrics) InvestigationFinished(state string) {
	if m == nil {
		return
	}
	m.investigationsFinished.WithLabelValues(state).Inc()
	m.investigationsActive.Dec()
}

func (m *Metrics) InvestigationRejected() {
	if m == nil {
		return
	}
	m.investigationsRejected.Inc()
}

func (m *Metrics) AgentStep(action string) {
	if m == nil {
		return
	}
	m.agentSteps.WithLabelValues(action).Inc()
}

func (m *Metrics) LLMTokens(input, output int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues("input").Add(float64(input))
	m.llmTokens.WithLabelValues("output").Add(float64(output))
}

func (m *Metrics) PlaybookRun(outcome string) {
	if m == nil {
		return
	}
	m.playbookRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GuidanceRequest(resolution string) {
	if m == nil {
		return
	}
	m.guidanceRequests.WithLabelValues(resolution).Inc()
}

func (m *Metrics) SinkDetached() {
	if m == nil {
		return
	}
	m.sinksDetached.Inc()
}
