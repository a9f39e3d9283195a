package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"guardbench/internal/model"
)

// Metrics 模型调用、护栏调用和任务状态的 prometheus 指标；nil 时所有方法为空操作
type Metrics struct {
	modelLatency     *prometheus.HistogramVec
	modelErrors      *prometheus.CounterVec
	guardrailLatency *prometheus.HistogramVec
	guardrailResults *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobsRunning      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardbench",
			Subsystem: "model",
			Name:      "request_duration_seconds",
			Help:      "Latency of chat completion requests",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"model"}),
		modelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbench",
			Subsystem: "model",
			Name:      "errors_total",
			Help:      "Failed chat completion requests",
		}, []string{"model"}),
		guardrailLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardbench",
			Subsystem: "guardrail",
			Name:      "check_duration_seconds",
			Help:      "Latency of guardrail checks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"guardrail"}),
		guardrailResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbench",
			Subsystem: "guardrail",
			Name:      "checks_total",
			Help:      "Guardrail checks by result (flagged, clean, error)",
		}, []string{"guardrail", "result"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbench",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Evaluation jobs by final status",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardbench",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Evaluation jobs currently executing",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.modelLatency, m.modelErrors, m.guardrailLatency, m.guardrailResults, m.jobsFinished, m.jobsRunning)
	return m
}

func (m *Metrics) ObserveModel(modelName string, latencyMs int64, failed bool) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(modelName).Observe(float64(latencyMs) / 1000)
	if failed {
		m.modelErrors.WithLabelValues(modelName).Inc()
	}
}

func (m *Metrics) ObserveGuardrail(name string, out model.GuardrailOutcome) {
	if m == nil {
		return
	}
	m.guardrailLatency.WithLabelValues(name).Observe(float64(out.ElapsedMs) / 1000)
	result := "clean"
	switch {
	case out.Error != "":
		result = "error"
	case out.Flagged:
		result = "flagged"
	}
	m.guardrailResults.WithLabelValues(name, result).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(status model.JobStatus) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}
