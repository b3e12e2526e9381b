// Package metrics exposes application-level instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Metrics holds the instruments the intake and dunning paths record into.
type Metrics struct {
	Registry *prometheus.Registry

	WebhookEvents    *prometheus.CounterVec
	ScanRecords      *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	StageTransitions *prometheus.CounterVec
	FinalizeSteps    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: registry,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberd_webhook_events_total",
			Help: "Inbound gateway events by type and intake outcome.",
		}, []string{"type", "status"}),
		ScanRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberd_dunning_scan_records_total",
			Help: "Dunning records examined per scan by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "memberd_dunning_scan_duration_seconds",
			Help:    "Wall time of a full dunning scan.",
			Buckets: prometheus.DefBuckets,
		}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberd_dunning_stage_transitions_total",
			Help: "Dunning stage advancements by from and to stage.",
		}, []string{"from", "to"}),
		FinalizeSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberd_finalize_steps_total",
			Help: "Cancellation finalize steps by step name and result.",
		}, []string{"step", "result"}),
	}

	registry.MustRegister(
		m.WebhookEvents,
		m.ScanRecords,
		m.ScanDuration,
		m.StageTransitions,
		m.FinalizeSteps,
	)
	return m
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
