// Package metrics exports engine events to Prometheus
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sicko7947/placeflow"
)

const namespace = "placeflow"

// Observer implements placeflow.Observer with Prometheus collectors
type Observer struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	toolCalls          *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	halts              *prometheus.CounterVec
	documents          *prometheus.CounterVec
}

// Verify interface compliance
var _ placeflow.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of transitions taken, by outcome",
			},
			[]string{"template", "transition", "outcome"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of transition call sequences",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"template"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool invocations, by outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Duration of tool executions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		halts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_halts_total",
				Help:      "Total number of Process runs by how the instance halted",
			},
			[]string{"template", "outcome"},
		),
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_created_total",
				Help:      "Total number of document versions created",
			},
			[]string{"schema", "validation"},
		),
	}

	for _, c := range []prometheus.Collector{
		o.transitions, o.transitionDuration, o.toolCalls, o.toolDuration, o.halts, o.documents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return o, nil
}

func (o *Observer) TransitionApplied(templateID, transitionID string, elapsed time.Duration, failed bool) {
	o.transitions.WithLabelValues(templateID, transitionID, outcome(failed)).Inc()
	o.transitionDuration.WithLabelValues(templateID).Observe(elapsed.Seconds())
}

func (o *Observer) ToolCalled(tool string, elapsed time.Duration, err error) {
	o.toolCalls.WithLabelValues(tool, outcome(err != nil)).Inc()
	o.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (o *Observer) InstanceHalted(templateID string, outcome string) {
	o.halts.WithLabelValues(templateID, outcome).Inc()
}

func (o *Observer) DocumentCreated(schemaRef string, validationFailed bool) {
	validation := "ok"
	if validationFailed {
		validation = "failed"
	}
	o.documents.WithLabelValues(schemaRef, validation).Inc()
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
