package cluster

import (
	"testing"
	"time"

	"github.com/NVIDIA/imgcrawld/cmn"
)

func TestEvaluateAlertsRequiresSustainedBreach(t *testing.T) {
	r, _ := NewRegistry(testHAConfig())
	var events []AlertEvent
	m := NewHealthMonitor(r, cmn.FailoverConfig{HealthCheckInterval: time.Second}, func(ev AlertEvent) {
		events = append(events, ev)
	})
	// Shorten the response_time rule's hold duration for a fast test.
	m.rules = []AlertRule{{Metric: "response_time", Threshold: 1.0, Duration: 0, Severity: "warning"}}

	view := r.Get()
	metrics := map[string]nodeMetrics{"p": {responseTime: 2 * time.Second}}

	m.evaluateAlerts(view, metrics)
	if len(events) != 1 {
		t.Fatalf("expected the rule to fire immediately with zero hold duration, got %d events", len(events))
	}
	if !events[0].Firing {
		t.Error("expected a firing event")
	}

	metrics["p"] = nodeMetrics{responseTime: 0}
	m.evaluateAlerts(view, metrics)
	if len(events) != 2 || events[1].Firing {
		t.Fatalf("expected a clearing event once the metric drops, got %+v", events)
	}
}

func TestEvaluateAlertsNeedsFullHoldDuration(t *testing.T) {
	r, _ := NewRegistry(testHAConfig())
	var events []AlertEvent
	m := NewHealthMonitor(r, cmn.FailoverConfig{HealthCheckInterval: time.Second}, func(ev AlertEvent) {
		events = append(events, ev)
	})
	m.rules = []AlertRule{{Metric: "response_time", Threshold: 1.0, Duration: time.Hour, Severity: "warning"}}

	view := r.Get()
	metrics := map[string]nodeMetrics{"p": {responseTime: 2 * time.Second}}
	m.evaluateAlerts(view, metrics)
	if len(events) != 0 {
		t.Fatalf("expected no alert before the hold duration elapses, got %+v", events)
	}
}
