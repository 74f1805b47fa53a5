package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInboxMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewInboxMetrics(reg)

	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()
	m.ObserveSnapshot(nil)
	m.ObserveSnapshot(nil)
	m.ObserveSnapshot(errors.New("listen failed"))
	m.AddRejected(3)
	m.AddRejected(0)
	m.ObserveAction("mark_all_read", OutcomeOK, 250*time.Millisecond)
	m.ObserveAction("create", OutcomeSkipped, time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got := fetchGauge(t, mfs, "inbox_live_subscriptions"); got != 1 {
		t.Fatalf("expected 1 open subscription, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "inbox_snapshots_total", "result", OutcomeOK); err != nil || got != 2 {
		t.Fatalf("expected 2 ok snapshots, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "inbox_snapshots_total", "result", OutcomeError); err != nil || got != 1 {
		t.Fatalf("expected 1 failed snapshot, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "inbox_rejected_documents_total", "", ""); err != nil || got != 3 {
		t.Fatalf("expected 3 rejected documents, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "inbox_actions_total", "outcome", OutcomeSkipped); err != nil || got != 1 {
		t.Fatalf("expected 1 skipped action, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "inbox_action_duration_seconds", "action", "mark_all_read"); err != nil || got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f (%v)", got, err)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	m := NewInboxMetrics(nil)
	m.SubscriptionOpened()
	m.StreamConnected()
	m.ObserveSnapshot(nil)
	m.ObserveAction("create", OutcomeOK, time.Second)

	var nilMetrics *InboxMetrics
	nilMetrics.SubscriptionClosed()
	nilMetrics.AddRejected(1)
}

func fetchGauge(t *testing.T, mfs []*dto.MetricFamily, name string) float64 {
	t.Helper()
	mf := findMetricFamily(mfs, name)
	if mf == nil || len(mf.GetMetric()) == 0 {
		t.Fatalf("gauge %q not found", name)
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if label == "" || matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
