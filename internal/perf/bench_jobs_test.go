package perf

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/shenxingy/ai-ap-manager-sub001/internal/jobs"
	"github.com/shenxingy/ai-ap-manager-sub001/jobs"
)

func TestInvoiceJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	for i := 0; i < 60; i++ {
		tracker := metrics.Track(jobs.TaskInvoiceProcess)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending process tracker: %v", err)
		}
	}

	// A few lost races on the invoice row.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track(jobs.TaskInvoiceProcess)
		if err := tracker.End(errors.New("serialization failure")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	for i := 0; i < 4; i++ {
		metrics.Skip(jobs.TaskApprovalEscalate, "lock_held")
	}
	tracker := metrics.Track(jobs.TaskApprovalEscalate)
	if err := tracker.End(nil); err != nil {
		t.Fatalf("unexpected error ending sweep tracker: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "apcore_jobs_total", map[string]string{"job": jobs.TaskInvoiceProcess, "status": "success"})
	failure := metricValue(t, families, "apcore_jobs_total", map[string]string{"job": jobs.TaskInvoiceProcess, "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no invoice runs recorded")
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("invoice job success ratio too low: %f", ratio)
	}

	if skipped := metricValue(t, families, "apcore_jobs_skipped_total", map[string]string{"job": jobs.TaskApprovalEscalate, "reason": "lock_held"}); skipped != 4 {
		t.Fatalf("expected 4 skipped sweeps, got %f", skipped)
	}

	if mean := histogramMean(t, families, "apcore_job_duration_seconds", map[string]string{"job": jobs.TaskInvoiceProcess}); mean > 0.5 {
		t.Fatalf("invoice job duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
			matched++
		}
	}
	return matched == len(labels)
}
