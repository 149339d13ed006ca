package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDefault_SharedInstance(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() returned different instances")
	}
	if a.MessageCounter == nil || a.PendingApprovals == nil || a.CreditsConsumed == nil {
		t.Error("Default() metrics not initialized")
	}
}

func TestDefault_Recording(t *testing.T) {
	m := Default()

	m.MessageCounter.WithLabelValues("telegram", "inbound").Inc()
	m.CreditsConsumed.WithLabelValues("daily").Add(3)
	m.PendingApprovals.Set(2)
	m.PipelineRunDuration.WithLabelValues("telegram", "completed").Observe(1.2)

	if got := testutil.ToFloat64(m.CreditsConsumed.WithLabelValues("daily")); got != 3 {
		t.Errorf("CreditsConsumed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.PendingApprovals); got != 2 {
		t.Errorf("PendingApprovals = %v, want 2", got)
	}
	if testutil.CollectAndCount(m.PipelineRunDuration) < 1 {
		t.Error("expected pipeline run duration observation")
	}
}

func TestDeliveryLabels(t *testing.T) {
	// Isolated registry so the assertion covers exactly these increments.
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_deliveries_total",
			Help: "Test delivery counter",
		},
		[]string{"channel", "via", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("telegram", "platform", "delivered").Inc()
	counter.WithLabelValues("telegram", "platform", "delivered").Inc()
	counter.WithLabelValues("telegram", "tenant", "failed").Inc()

	expected := `
		# HELP test_deliveries_total Test delivery counter
		# TYPE test_deliveries_total counter
		test_deliveries_total{channel="telegram",status="delivered",via="platform"} 2
		test_deliveries_total{channel="telegram",status="failed",via="tenant"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestToolExecutionStates(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_tool_executions_total",
			Help: "Test tool execution counter",
		},
		[]string{"tool", "state"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("send_email", "completed").Inc()
	counter.WithLabelValues("send_email", "rejected").Inc()
	counter.WithLabelValues("search_records", "completed").Inc()

	if count := testutil.CollectAndCount(counter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}
