package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ToolInvocations.WithLabelValues("srv", "srv/echo", "success").Inc()
	m.ToolInvocations.WithLabelValues("srv", "srv/echo", "success").Inc()
	m.WebhookDeliveries.WithLabelValues("failed").Inc()

	if got := testutil.ToFloat64(m.ToolInvocations.WithLabelValues("srv", "srv/echo", "success")); got != 2 {
		t.Fatalf("tool invocations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("failed")); got != 1 {
		t.Fatalf("webhook deliveries = %v, want 1", got)
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"bogus":   "INFO",
		"":        "INFO",
	}
	for in, want := range cases {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}
