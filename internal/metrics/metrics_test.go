package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	IncStart("web")
	IncStart("web")
	IncScheduleSkip("report")
	if got := testutil.ToFloat64(appStarts.WithLabelValues("web")); got < 2 {
		t.Errorf("starts_total = %v, want >= 2", got)
	}
	if got := testutil.ToFloat64(scheduleSkips.WithLabelValues("report")); got < 1 {
		t.Errorf("skips_total = %v, want >= 1", got)
	}
}
