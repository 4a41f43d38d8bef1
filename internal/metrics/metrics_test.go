package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterGuardClients(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracked := 3
	RegisterGuardClients(reg, func() int { return tracked })
	tracked = 7

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("expected 1 metric family, got %d", len(families))
	}
	mf := families[0]
	if mf.GetName() != "streamgate_guard_tracked_clients" {
		t.Errorf("expected streamgate_guard_tracked_clients, got %s", mf.GetName())
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
		t.Errorf("expected gauge to read the live count 7, got %v", got)
	}
}
