package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghettovoice/siptu/dialog"
	"github.com/ghettovoice/siptu/internal/pool"
	"github.com/ghettovoice/siptu/metrics"
	"github.com/ghettovoice/siptu/sip"
	"github.com/ghettovoice/siptu/tu"
)

func TestPrometheus(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(&metrics.Options{Registerer: reg})

	m.HandleCreated(tu.RoleUAS)
	m.HandleCreated(tu.RoleUAS)
	m.HandleCreated(tu.RoleUAC)
	m.HandleReclaimed(tu.RoleUAS)
	m.HandleExpired(tu.RoleUAS)
	m.DialogStateChanged(dialog.PhaseInitial, dialog.PhaseEarly)
	m.RequestRejected(sip.RequestMethodBye, sip.ResponseStatusCallTransactionDoesNotExist)
	m.ResponseRetransmitted(sip.RequestMethodInvite, sip.ResponseStatusOK)
	m.ResponseRetransmitted(sip.RequestMethodInvite, sip.ResponseStatusOK)

	want := `
# HELP siptu_tu_handles_active Number of sessions with a live engine.
# TYPE siptu_tu_handles_active gauge
siptu_tu_handles_active{role="uac"} 1
siptu_tu_handles_active{role="uas"} 1
# HELP siptu_tu_handles_created_total Number of sessions created.
# TYPE siptu_tu_handles_created_total counter
siptu_tu_handles_created_total{role="uac"} 1
siptu_tu_handles_created_total{role="uas"} 2
# HELP siptu_tu_handles_expired_total Number of sessions invalidated by expiration.
# TYPE siptu_tu_handles_expired_total counter
siptu_tu_handles_expired_total{role="uas"} 1
# HELP siptu_tu_handles_reclaimed_total Number of sessions whose engine was reclaimed.
# TYPE siptu_tu_handles_reclaimed_total counter
siptu_tu_handles_reclaimed_total{role="uas"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"siptu_tu_handles_active",
		"siptu_tu_handles_created_total",
		"siptu_tu_handles_expired_total",
		"siptu_tu_handles_reclaimed_total",
	); err != nil {
		t.Fatalf("handle metrics mismatch:\n%v", err)
	}

	for _, name := range []string{
		"siptu_tu_dialog_transitions_total",
		"siptu_tu_requests_rejected_total",
		"siptu_tu_responses_retransmitted_total",
	} {
		if got := testutil.CollectAndCount(reg, name); got != 1 {
			t.Errorf("testutil.CollectAndCount(%s) = %d, want 1", name, got)
		}
	}
}

func TestPrometheus_RegisterEnginePool(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(&metrics.Options{Namespace: "b2bua", Subsystem: "core", Registerer: reg})
	stats := pool.Stats{Idle: 3, Gets: 10, Allocs: 4, Drops: 1}

	if err := m.RegisterEnginePool(func() pool.Stats { return stats }); err != nil {
		t.Fatalf("m.RegisterEnginePool() error = %v, want nil", err)
	}
	want := `
# HELP b2bua_core_engine_pool_allocs_total Number of engines allocated because the pool was empty.
# TYPE b2bua_core_engine_pool_allocs_total counter
b2bua_core_engine_pool_allocs_total 4
# HELP b2bua_core_engine_pool_idle Number of idle engines kept for reuse.
# TYPE b2bua_core_engine_pool_idle gauge
b2bua_core_engine_pool_idle 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"b2bua_core_engine_pool_allocs_total",
		"b2bua_core_engine_pool_idle",
	); err != nil {
		t.Fatalf("engine pool metrics mismatch:\n%v", err)
	}

	if err := m.RegisterEnginePool(func() pool.Stats { return stats }); err == nil {
		t.Fatal("second m.RegisterEnginePool() error = nil, want error")
	}
}
