package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	if m.RouteInvocationsTotal == nil {
		t.Error("RouteInvocationsTotal is nil")
	}
	if m.BridgeCallsTotal == nil {
		t.Error("BridgeCallsTotal is nil")
	}
	if m.PendingCalls == nil {
		t.Error("PendingCalls is nil")
	}
	if m.CronTicksTotal == nil {
		t.Error("CronTicksTotal is nil")
	}
	if m.SandboxesActive == nil {
		t.Error("SandboxesActive is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	m.RecordRoute("hello", 200, 5*time.Millisecond)
	m.RecordHookFailure("hello", "cms_saved")
	m.RecordBridgeCall("hello", "dbRequest", errors.New("boom"))
	m.SetPending("hello", 2)
	m.RecordCronTick("hello", nil)
	m.SandboxStarted()
	m.RecordRejected("hello", "registerRoute")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"sandbox_route_invocations_total",
		"sandbox_hook_failures_total",
		`outcome="error"`,
		"sandbox_pending_calls",
		"sandbox_cron_ticks_total",
		"host_sandboxes_active",
		"host_announcements_rejected_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics

	m.RecordRoute("p", 500, time.Second)
	m.RecordHookFailure("p", "h")
	m.RecordBridgeCall("p", "fetch", nil)
	m.SetPending("p", 1)
	m.RecordCronTick("p", nil)
	m.SandboxStarted()
	m.SandboxStopped()
	m.RecordRejected("p", "registerHook")
}
