package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistryExposesMetrics(t *testing.T) {
	stressor := "metrics_test_cpu"

	EmitBuildInfo()
	SetWorkersRunning(stressor, 4)
	AddBogoOps(stressor, 1000)
	IncWorkerRestart(stressor)
	IncOOMKill(stressor)
	IncForceKill(stressor)
	AddKernelErrors(3)
	ObserveWorkerLifetime(stressor, 200*time.Millisecond)

	body := scrape(t)
	for _, want := range []string{
		fmt.Sprintf("strain_workers_running{stressor=%q} 4", stressor),
		fmt.Sprintf("strain_bogo_ops_total{stressor=%q} 1000", stressor),
		fmt.Sprintf("strain_worker_restarts_total{stressor=%q} 1", stressor),
		fmt.Sprintf("strain_oom_kills_total{stressor=%q} 1", stressor),
		fmt.Sprintf("strain_force_kills_total{stressor=%q} 1", stressor),
		"strain_kernel_errors_total",
		"strain_build_info{",
		"go_version=",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body:\n%s", want, body)
		}
	}
}

func TestGuardsSkipEmptyLabelsAndZeroCounts(t *testing.T) {
	SetWorkersRunning("", 9)
	AddBogoOps("metrics_test_guard", 0)
	IncWorkerRestart("")

	body := scrape(t)
	if strings.Contains(body, `stressor=""`) {
		t.Fatalf("empty stressor label leaked into registry:\n%s", body)
	}
	if strings.Contains(body, "metrics_test_guard") {
		t.Fatalf("zero-count add created a series:\n%s", body)
	}
}

func TestResetStressorDropsSeries(t *testing.T) {
	stressor := "metrics_test_reset"
	SetWorkersRunning(stressor, 2)
	AddBogoOps(stressor, 7)

	ResetStressor(stressor)

	if strings.Contains(scrape(t), stressor) {
		t.Fatalf("series for %q survived reset", stressor)
	}
}

func TestServerRoutes(t *testing.T) {
	srv := NewServer(ServerConfig{
		Status: func() any {
			return map[string]any{"run": "demo", "workers": 8}
		},
	})
	handler := srv.srv.Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/status: %d", rec.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if status["run"] != "demo" {
		t.Fatalf("status payload = %v", status)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/v1/status: %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("Allow header = %q", allow)
	}
}

func TestServerStatusWithoutProvider(t *testing.T) {
	srv := NewServer(ServerConfig{})
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status without provider: %d", rec.Code)
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listen unavailable: %v", err)
	}
	srv := NewServer(ServerConfig{Listener: ln})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("GET /healthz: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
