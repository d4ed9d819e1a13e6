package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/metrics"
	"github.com/hamed0406/devopsguardian/internal/repo/memory"
	"github.com/hamed0406/devopsguardian/internal/scheduler"
)

// ---- test helpers ----

type staticTxs []domain.Transaction

func (s staticTxs) Transactions() []domain.Transaction {
	return append([]domain.Transaction(nil), s...)
}

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	eval   *scheduler.Evaluator
	health *scheduler.SystemHealth
	srv    *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	eval := scheduler.NewEvaluator(zap.NewNop(), store, nil, 3)
	health := &scheduler.SystemHealth{}
	txs := staticTxs{
		{ID: "checkout", Type: domain.TypeForm, Target: "https://shop.example.com", CheckInterval: 60 * time.Second, Timeout: 30 * time.Second, MaxRetries: 3, RetryDelay: 5 * time.Second},
		{ID: "api-health", Type: domain.TypeAPI, Target: "https://api.example.com/health", CheckInterval: 300 * time.Second, Timeout: 30 * time.Second, MaxRetries: 3, RetryDelay: 5 * time.Second},
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r := domain.CheckResult{TransactionID: "checkout", StartedAt: base.Add(time.Duration(i) * time.Minute), Outcome: domain.OutcomeFailure, Attempt: 4}
		if err := store.Append(ctx, &r); err != nil {
			t.Fatal(err)
		}
		_ = eval.OnResult(ctx, r)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	s := NewServer(zap.NewNop(), txs, store, eval, health)
	s.Definitions = store
	s.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{store: store, eval: eval, health: health, srv: srv}
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// ---- tests ----

func TestListTransactions(t *testing.T) {
	f := setup(t)
	var got []map[string]any
	if code := get(t, f.srv.URL+"/api/transactions", &got); code != 200 {
		t.Fatalf("status %d", code)
	}
	if len(got) != 2 || got[0]["id"] != "api-health" || got[1]["id"] != "checkout" {
		t.Fatalf("unexpected list: %v", got)
	}
	if got[1]["status"] != "down" || got[1]["scheduling_risk"] != true {
		t.Fatalf("checkout should be down and at risk: %v", got[1])
	}
	if got[0]["check_interval"].(float64) != 300 {
		t.Fatalf("interval should be seconds: %v", got[0])
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	f := setup(t)
	if code := get(t, f.srv.URL+"/api/transactions/nope", nil); code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", code)
	}
	if code := get(t, f.srv.URL+"/api/transactions/nope/results", nil); code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", code)
	}
}

func TestResults_UnscheduledHistoryReadable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	since := base.Add(-time.Hour).Format(time.RFC3339)

	// no longer scheduled, history kept
	r := domain.CheckResult{TransactionID: "retired", StartedAt: base, Outcome: domain.OutcomeSuccess, Attempt: 1}
	if err := f.store.Append(ctx, &r); err != nil {
		t.Fatal(err)
	}
	var got []domain.CheckResult
	if code := get(t, f.srv.URL+"/api/transactions/retired/results?since="+since, &got); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(got) != 1 || got[0].TransactionID != "retired" {
		t.Fatalf("unexpected history: %+v", got)
	}

	// stored but not scheduled, nothing in range
	paused := &domain.Transaction{ID: "paused", Type: domain.TypeAPI, Target: "https://example.com", CheckInterval: time.Minute, Timeout: time.Second}
	if err := f.store.Upsert(ctx, paused); err != nil {
		t.Fatal(err)
	}
	got = nil
	if code := get(t, f.srv.URL+"/api/transactions/paused/results?since="+since, &got); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(got) != 0 {
		t.Fatalf("want empty history, got %+v", got)
	}
}

func TestResults_TimeRangeChronological(t *testing.T) {
	f := setup(t)
	since := base.Add(1 * time.Minute).Format(time.RFC3339)
	until := base.Add(4 * time.Minute).Format(time.RFC3339)

	var got []domain.CheckResult
	code := get(t, f.srv.URL+"/api/transactions/checkout/results?since="+since+"&until="+until, &got)
	if code != 200 {
		t.Fatalf("status %d", code)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 results in [1m,4m), got %d", len(got))
	}
	for i, r := range got {
		if !r.StartedAt.Equal(base.Add(time.Duration(i+1) * time.Minute)) {
			t.Fatalf("result %d out of order: %v", i, r.StartedAt)
		}
	}
}

func TestResults_BadParams(t *testing.T) {
	f := setup(t)
	for _, q := range []string{"?since=yesterday", "?until=1", "?since=2025-05-02T00:00:00Z&until=2025-05-01T00:00:00Z"} {
		if code := get(t, f.srv.URL+"/api/transactions/checkout/results"+q, nil); code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d", q, code)
		}
	}
}

func TestStateAndStates(t *testing.T) {
	f := setup(t)
	var st domain.TransactionState
	if code := get(t, f.srv.URL+"/api/transactions/checkout/state", &st); code != 200 {
		t.Fatalf("status %d", code)
	}
	if st.Status != domain.StatusDown || st.ConsecutiveFailures != 5 {
		t.Fatalf("unexpected state: %+v", st)
	}

	var all []domain.TransactionState
	get(t, f.srv.URL+"/api/states", &all)
	if len(all) != 2 || all[0].Status != domain.StatusHealthy {
		t.Fatalf("unknown transaction should report healthy: %+v", all)
	}
}

func TestLatest(t *testing.T) {
	f := setup(t)
	var got []domain.CheckResult
	get(t, f.srv.URL+"/api/results/latest", &got)
	if len(got) != 1 || !got[0].StartedAt.Equal(base.Add(4*time.Minute)) {
		t.Fatalf("unexpected latest: %+v", got)
	}
}

func TestHealth_ReflectsStoreFailures(t *testing.T) {
	f := setup(t)
	var h map[string]any
	if code := get(t, f.srv.URL+"/api/health", &h); code != 200 || h["status"] != "ok" {
		t.Fatalf("want ok, got %d %v", code, h)
	}

	f.health.MarkStoreFailure(errors.New("disk full"))
	if code := get(t, f.srv.URL+"/api/health", &h); code != http.StatusServiceUnavailable || h["status"] != "degraded" {
		t.Fatalf("want degraded 503, got %d %v", code, h)
	}
	if by := h["by_status"].(map[string]any); by["down"].(float64) != 1 || by["healthy"].(float64) != 1 {
		t.Fatalf("by_status: %v", by)
	}
	f.health.MarkStoreOK()
}

func TestHealthzAndMetrics(t *testing.T) {
	f := setup(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	if !strings.Contains(buf.String(), "guardian_transitions_total") {
		t.Fatalf("metrics missing guardian collectors")
	}
}

func TestReadOnly(t *testing.T) {
	f := setup(t)
	resp, err := http.Post(f.srv.URL+"/api/transactions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", resp.StatusCode)
	}
}
