package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

func apiTx(target string) domain.Transaction {
	return domain.Transaction{ID: "t1", Type: domain.TypeAPI, Target: target, Timeout: 2 * time.Second, CheckInterval: time.Minute}
}

func TestAPIChecker_StatusOK(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer s.Close()

	chk := &APIChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	out := chk.Check(context.Background(), apiTx(s.URL))
	if !out.Success() {
		t.Fatalf("want success, got %+v", out)
	}
	if out.StatusCode != 200 {
		t.Fatalf("want status 200, got %d", out.StatusCode)
	}
	if !strings.HasPrefix(out.Message, "200") {
		t.Fatalf("want message to start with 200, got %q", out.Message)
	}
	if out.LatencyMS < 0 {
		t.Fatalf("latency should be >= 0, got %f", out.LatencyMS)
	}
}

func TestAPIChecker_Status500(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer s.Close()

	chk := &APIChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	out := chk.Check(context.Background(), apiTx(s.URL))
	if out.Success() {
		t.Fatalf("want failure, got %+v", out)
	}
	if out.StatusCode != 500 {
		t.Fatalf("want status 500, got %d", out.StatusCode)
	}
	if !errors.Is(out.Err, domain.ErrProbeFailure) {
		t.Fatalf("want ErrProbeFailure, got %v", out.Err)
	}
}

func TestAPIChecker_ScriptedRequest(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Token") != "abc" {
			http.Error(w, "bad", 400)
			return
		}
		w.WriteHeader(201)
		w.Write([]byte(`{"status":"created"}`))
	}))
	defer s.Close()

	target := fmt.Sprintf(`{"url": %q, "method": "POST", "headers": {"X-Token": "abc"}, "body": "{}", "expect_status": [201], "contains": ["created"]}`, s.URL)
	chk := &APIChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	out := chk.Check(context.Background(), apiTx(target))
	if !out.Success() || out.StatusCode != 201 {
		t.Fatalf("want scripted success, got %+v", out)
	}
}

func TestAPIChecker_TransportErrorSetsStatusZero(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := s.URL
	s.Close()

	chk := &APIChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	out := chk.Check(context.Background(), apiTx(url))
	if out.Success() || out.StatusCode != 0 {
		t.Fatalf("want transport failure with status 0, got %+v", out)
	}
	if !errors.Is(out.Err, domain.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", out.Err)
	}
}

func TestExecutor_TimeoutOutcome(t *testing.T) {
	// Server sleeps longer than the transaction timeout
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
		w.WriteHeader(200)
	}))
	defer s.Close()

	ex := NewExecutor(NewHTTPChecker(5*time.Second), nil)
	tx := apiTx(s.URL)
	tx.Timeout = 50 * time.Millisecond
	out := ex.Check(context.Background(), tx)
	if out.Outcome != domain.OutcomeTimeout {
		t.Fatalf("want timeout outcome, got %+v", out)
	}
	if !errors.Is(out.Err, domain.ErrProbeTimeout) {
		t.Fatalf("want ErrProbeTimeout, got %v", out.Err)
	}
	if out.Message == "" {
		t.Fatalf("want non-empty message")
	}
}

func TestExecutor_DispatchesByType(t *testing.T) {
	seen := map[domain.TransactionType]int{}
	ex := &Executor{Checkers: map[domain.TransactionType]Checker{}}
	for _, typ := range []domain.TransactionType{domain.TypeAPI, domain.TypeContent, domain.TypeForm, domain.TypeNavigation} {
		typ := typ
		ex.Checkers[typ] = checkerFunc(func(ctx context.Context, tx domain.Transaction) CheckResult {
			seen[typ]++
			return CheckResult{Outcome: domain.OutcomeSuccess}
		})
	}
	for typ := range ex.Checkers {
		ex.Check(context.Background(), domain.Transaction{ID: "x", Type: typ, Timeout: time.Second})
	}
	for typ, n := range seen {
		if n != 1 {
			t.Fatalf("type %s dispatched %d times", typ, n)
		}
	}

	out := ex.Check(context.Background(), domain.Transaction{ID: "x", Type: "ping", Timeout: time.Second})
	if out.Success() {
		t.Fatalf("unknown type must fail")
	}
}

type checkerFunc func(ctx context.Context, tx domain.Transaction) CheckResult

func (f checkerFunc) Check(ctx context.Context, tx domain.Transaction) CheckResult { return f(ctx, tx) }

func TestContentChecker_Markers(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><h1>Welcome</h1><p>All systems go</p></body></html>"))
	}))
	defer s.Close()

	chk := &ContentChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	tx := domain.Transaction{ID: "c1", Type: domain.TypeContent, Timeout: time.Second}

	tx.Target = fmt.Sprintf("url: %s\ncontains: [Welcome, systems go]\nnot_contains: [Error]\n", s.URL)
	if out := chk.Check(context.Background(), tx); !out.Success() {
		t.Fatalf("want markers satisfied, got %+v", out)
	}

	tx.Target = fmt.Sprintf("url: %s\ncontains: [Maintenance]\n", s.URL)
	out := chk.Check(context.Background(), tx)
	if out.Success() || !strings.Contains(out.Message, "Maintenance") {
		t.Fatalf("want missing-marker failure, got %+v", out)
	}

	tx.Target = fmt.Sprintf("url: %s\nnot_contains: [Welcome]\n", s.URL)
	if out := chk.Check(context.Background(), tx); out.Success() {
		t.Fatalf("want forbidden-marker failure, got %+v", out)
	}

	tx.Target = s.URL
	if out := chk.Check(context.Background(), tx); out.Success() {
		t.Fatalf("content check without markers must fail")
	}
}

func loginSite() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`<form method="post"><input type="hidden" name="csrf" value="tok123"><input name="user"></form>`))
		case http.MethodPost:
			_ = r.ParseForm()
			if r.PostForm.Get("csrf") != "tok123" || r.PostForm.Get("user") != "alice" {
				http.Error(w, "denied", http.StatusForbidden)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			http.Redirect(w, r, "/home", http.StatusSeeOther)
		}
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "s1" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`<p>Hello alice</p><a href="/account/settings">Account settings</a>`))
	})
	mux.HandleFunc("/account/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<h1>Settings</h1>`))
	})
	return httptest.NewServer(mux)
}

func TestFormChecker_LoginFlow(t *testing.T) {
	s := loginSite()
	defer s.Close()

	target := fmt.Sprintf(`
steps:
  - name: open login
    url: %s/login
  - name: submit
    url: /login
    carry_hidden: true
    form:
      user: alice
    contains: [Hello alice]
`, s.URL)
	chk := &FormChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	out := chk.Check(context.Background(), domain.Transaction{ID: "f1", Type: domain.TypeForm, Target: target, Timeout: 2 * time.Second})
	if !out.Success() {
		t.Fatalf("want login flow success, got %+v", out)
	}

	bad := strings.Replace(target, "user: alice", "user: mallory", 1)
	out = chk.Check(context.Background(), domain.Transaction{ID: "f1", Type: domain.TypeForm, Target: bad, Timeout: 2 * time.Second})
	if out.Success() || out.StatusCode != http.StatusForbidden {
		t.Fatalf("want step failure with 403, got %+v", out)
	}
	if !strings.Contains(out.Message, "step submit") {
		t.Fatalf("want failing step named in message, got %q", out.Message)
	}
}

func TestNavigationChecker_FollowsLinks(t *testing.T) {
	s := loginSite()
	defer s.Close()

	target := fmt.Sprintf(`
steps:
  - url: %[1]s/login
  - url: /login
    carry_hidden: true
    form: {user: alice}
  - link: account settings
expect_final_url: %[1]s/account/settings
contains: [Settings]
`, s.URL)
	chk := &NavigationChecker{HTTP: NewHTTPChecker(2 * time.Second)}
	tx := domain.Transaction{ID: "n1", Type: domain.TypeNavigation, Target: target, Timeout: 2 * time.Second}
	out := chk.Check(context.Background(), tx)
	if !out.Success() {
		t.Fatalf("want navigation success, got %+v", out)
	}

	tx.Target = strings.Replace(target, "/account/settings\n", "/account/profile\n", 1)
	out = chk.Check(context.Background(), tx)
	if out.Success() || !strings.Contains(out.Message, "final url") {
		t.Fatalf("want final url mismatch, got %+v", out)
	}

	tx.Target = strings.Replace(target, "link: account settings", "link: billing", 1)
	out = chk.Check(context.Background(), tx)
	if out.Success() || !strings.Contains(out.Message, "not found") {
		t.Fatalf("want missing link failure, got %+v", out)
	}
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript("https://example.com/health")
	if err != nil || s.URL != "https://example.com/health" {
		t.Fatalf("bare url: %+v %v", s, err)
	}
	if _, err := ParseScript("ftp://example.com"); err == nil {
		t.Fatalf("ftp target must be rejected")
	}
	if _, err := ParseScript("steps:\n  - link: Next\n"); err == nil {
		t.Fatalf("first step without url must be rejected")
	}
	s, err = ParseScript(`{"url":"https://example.com","expect_status":[204]}`)
	if err != nil || len(s.Status) != 1 || s.Status[0] != 204 {
		t.Fatalf("json script: %+v %v", s, err)
	}
}

func TestValidateTarget(t *testing.T) {
	ok := domain.Transaction{ID: "a", Type: domain.TypeAPI, Target: "https://example.com"}
	if err := ValidateTarget(ok); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	content := domain.Transaction{ID: "c", Type: domain.TypeContent, Target: "https://example.com"}
	var cfgErr *domain.ConfigurationError
	if err := ValidateTarget(content); !errors.As(err, &cfgErr) {
		t.Fatalf("content without markers: want ConfigurationError, got %v", err)
	}
	broken := domain.Transaction{ID: "b", Type: domain.TypeForm, Target: "steps: [oops"}
	if err := ValidateTarget(broken); !errors.As(err, &cfgErr) {
		t.Fatalf("broken yaml: want ConfigurationError, got %v", err)
	}
}
