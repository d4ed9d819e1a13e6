package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCheckResult_JSONRoundTrip(t *testing.T) {
	want := CheckResult{
		ID:            "r1",
		TransactionID: TransactionID("T1"),
		StartedAt:     time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC),
		DurationMS:    123,
		Outcome:       OutcomeSuccess,
		Attempt:       2,
		Detail:        "200 OK",
		StatusCode:    200,
	}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got CheckResult
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != want.ID || got.TransactionID != want.TransactionID || got.Outcome != want.Outcome ||
		got.Attempt != want.Attempt || got.DurationMS != want.DurationMS || got.StatusCode != want.StatusCode ||
		!got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("mismatch after round-trip:\nwant=%+v\ngot =%+v", want, got)
	}
}

func TestParseTransactionType(t *testing.T) {
	cases := []struct {
		in   string
		want TransactionType
		ok   bool
	}{
		{"api", TypeAPI, true},
		{" Content ", TypeContent, true},
		{"FORM", TypeForm, true},
		{"navigation", TypeNavigation, true},
		{"ping", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := ParseTransactionType(c.in)
		if (err == nil) != c.ok || got != c.want {
			t.Fatalf("ParseTransactionType(%q)=%q,%v want %q ok=%v", c.in, got, err, c.want, c.ok)
		}
	}
}

func validTx() Transaction {
	return Transaction{
		ID:            "t1",
		Type:          TypeAPI,
		Target:        "https://example.com",
		CheckInterval: 60 * time.Second,
		Timeout:       10 * time.Second,
		MaxRetries:    1,
		RetryDelay:    5 * time.Second,
	}
}

func TestTransaction_Validate(t *testing.T) {
	if err := validTx().Validate(); err != nil {
		t.Fatalf("valid transaction rejected: %v", err)
	}

	mutations := map[string]func(*Transaction){
		"id":             func(tx *Transaction) { tx.ID = "" },
		"type":           func(tx *Transaction) { tx.Type = "ping" },
		"target":         func(tx *Transaction) { tx.Target = " " },
		"check_interval": func(tx *Transaction) { tx.CheckInterval = 0 },
		"timeout":        func(tx *Transaction) { tx.Timeout = 0 },
		"max_retries":    func(tx *Transaction) { tx.MaxRetries = -1 },
		"retry_delay":    func(tx *Transaction) { tx.RetryDelay = -time.Second },
	}
	for field, mutate := range mutations {
		tx := validTx()
		mutate(&tx)
		err := tx.Validate()
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: want ConfigurationError, got %v", field, err)
		}
		if cfgErr.Field != field {
			t.Fatalf("want field %q, got %q", field, cfgErr.Field)
		}
	}
}

func TestTransaction_WorstCaseAndRisk(t *testing.T) {
	tx := validTx()
	tx.Timeout = 30 * time.Second
	tx.MaxRetries = 3
	tx.RetryDelay = 5 * time.Second
	if got := tx.WorstCase(); got != 135*time.Second {
		t.Fatalf("worst case: want 135s, got %s", got)
	}
	tx.CheckInterval = 300 * time.Second
	if tx.SchedulingRisk() {
		t.Fatalf("300s interval should not be a scheduling risk")
	}
	tx.CheckInterval = 60 * time.Second
	if !tx.SchedulingRisk() {
		t.Fatalf("60s interval should be a scheduling risk")
	}
}

func fail(at time.Time) CheckResult {
	return CheckResult{TransactionID: "t1", Outcome: OutcomeFailure, StartedAt: at, Detail: "500"}
}

func TestTransition_DownOnceThenRecover(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewState("t1")

	var kinds []EventKind
	for i := 0; i < 5; i++ {
		var evs []StatusEvent
		st, evs = Transition(st, fail(at), 3, at)
		for _, e := range evs {
			kinds = append(kinds, e.Kind)
		}
	}
	if st.Status != StatusDown || st.ConsecutiveFailures != 5 {
		t.Fatalf("want down with 5 failures, got %+v", st)
	}
	if len(kinds) != 2 || kinds[0] != EventDegraded || kinds[1] != EventDown {
		t.Fatalf("want [degraded down], got %v", kinds)
	}

	st, evs := Transition(st, CheckResult{TransactionID: "t1", Outcome: OutcomeSuccess}, 3, at)
	if st.Status != StatusHealthy || st.ConsecutiveFailures != 0 {
		t.Fatalf("want healthy after success, got %+v", st)
	}
	if len(evs) != 1 || evs[0].Kind != EventRecovered || evs[0].OldStatus != StatusDown {
		t.Fatalf("want one recovered event from down, got %+v", evs)
	}

	_, evs = Transition(st, CheckResult{TransactionID: "t1", Outcome: OutcomeSuccess}, 3, at)
	if len(evs) != 0 {
		t.Fatalf("healthy success must not emit, got %+v", evs)
	}
}

func TestTransition_TimeoutCountsAsFailure(t *testing.T) {
	st, evs := Transition(NewState("t1"), CheckResult{Outcome: OutcomeTimeout, Detail: "deadline"}, 3, time.Now())
	if st.Status != StatusDegraded || st.ConsecutiveFailures != 1 {
		t.Fatalf("want degraded after timeout, got %+v", st)
	}
	if len(evs) != 1 || evs[0].LastResultDetail != "deadline" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestTransition_ThresholdOneEmitsBoth(t *testing.T) {
	st, evs := Transition(NewState("t1"), fail(time.Now()), 1, time.Now())
	if st.Status != StatusDown {
		t.Fatalf("want down, got %s", st.Status)
	}
	if len(evs) != 2 || evs[1].OldStatus != StatusDegraded {
		t.Fatalf("want degraded then down, got %+v", evs)
	}
}

func TestTransition_DegradedRecovery(t *testing.T) {
	st, _ := Transition(NewState("t1"), fail(time.Now()), 3, time.Now())
	st, evs := Transition(st, CheckResult{Outcome: OutcomeSuccess}, 3, time.Now())
	if st.Status != StatusHealthy || len(evs) != 1 || evs[0].OldStatus != StatusDegraded {
		t.Fatalf("want recovery from degraded, got %+v %+v", st, evs)
	}
}
