package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/devopsguardian/internal/domain"
	"github.com/hamed0406/devopsguardian/internal/repo"
	"github.com/hamed0406/devopsguardian/internal/scheduler"
)

// TransactionLister reports the transactions currently scheduled.
type TransactionLister interface {
	Transactions() []domain.Transaction
}

type StateReader interface {
	State(id domain.TransactionID) domain.TransactionState
	States() []domain.TransactionState
}

// Server is the read-only query boundary. It never changes scheduling or
// alert state.
type Server struct {
	Logger       *zap.Logger
	Transactions TransactionLister
	Results      repo.ResultStore
	States       StateReader
	Health       *scheduler.SystemHealth

	// Optional.
	// Definitions resolves transactions that are stored but not scheduled,
	// so their history stays readable.
	Definitions    repo.TransactionStore
	Metrics        http.Handler
	Live           http.HandlerFunc
	AllowedOrigins []string
	// DefaultWindow is the history returned when a query has no since.
	DefaultWindow time.Duration
}

func NewServer(l *zap.Logger, txs TransactionLister, rs repo.ResultStore, states StateReader, health *scheduler.SystemHealth) *Server {
	return &Server{
		Logger:        l,
		Transactions:  txs,
		Results:       rs,
		States:        states,
		Health:        health,
		DefaultWindow: 24 * time.Hour,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if len(s.AllowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/api/health", s.handleHealth)

	r.Route("/api/transactions", func(r chi.Router) {
		r.Get("/", s.handleListTransactions)
		r.Get("/{id}", s.handleGetTransaction)
		r.Get("/{id}/results", s.handleResults)
		r.Get("/{id}/state", s.handleState)
	})
	r.Get("/api/states", s.handleStates)
	r.Get("/api/results/latest", s.handleLatest)

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	if s.Live != nil {
		r.Get("/ws", s.Live)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	scheduler.HealthSnapshot
	Transactions int                   `json:"transactions"`
	ByStatus     map[domain.Status]int `json:"by_status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		HealthSnapshot: s.Health.Snapshot(),
		Transactions:   len(s.Transactions.Transactions()),
		ByStatus:       map[domain.Status]int{},
	}
	for _, tx := range s.Transactions.Transactions() {
		resp.ByStatus[s.States.State(tx.ID).Status]++
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) sortedTransactions() []domain.Transaction {
	txs := s.Transactions.Transactions()
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	return txs
}

func (s *Server) lookup(id domain.TransactionID) (domain.Transaction, bool) {
	for _, tx := range s.Transactions.Transactions() {
		if tx.ID == id {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

type transactionView struct {
	ID             domain.TransactionID   `json:"id"`
	Type           domain.TransactionType `json:"type"`
	Target         string                 `json:"target"`
	CheckInterval  int64                  `json:"check_interval"` // seconds
	Timeout        int64                  `json:"timeout"`
	MaxRetries     int                    `json:"max_retries"`
	RetryDelay     int64                  `json:"retry_delay"`
	SchedulingRisk bool                   `json:"scheduling_risk"`
	Status         domain.Status          `json:"status"`
}

func (s *Server) view(tx domain.Transaction) transactionView {
	return transactionView{
		ID:             tx.ID,
		Type:           tx.Type,
		Target:         tx.Target,
		CheckInterval:  int64(tx.CheckInterval / time.Second),
		Timeout:        int64(tx.Timeout / time.Second),
		MaxRetries:     tx.MaxRetries,
		RetryDelay:     int64(tx.RetryDelay / time.Second),
		SchedulingRisk: tx.SchedulingRisk(),
		Status:         s.States.State(tx.ID).Status,
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs := s.sortedTransactions()
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, s.view(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.lookup(domain.TransactionID(chi.URLParam(r, "id")))
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(tx))
}

// handleResults returns history with since <= started_at < until, oldest
// first. since defaults to DefaultWindow ago; until defaults to open.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := domain.TransactionID(chi.URLParam(r, "id"))
	known := s.known(r.Context(), id)

	q := r.URL.Query()
	since := time.Now().UTC().Add(-s.DefaultWindow)
	var until time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		until = t
	}
	if !until.IsZero() && !since.Before(until) {
		writeError(w, http.StatusBadRequest, "since must be before until")
		return
	}

	rs, err := s.Results.Query(r.Context(), id, since, until)
	if err != nil {
		s.Logger.Warn("query_results_error", zap.String("transaction_id", string(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query error")
		return
	}
	// results outlive their definition until retention removes them
	if !known && len(rs) == 0 {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if rs == nil {
		rs = []domain.CheckResult{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) known(ctx context.Context, id domain.TransactionID) bool {
	if _, ok := s.lookup(id); ok {
		return true
	}
	if s.Definitions == nil {
		return false
	}
	_, err := s.Definitions.Get(ctx, id)
	return err == nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := domain.TransactionID(chi.URLParam(r, "id"))
	if _, ok := s.lookup(id); !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, s.States.State(id))
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	txs := s.sortedTransactions()
	out := make([]domain.TransactionState, 0, len(txs))
	for _, tx := range txs {
		out = append(out, s.States.State(tx.ID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Results.Latest(r.Context())
	if err != nil {
		s.Logger.Warn("latest_results_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "latest error")
		return
	}
	if rs == nil {
		rs = []domain.CheckResult{}
	}
	writeJSON(w, http.StatusOK, rs)
}
