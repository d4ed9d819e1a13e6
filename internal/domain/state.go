package domain

import "time"

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

type EventKind string

const (
	EventDegraded  EventKind = "degraded"
	EventDown      EventKind = "down"
	EventRecovered EventKind = "recovered"
)

// DefaultDownThreshold is the number of consecutive failures that takes a
// transaction down.
const DefaultDownThreshold = 3

type TransactionState struct {
	TransactionID       TransactionID `json:"transaction_id"`
	Status              Status        `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastChangeAt        time.Time     `json:"last_change_at"`
	LastResultAt        time.Time     `json:"last_result_at,omitempty"`
}

// NewState is the state of a transaction with no history.
func NewState(id TransactionID) TransactionState {
	return TransactionState{TransactionID: id, Status: StatusHealthy}
}

type StatusEvent struct {
	ID               string        `json:"id"`
	TransactionID    TransactionID `json:"transaction_id"`
	Kind             EventKind     `json:"kind"`
	OldStatus        Status        `json:"old_status"`
	NewStatus        Status        `json:"new_status"`
	Timestamp        time.Time     `json:"timestamp"`
	LastResultDetail string        `json:"last_result_detail,omitempty"`
}

// Transition applies one result to st and returns the new state plus the
// events it produced, in order. A threshold below 1 uses DefaultDownThreshold.
func Transition(st TransactionState, r CheckResult, threshold int, at time.Time) (TransactionState, []StatusEvent) {
	if threshold < 1 {
		threshold = DefaultDownThreshold
	}
	if st.Status == "" {
		st.Status = StatusHealthy
	}
	next := st
	next.LastResultAt = r.StartedAt

	var events []StatusEvent
	move := func(to Status, kind EventKind) {
		events = append(events, StatusEvent{
			TransactionID:    st.TransactionID,
			Kind:             kind,
			OldStatus:        next.Status,
			NewStatus:        to,
			Timestamp:        at,
			LastResultDetail: r.Detail,
		})
		next.Status = to
		next.LastChangeAt = at
	}

	if !r.Outcome.Failed() {
		next.ConsecutiveFailures = 0
		if next.Status != StatusHealthy {
			move(StatusHealthy, EventRecovered)
		}
		return next, events
	}

	next.ConsecutiveFailures++
	if next.Status == StatusHealthy {
		move(StatusDegraded, EventDegraded)
	}
	if next.ConsecutiveFailures >= threshold && next.Status != StatusDown {
		move(StatusDown, EventDown)
	}
	return next, events
}
