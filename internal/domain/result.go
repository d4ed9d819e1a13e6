package domain

import "time"

// CheckResult is the durable record of one attempt sequence. Only the final
// attempt's outcome is kept; Attempt says how many attempts were used.
type CheckResult struct {
	ID            string        `json:"id"`
	TransactionID TransactionID `json:"transaction_id"`
	StartedAt     time.Time     `json:"started_at"`
	DurationMS    int64         `json:"duration_ms"`
	Outcome       Outcome       `json:"outcome"`
	Attempt       int           `json:"attempt"`
	Detail        string        `json:"detail,omitempty"`
	StatusCode    int           `json:"status_code,omitempty"` // 0 when no HTTP response
}
