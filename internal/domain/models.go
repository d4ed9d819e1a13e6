package domain

import (
	"fmt"
	"strings"
	"time"
)

type TransactionID string

// TransactionType is the closed set of synthetic transaction kinds.
type TransactionType string

const (
	TypeAPI        TransactionType = "api"
	TypeContent    TransactionType = "content"
	TypeForm       TransactionType = "form"
	TypeNavigation TransactionType = "navigation"
)

var transactionTypes = []TransactionType{TypeAPI, TypeContent, TypeForm, TypeNavigation}

func (t TransactionType) Valid() bool {
	for _, v := range transactionTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseTransactionType accepts the enum values case-insensitively.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

type Transaction struct {
	ID            TransactionID   `json:"id"`
	Type          TransactionType `json:"type"`
	Target        string          `json:"target"`
	CheckInterval time.Duration   `json:"check_interval"`
	Timeout       time.Duration   `json:"timeout"`
	MaxRetries    int             `json:"max_retries"`
	RetryDelay    time.Duration   `json:"retry_delay"`
	CreatedAt     time.Time       `json:"created_at"`
}

// WorstCase is the longest a full attempt sequence can take:
// timeout×(maxRetries+1) + retryDelay×maxRetries.
func (t Transaction) WorstCase() time.Duration {
	return t.Timeout*time.Duration(t.MaxRetries+1) + t.RetryDelay*time.Duration(t.MaxRetries)
}

// SchedulingRisk reports whether a run can outlast the check interval.
func (t Transaction) SchedulingRisk() bool {
	return t.CheckInterval < t.WorstCase()
}

func (t Transaction) Validate() error {
	switch {
	case strings.TrimSpace(string(t.ID)) == "":
		return &ConfigurationError{TransactionID: t.ID, Field: "id", Msg: "must not be empty"}
	case !t.Type.Valid():
		return &ConfigurationError{TransactionID: t.ID, Field: "type", Msg: fmt.Sprintf("unknown type %q", t.Type)}
	case strings.TrimSpace(t.Target) == "":
		return &ConfigurationError{TransactionID: t.ID, Field: "target", Msg: "must not be empty"}
	case t.CheckInterval <= 0:
		return &ConfigurationError{TransactionID: t.ID, Field: "check_interval", Msg: "must be positive"}
	case t.Timeout <= 0:
		return &ConfigurationError{TransactionID: t.ID, Field: "timeout", Msg: "must be positive"}
	case t.MaxRetries < 0:
		return &ConfigurationError{TransactionID: t.ID, Field: "max_retries", Msg: "must not be negative"}
	case t.RetryDelay < 0:
		return &ConfigurationError{TransactionID: t.ID, Field: "retry_delay", Msg: "must not be negative"}
	}
	return nil
}

// Outcome of a completed attempt sequence.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeTimeout
}

// Failed reports whether the outcome counts against the transaction.
func (o Outcome) Failed() bool { return o != OutcomeSuccess }
