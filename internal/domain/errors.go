package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProbeTimeout = errors.New("probe timeout")
	ErrProbeFailure = errors.New("probe assertion failed")
	ErrTransport    = errors.New("transport error")
)

// ConfigurationError marks a malformed transaction definition. It is fatal to
// scheduling that transaction only.
type ConfigurationError struct {
	TransactionID TransactionID
	Field         string
	Msg           string
	Err           error
}

func (e *ConfigurationError) Error() string {
	s := fmt.Sprintf("transaction %q: %s: %s", e.TransactionID, e.Field, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// StoreWriteError is returned when a result could not be persisted after
// all write retries.
type StoreWriteError struct {
	TransactionID TransactionID
	Attempts      int
	Err           error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write for %q failed after %d attempts: %v", e.TransactionID, e.Attempts, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
