package monitor

import (
	"errors"
	"fmt"
	"time"
)

// MonitoringError is a status query that kept failing transiently. It is not
// fatal on its own; the controller decides what to do.
type MonitoringError struct {
	OrderID  string
	Attempts int
	Err      error
}

func (e *MonitoringError) Error() string {
	return fmt.Sprintf("monitoring order %s failed after %d attempts: %v", e.OrderID, e.Attempts, e.Err)
}

func (e *MonitoringError) Unwrap() error { return e.Err }

// TimeoutError is returned when an order does not reach the awaited state
// within the watch timeout. Last holds the last observed state.
type TimeoutError struct {
	OrderID string
	Timeout time.Duration
	Last    Snapshot
}

func (e *TimeoutError) Error() string {
	status := "unknown"
	if e.Last.Status != "" {
		status = string(e.Last.Status)
	}
	return fmt.Sprintf("order %s not terminal after %s (last status %s)", e.OrderID, e.Timeout, status)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsMonitoring(err error) bool {
	var me *MonitoringError
	return errors.As(err, &me)
}
