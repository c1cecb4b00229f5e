// Package journal records what happened to a bracket so an operator can
// reconstruct it after the fact.
package journal

import (
	"context"
	"time"
)

// Event types.
const (
	TypeTransition = "transition"
	TypeOrder      = "order"
	TypeError      = "error"
	TypeCritical   = "critical"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // TypeTransition, TypeOrder, TypeError, TypeCritical
	PositionID  string
	Symbol      string
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

// New stamps an event with the current time.
func New(eventType, positionID, symbol, description string, data map[string]any) Event {
	return Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		PositionID:  positionID,
		Symbol:      symbol,
		Description: description,
		Data:        data,
	}
}
