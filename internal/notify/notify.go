// Package notify publishes schedule and announcement events so other home
// automation (dashboards, Home Assistant MQTT sensors) can follow along.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names an event; it is also the last MQTT topic segment
type EventType string

const (
	EventScheduleRefreshed    EventType = "schedule_refreshed"
	EventFetchFailed          EventType = "fetch_failed"
	EventReminder             EventType = "reminder"
	EventAnnouncementStarted  EventType = "announcement_started"
	EventAnnouncementFinished EventType = "announcement_finished"
)

// Event is one notification
type Event struct {
	ID      uuid.UUID              `json:"id"`
	Type    EventType              `json:"type"`
	Label   string                 `json:"label,omitempty"`
	At      time.Time              `json:"at"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID
func NewEvent(eventType EventType, label string, at time.Time, details map[string]interface{}) Event {
	return Event{
		ID:      uuid.New(),
		Type:    eventType,
		Label:   label,
		At:      at,
		Details: details,
	}
}

// Notifier delivers events. Callers log Publish errors and carry on.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
