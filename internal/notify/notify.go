// Package notify delivers human-readable workflow events to people and
// dashboards. Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	EventStaged       = "release.staged"
	EventRejected     = "release.rejected"
	EventLoaded       = "release.loaded"
	EventMonitorAlert = "monitor.alert"
)

// Audiences.
const (
	AudienceVerifiers  = "verifiers"
	AudienceOffice     = "office"
	AudienceCustomer   = "customer"
	AudienceOperations = "operations"
)

// Recipient is a person an event is addressed to.
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Event is a typed notification payload.
type Event struct {
	Type          string         `json:"type"`
	Audience      string         `json:"audience"`
	ReleaseID     string         `json:"releaseId,omitempty"`
	ReleaseNumber string         `json:"releaseNumber,omitempty"`
	Message       string         `json:"message"`
	Recipients    []Recipient    `json:"recipients,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// Sink delivers events.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink. A failing sink does not stop
// delivery to the others; all errors are joined.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) error { return nil }
