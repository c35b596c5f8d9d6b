// Package notify publishes projection changes to subscribers such as a
// dashboard push gateway. Delivery is best effort: the projection never
// waits on or fails because of a subscriber.
package notify

import (
	"context"
	"time"

	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
)

// Notifier publishes projection changes.
type Notifier interface {
	Publish(ctx context.Context, c projection.Change) error
	Close() error
}

// Message is the JSON payload written to subscribers.
type Message struct {
	Kind       string                  `json:"kind"`
	Outcome    string                  `json:"outcome"`
	StartupID  string                  `json:"startup_id"`
	Mentor     string                  `json:"mentor,omitempty"`
	Milestone  *model.Milestone        `json:"milestone,omitempty"`
	Assignment *model.MentorAssignment `json:"assignment,omitempty"`
	At         time.Time               `json:"at"`
}

// NewMessage flattens a change into its wire payload. Mentor names the
// address a dashboard should refresh for.
func NewMessage(c projection.Change, at time.Time) Message {
	msg := Message{
		Kind:       c.Kind,
		Outcome:    c.Outcome,
		Milestone:  c.Milestone,
		Assignment: c.Assignment,
		At:         at.UTC(),
	}
	switch {
	case c.Milestone != nil:
		msg.StartupID = c.Milestone.StartupID
		msg.Mentor = c.Milestone.MentorAddress
	case c.Assignment != nil:
		msg.StartupID = c.Assignment.StartupID
		msg.Mentor = c.Assignment.MentorAddress
	}
	return msg
}

// Noop drops every change.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(context.Context, projection.Change) error { return nil }

// Close implements Notifier.
func (Noop) Close() error { return nil }

var (
	_ Notifier = Noop{}
	_ Notifier = (*Redis)(nil)
)
