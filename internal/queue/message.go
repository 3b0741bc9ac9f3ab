// Package queue defers reconciliation work to a background consumer and
// decides per message whether to run it, drop it, or hand it back for a
// later attempt.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/calensync/internal/model"
)

// Kind selects the handler of a message.
type Kind string

const (
	KindWebhook     Kind = "webhook"
	KindInitialSync Kind = "initial_sync"
	KindRuleDeleted Kind = "rule_deleted"
	KindEventUpdate Kind = "event_update"
)

// Message is one unit of queued work.
type Message struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	FirstReceived time.Time       `json:"first_received"`
	Attempts      int             `json:"attempts"`
	// Debounced is set when the last attempt was rejected by the debounce
	// window. Such a redelivery bypasses Admit: the calendar's received stamp
	// it advanced does not mean a pass is in flight.
	Debounced bool `json:"debounced,omitempty"`
}

// RulePayload carries the rule for initial_sync and rule_deleted messages.
type RulePayload struct {
	RuleID string `json:"rule_id"`
}

// EventPayload asks for one event to be pushed along the listed rules.
type EventPayload struct {
	Event   model.Event `json:"event"`
	RuleIDs []string    `json:"rule_ids"`
}

// NewMessage encodes payload into a message received at now.
func NewMessage(kind Kind, payload any, now time.Time) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return Message{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       data,
		FirstReceived: now.UTC(),
	}, nil
}

func decode[T any](m Message) (T, error) {
	var v T
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, &model.ParseError{Field: string(m.Kind) + " payload", Value: string(m.Payload), Err: err}
	}
	return v, nil
}

// Decision is the admission verdict for a webhook message.
type Decision int

const (
	Process Decision = iota
	Drop
	Wait
)

func (d Decision) String() string {
	switch d {
	case Process:
		return "process"
	case Drop:
		return "drop"
	default:
		return "wait"
	}
}

// Admit decides what to do with a notification for node first received at
// firstReceived. When the last pass finished, notifications it already
// covered are dropped. While a pass is in flight, newer ones wait unless that
// pass started more than stale ago, in which case it is presumed dead.
func Admit(node model.CalendarNode, firstReceived, now time.Time, stale time.Duration) Decision {
	if !node.LastProcessed.Before(node.LastReceived) {
		if firstReceived.After(node.LastReceived) {
			return Process
		}
		return Drop
	}
	if now.Sub(node.LastReceived) > stale {
		return Process
	}
	return Wait
}
