package api

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func init() {
	gob.Register(Event{})
	gob.Register(map[string]any{})
}

// Event is an immutable record of something that happened upstream, as
// handed over by the transport layer.
type Event struct {
	Type string

	// ID is the source-provided identifier. It may be empty.
	ID string

	// Payload is opaque to the core; only step functions interpret it.
	// Payloads that are persisted (DLQ, durable queues) must be
	// gob-encodable.
	Payload any

	ReceivedAt time.Time
}

// NewEvent returns an Event stamped with the current UTC time.
func NewEvent(eventType, id string, payload any) Event {
	return Event{
		Type:       eventType,
		ID:         id,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// KeyFunc derives an idempotency key from an event. It must be
// deterministic: the same event always yields the same key.
type KeyFunc func(Event) (string, error)

// ErrNoEventID is returned by EventIDKey for events without an ID.
var ErrNoEventID = errors.New("event has no id")

// EventIDKey keys on the source-provided event ID.
func EventIDKey(ev Event) (string, error) {
	if ev.ID == "" {
		return "", ErrNoEventID
	}
	return ev.Type + "/" + ev.ID, nil
}

// PayloadHashKey keys on a SHA-256 digest of the event type and the
// JSON-encoded payload.
func PayloadHashKey(ev Event) (string, error) {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(ev.Type))
	h.Write([]byte{0})
	h.Write(body)
	return ev.Type + "/sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// DefaultKey uses the event ID when present and the payload hash otherwise.
func DefaultKey(ev Event) (string, error) {
	if ev.ID != "" {
		return EventIDKey(ev)
	}
	return PayloadHashKey(ev)
}

// PayloadFieldKey keys on a top-level string field of a map payload, e.g.
// the contact id of a CRM webhook.
func PayloadFieldKey(field string) KeyFunc {
	return func(ev Event) (string, error) {
		m, ok := ev.Payload.(map[string]any)
		if !ok {
			return "", fmt.Errorf("payload is %T, not a map", ev.Payload)
		}
		v, ok := m[field]
		if !ok || v == nil {
			return "", fmt.Errorf("payload field %q missing", field)
		}
		return fmt.Sprintf("%s/%s=%v", ev.Type, field, v), nil
	}
}
