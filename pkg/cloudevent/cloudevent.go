// Package cloudevent adapts CloudEvents to conduit events.
//
// Transports that already speak CloudEvents can hand their events to
// ToEvent; Handler accepts CloudEvents over HTTP (binary or structured
// mode) and passes them to a Sink, typically Orchestrator.Enqueue.
package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/petrijr/conduit/pkg/api"
)

// ErrInvalid wraps CloudEvents that fail validation.
var ErrInvalid = errors.New("invalid cloudevent")

// ToEvent converts ce into an api.Event. JSON data (or data without a
// content type) is decoded into generic Go values; other data is kept as
// raw bytes. ReceivedAt is the CloudEvent time, or now when absent.
func ToEvent(ce cloudevents.Event) (api.Event, error) {
	if err := ce.Validate(); err != nil {
		return api.Event{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	ev := api.Event{
		Type:       ce.Type(),
		ID:         ce.ID(),
		ReceivedAt: ce.Time().UTC(),
	}
	if ce.Time().IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	data := ce.Data()
	switch {
	case len(data) == 0:
	case isJSON(ce.DataContentType()):
		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			return api.Event{}, fmt.Errorf("%w: data of %s/%s: %v", ErrInvalid, ev.Type, ev.ID, err)
		}
		ev.Payload = payload
	default:
		ev.Payload = append([]byte(nil), data...)
	}
	return ev, nil
}

// FromEvent renders ev as a CloudEvent from source. Payloads are written as
// JSON unless they are raw bytes.
func FromEvent(ev api.Event, source string) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(ev.ID)
	ce.SetType(ev.Type)
	ce.SetSource(source)
	if !ev.ReceivedAt.IsZero() {
		ce.SetTime(ev.ReceivedAt)
	}

	switch p := ev.Payload.(type) {
	case nil:
	case []byte:
		if err := ce.SetData("application/octet-stream", p); err != nil {
			return ce, err
		}
	default:
		if err := ce.SetData(cloudevents.ApplicationJSON, p); err != nil {
			return ce, fmt.Errorf("encode data of %s/%s: %w", ev.Type, ev.ID, err)
		}
	}
	return ce, ce.Validate()
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.TrimSpace(strings.ToLower(mt))
	return mt == "application/json" || mt == "text/json" || strings.HasSuffix(mt, "+json")
}

// Sink accepts converted events.
type Sink interface {
	Enqueue(ctx context.Context, ev api.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev api.Event) error

func (f SinkFunc) Enqueue(ctx context.Context, ev api.Event) error { return f(ctx, ev) }

// Handler returns an http.Handler that accepts CloudEvents over HTTP and
// forwards them to sink. It answers 202 once the sink accepted the event,
// 400 for requests that are not valid CloudEvents, and 503 when the sink
// failed, so the sender retries.
func Handler(sink Sink, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		ce, err := binding.ToEvent(r.Context(), cehttp.NewMessageFromHttpRequest(r))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "retryable": "false"})
			return
		}
		ev, err := ToEvent(*ce)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "retryable": "false"})
			return
		}

		if err := sink.Enqueue(r.Context(), ev); err != nil {
			logger.Error("enqueue cloudevent",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event not accepted", "retryable": "true"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": ev.ID})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
