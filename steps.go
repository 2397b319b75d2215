package conduit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/petrijr/conduit/pkg/api"
)

// TypedStep adapts a strongly typed function to a StepFunc. An input of the
// wrong type is a permanent failure: retrying cannot fix it.
func TypedStep[I, O any](fn func(ctx context.Context, in I) (O, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		in, ok := input.(I)
		if !ok {
			var zero I
			return nil, api.Permanentf("step input is %T, want %T", input, zero)
		}
		return fn(ctx, in)
	}
}

// PayloadStep is for first steps: it decodes the triggering event's payload
// into P before calling fn. Payloads that are already a P are passed
// through; maps and raw JSON are converted through encoding/json.
func PayloadStep[P, O any](fn func(ctx context.Context, ev Event, payload P) (O, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		ev, ok := input.(api.Event)
		if !ok {
			return nil, api.Permanentf("step input is %T, want conduit.Event", input)
		}
		p, err := DecodePayload[P](ev.Payload)
		if err != nil {
			return nil, api.Permanent(err)
		}
		return fn(ctx, ev, p)
	}
}

// DecodePayload converts an event payload to P.
func DecodePayload[P any](payload any) (P, error) {
	var p P
	switch v := payload.(type) {
	case P:
		return v, nil
	case nil:
		return p, fmt.Errorf("payload is empty, want %T", p)
	case []byte:
		if err := json.Unmarshal(v, &p); err != nil {
			return p, fmt.Errorf("decode payload into %T: %w", p, err)
		}
		return p, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("encode payload %T: %w", payload, err)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode payload into %T: %w", p, err)
	}
	return p, nil
}
