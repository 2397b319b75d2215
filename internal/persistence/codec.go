package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/conduit/pkg/api"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Values are encoded as interface{} so that DecodeValue[any] recovers the
// dynamic type; concrete types must be registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes data produced by EncodeValue. Empty data yields the
// zero value of T.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var iv any
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv)
	if err == nil {
		if iv == nil {
			return zero, nil
		}
		if v, ok := iv.(T); ok {
			return v, nil
		}
		return zero, fmt.Errorf("gob: decoded %T, want %s", iv, typeName[T]())
	}
	if !isConcreteMismatch(err) {
		return zero, err
	}

	// Payload was encoded as a concrete value.
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, err
	}
	return v, nil
}

func isConcreteMismatch(err error) bool {
	s := err.Error()
	return strings.Contains(s, "can only be decoded from remote interface") &&
		strings.Contains(s, "received concrete type")
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// encodeEvent stores an Event as a concrete gob value.
func encodeEvent(ev api.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, fmt.Errorf("encode event %s/%s: %w", ev.Type, ev.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) (api.Event, error) {
	var ev api.Event
	if len(data) == 0 {
		return ev, errors.New("empty event payload")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
