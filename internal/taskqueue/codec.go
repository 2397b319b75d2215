package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrMalformedTask is returned by Dequeue when a task was taken off the
// queue but its payload could not be decoded. The task is gone.
var ErrMalformedTask = errors.New("malformed task")

// EncodeTask gob-encodes a Task. Event payloads must be gob-encodable and
// their concrete types registered with gob.Register.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask gob-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrMalformedTask, err)
	}
	return &t, nil
}
