// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package jobs

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/switchyard/internal/validation"
)

// Schema validates a queue's raw JSON payloads at enqueue time.
type Schema interface {
	Validate(payload []byte) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(payload []byte) error

// Validate calls f(payload).
func (f SchemaFunc) Validate(payload []byte) error { return f(payload) }

// SchemaFor returns a Schema that decodes the payload into T and runs the
// struct's validate tags. T must be a struct type.
//
//	store.DeclareQueue(jobs.QueueConfig{
//	    Name:   "emails",
//	    Schema: jobs.SchemaFor[EmailPayload](),
//	})
func SchemaFor[T any]() Schema {
	return SchemaFunc(func(payload []byte) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if verr := validation.ValidateStruct(&v); verr != nil {
			return verr
		}
		return nil
	})
}

// marshalPayload accepts raw JSON as-is and marshals anything else.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}
