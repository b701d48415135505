package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncEvent is the closed set of notifications the engine publishes.
// Each variant marshals with a "type" discriminator.
type SyncEvent interface {
	EventType() string
	Account() string
}

type JobQueued struct {
	AccountID string  `json:"account_id"`
	JobID     string  `json:"job_id"`
	Kind      JobKind `json:"kind"`
}

type JobStarted struct {
	AccountID string  `json:"account_id"`
	JobID     string  `json:"job_id"`
	Kind      JobKind `json:"kind"`
	Attempt   int     `json:"attempt"`
}

type JobProgress struct {
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
	Folder    string `json:"folder"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

type JobSucceeded struct {
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
}

type JobFailed struct {
	AccountID string     `json:"account_id"`
	JobID     string     `json:"job_id"`
	Error     string     `json:"error"`
	Retrying  bool       `json:"retrying"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

type NewMail struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	Count     int    `json:"count"`
}

func (JobQueued) EventType() string    { return "job_queued" }
func (JobStarted) EventType() string   { return "job_started" }
func (JobProgress) EventType() string  { return "job_progress" }
func (JobSucceeded) EventType() string { return "job_succeeded" }
func (JobFailed) EventType() string    { return "job_failed" }
func (NewMail) EventType() string      { return "new_mail" }

func (e JobQueued) Account() string    { return e.AccountID }
func (e JobStarted) Account() string   { return e.AccountID }
func (e JobProgress) Account() string  { return e.AccountID }
func (e JobSucceeded) Account() string { return e.AccountID }
func (e JobFailed) Account() string    { return e.AccountID }
func (e NewMail) Account() string      { return e.AccountID }

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent encodes an event as {"type": ..., "data": {...}}.
func MarshalEvent(e SyncEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.EventType(), err)
	}
	return json.Marshal(eventEnvelope{Type: e.EventType(), Data: data})
}

// UnmarshalEvent decodes the envelope back into its concrete variant.
func UnmarshalEvent(b []byte) (SyncEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	var target SyncEvent
	switch env.Type {
	case "job_queued":
		target = &JobQueued{}
	case "job_started":
		target = &JobStarted{}
	case "job_progress":
		target = &JobProgress{}
	case "job_succeeded":
		target = &JobSucceeded{}
	case "job_failed":
		target = &JobFailed{}
	case "new_mail":
		target = &NewMail{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Type, err)
	}
	return target, nil
}
