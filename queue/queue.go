// Package queue carries work between the HTTP driver, the continuation
// bridge and background workers. Delivery is at-least-once; handlers rely on
// instance fingerprints and revisions to make replays harmless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sicko7947/placeflow"
)

// TaskType identifies what the worker should do
type TaskType string

const (
	// TaskRunInstance processes an instance with its stored arguments
	TaskRunInstance TaskType = "run-instance"
	// TaskResumeInstance delivers a manual transition payload
	TaskResumeInstance TaskType = "resume-instance"
)

// Task represents a unit of work for the worker
type Task struct {
	ID         string                       `json:"id"`
	Type       TaskType                     `json:"type"`
	InstanceID string                       `json:"instanceId"`
	TemplateID string                       `json:"templateId,omitempty"`
	Payload    *placeflow.TransitionPayload `json:"payload,omitempty"`
	EnqueuedAt time.Time                    `json:"enqueuedAt"`
}

// Queue is a simple async task queue
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task, blocking until one is
	// available or the context is cancelled
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued
	Len() int
}

// EncodeTask serializes a task for storage in an external queue
func EncodeTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask reverses EncodeTask
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}
