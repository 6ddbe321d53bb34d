package world

import (
	"context"
	"strings"
)

// Queue name prefixes. Queue names are reserved-prefixed strings; messages
// with an unrecognized prefix are rejected with InvalidArgument.
const (
	// WorkflowQueuePrefix marks workflow-level queues.
	WorkflowQueuePrefix = "__wkf_workflow_"
	// StepQueuePrefix marks step-level queues.
	StepQueuePrefix = "__wkf_step_"
)

type (
	// Delivery carries the metadata passed to a queue handler alongside the
	// payload. Attempt starts at 1 and increments on every redelivery.
	Delivery struct {
		MessageID string
		QueueName string
		Attempt   int
	}

	// Handler processes a delivered message. Returning nil acknowledges the
	// message; returning an error triggers redelivery with an incremented
	// attempt. Handlers must be idempotent on MessageID (or on the
	// idempotency key when one was supplied).
	Handler func(ctx context.Context, payload []byte, delivery Delivery) error

	// EnqueueOptions carries optional enqueue metadata.
	EnqueueOptions struct {
		// IdempotencyKey deduplicates enqueues: a second enqueue with the
		// same key within the dedup window is a no-op returning the
		// original message id.
		IdempotencyKey string
	}

	// Queue accepts prefix-typed messages and delivers each at least once to
	// the handler registered for its prefix. Delivery order across messages
	// is not guaranteed.
	Queue interface {
		// Enqueue submits a message and returns its id.
		Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error)
		// RegisterHandler installs the handler for every queue name that
		// begins with prefix. Exactly one handler per prefix; registering
		// twice fails with InvalidArgument. Handlers must be registered
		// before Start.
		RegisterHandler(prefix string, handler Handler) error
		// Start begins delivery and returns once the delivery subsystem is
		// ready.
		Start(ctx context.Context) error
		// DeploymentID identifies the process binding for logging and
		// routing.
		DeploymentID() string
	}
)

// WorkflowQueue returns the workflow queue name for id.
func WorkflowQueue(id string) string { return WorkflowQueuePrefix + id }

// StepQueue returns the step queue name for id.
func StepQueue(id string) string { return StepQueuePrefix + id }

// QueuePrefix returns the recognized prefix of queueName, or an
// InvalidArgument error when the name carries no recognized prefix.
func QueuePrefix(queueName string) (string, error) {
	switch {
	case strings.HasPrefix(queueName, WorkflowQueuePrefix):
		return WorkflowQueuePrefix, nil
	case strings.HasPrefix(queueName, StepQueuePrefix):
		return StepQueuePrefix, nil
	default:
		return "", InvalidArgumentf("unrecognized queue name %q", queueName)
	}
}
