package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the interface for broker operations.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	// Consume opens the device-data delivery stream with the given prefetch
	// limit. Deliveries must be acked or nacked by the caller.
	Consume(prefetch int) (<-chan amqp.Delivery, error)

	// PublishCommand publishes a command payload to the device's command
	// topic and waits for the broker's publisher confirm.
	PublishCommand(ctx context.Context, deviceID string, body []byte) error

	// PublishTelemetry publishes a telemetry payload to the device's data
	// topic and waits for the broker's publisher confirm. Used by the
	// device simulator.
	PublishTelemetry(ctx context.Context, deviceID string, body []byte) error

	// PublishDeadLetter routes an unprocessable message body to the
	// dead-letter queue without waiting for a confirm.
	PublishDeadLetter(ctx context.Context, body []byte, reason, topic string) error

	// Ready reports whether the client currently has an established channel.
	Ready() bool

	// WaitReady blocks until the client has an established subscription or
	// the context is canceled.
	WaitReady(ctx context.Context) error

	// Close cleanly shuts down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
