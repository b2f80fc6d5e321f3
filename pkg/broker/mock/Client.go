// Package mock provides mock implementations of the broker package interfaces for testing.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-core/pkg/broker"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It tracks method calls and allows configuring return values and behavior.
type MockClient struct {
	mu sync.Mutex

	// ConsumeFunc is called when Consume is invoked. If nil, returns ConsumeChannel and ConsumeError.
	ConsumeFunc func(prefetch int) (<-chan amqp.Delivery, error)
	// ConsumeChannel is returned by Consume if ConsumeFunc is nil.
	ConsumeChannel <-chan amqp.Delivery
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks the prefetch arguments of all Consume calls.
	ConsumeCalls []int

	// PublishCommandFunc is called when PublishCommand is invoked. If nil, returns PublishCommandError.
	PublishCommandFunc func(ctx context.Context, deviceID string, body []byte) error
	// PublishCommandError is returned by PublishCommand if PublishCommandFunc is nil.
	PublishCommandError error
	// PublishCommandCalls tracks all calls to PublishCommand with their arguments.
	PublishCommandCalls []PublishCommandCall

	// PublishTelemetryFunc is called when PublishTelemetry is invoked. If nil, returns PublishTelemetryError.
	PublishTelemetryFunc func(ctx context.Context, deviceID string, body []byte) error
	// PublishTelemetryError is returned by PublishTelemetry if PublishTelemetryFunc is nil.
	PublishTelemetryError error
	// PublishTelemetryCalls tracks all calls to PublishTelemetry with their arguments.
	PublishTelemetryCalls []PublishTelemetryCall

	// PublishDeadLetterFunc is called when PublishDeadLetter is invoked. If nil, returns PublishDeadLetterError.
	PublishDeadLetterFunc func(ctx context.Context, body []byte, reason, topic string) error
	// PublishDeadLetterError is returned by PublishDeadLetter if PublishDeadLetterFunc is nil.
	PublishDeadLetterError error
	// PublishDeadLetterCalls tracks all calls to PublishDeadLetter with their arguments.
	PublishDeadLetterCalls []PublishDeadLetterCall

	// ReadyValue is returned by Ready.
	ReadyValue bool

	// WaitReadyFunc is called when WaitReady is invoked. If nil, returns WaitReadyError.
	WaitReadyFunc func(ctx context.Context) error
	// WaitReadyError is returned by WaitReady if WaitReadyFunc is nil.
	WaitReadyError error
	// WaitReadyCalls tracks the number of times WaitReady was called.
	WaitReadyCalls int

	// CloseFunc is called when Close is invoked. If nil, returns CloseError.
	CloseFunc func() error
	// CloseError is returned by Close if CloseFunc is nil.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCommandCall records the arguments to a PublishCommand call.
type PublishCommandCall struct {
	Ctx      context.Context
	DeviceID string
	Body     []byte
}

// PublishTelemetryCall records the arguments to a PublishTelemetry call.
type PublishTelemetryCall struct {
	Ctx      context.Context
	DeviceID string
	Body     []byte
}

// PublishDeadLetterCall records the arguments to a PublishDeadLetter call.
type PublishDeadLetterCall struct {
	Ctx    context.Context
	Body   []byte
	Reason string
	Topic  string
}

// Consume implements ClientInterface.
func (m *MockClient) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	m.ConsumeCalls = append(m.ConsumeCalls, prefetch)
	fn := m.ConsumeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(prefetch)
	}
	return m.ConsumeChannel, m.ConsumeError
}

// PublishCommand implements ClientInterface.
func (m *MockClient) PublishCommand(ctx context.Context, deviceID string, body []byte) error {
	m.mu.Lock()
	m.PublishCommandCalls = append(m.PublishCommandCalls, PublishCommandCall{
		Ctx:      ctx,
		DeviceID: deviceID,
		Body:     body,
	})
	fn := m.PublishCommandFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, deviceID, body)
	}
	return m.PublishCommandError
}

// PublishTelemetry implements ClientInterface.
func (m *MockClient) PublishTelemetry(ctx context.Context, deviceID string, body []byte) error {
	m.mu.Lock()
	m.PublishTelemetryCalls = append(m.PublishTelemetryCalls, PublishTelemetryCall{
		Ctx:      ctx,
		DeviceID: deviceID,
		Body:     body,
	})
	fn := m.PublishTelemetryFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, deviceID, body)
	}
	return m.PublishTelemetryError
}

// PublishDeadLetter implements ClientInterface.
func (m *MockClient) PublishDeadLetter(ctx context.Context, body []byte, reason, topic string) error {
	m.mu.Lock()
	m.PublishDeadLetterCalls = append(m.PublishDeadLetterCalls, PublishDeadLetterCall{
		Ctx:    ctx,
		Body:   body,
		Reason: reason,
		Topic:  topic,
	})
	fn := m.PublishDeadLetterFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, body, reason, topic)
	}
	return m.PublishDeadLetterError
}

// Ready implements ClientInterface.
func (m *MockClient) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadyValue
}

// WaitReady implements ClientInterface.
func (m *MockClient) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	m.WaitReadyCalls++
	fn := m.WaitReadyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return m.WaitReadyError
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return m.CloseError
}

// NumPublishCommandCalls returns the number of PublishCommand calls made.
func (m *MockClient) NumPublishCommandCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PublishCommandCalls)
}

// Ensure MockClient implements ClientInterface.
var _ broker.ClientInterface = (*MockClient)(nil)
