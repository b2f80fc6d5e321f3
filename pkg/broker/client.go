// Package broker provides the AMQP broker client used for both consuming
// device data and publishing commands, with automatic reconnection and
// publisher confirms.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-core/pkg/metrics"
)

const (
	// DataQueue receives device telemetry bridged from the MQTT topic
	// devices/<id>/data onto the amq.topic exchange.
	DataQueue = "fleet-core.device-data"

	// DeadLetterQueue receives messages the ingest worker could not process.
	DeadLetterQueue = "fleet-core.device-data.dlq"

	// MaxPayloadBytes is the largest payload accepted for a command publish.
	MaxPayloadBytes = 10 * 1024

	topicExchange      = "amq.topic"
	dataBindingKey     = "devices.*.data"
	lastWillBindingKey = "devices.*.last"

	// Reconnect backoff starts at 2s and doubles up to 60s. It resets only
	// after the channel and queue bindings are re-established.
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 60 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Upper bound on publishes awaiting a broker confirm.
	maxInflightConfirms = 64
)

var (
	// ErrNotConnected is returned when the connection is down and
	// reconnection has not yet succeeded.
	ErrNotConnected = errors.New("not connected to the broker")

	// ErrConfirmTimeout is returned when the broker does not confirm a
	// publish within the configured timeout.
	ErrConfirmTimeout = errors.New("publish confirm timed out")

	// ErrPayloadTooLarge is returned when a command payload exceeds
	// MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrShutdown is returned for operations attempted after Close.
	ErrShutdown = errors.New("broker client is shutting down")

	errAlreadyClosed = errors.New("already closed: not connected to the broker")
)

// Config holds the configuration for the broker client.
type Config struct {
	Logger         *slog.Logger
	Metrics        *metrics.BrokerMetrics // optional
	Address        string
	Username       string
	Password       string
	Vhost          string
	Port           int
	PublishTimeout time.Duration
}

// Client is the broker client. It owns a single connection used for both
// consuming device data and publishing commands, reconnects with exponential
// backoff, and tracks publisher confirms for command publishes.
type Client struct {
	m               *sync.Mutex
	logger          *slog.Logger
	metrics         *metrics.BrokerMetrics
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	inflight        chan struct{}
	publishTimeout  time.Duration
	isReady         bool
}

// New creates a new broker client and starts the background connection loop.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("broker config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Address == "" {
		return nil, errors.New("broker address cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("broker port must be positive")
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		m:              &sync.Mutex{},
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		done:           make(chan struct{}),
		ready:          make(chan struct{}),
		inflight:       make(chan struct{}, maxInflightConfirms),
		publishTimeout: timeout,
	}

	go client.handleReconnect(brokerURL(cfg))
	return client, nil
}

// brokerURL assembles the AMQP URL from the config parts.
func brokerURL(cfg *Config) string {
	vhost := cfg.Vhost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Address,
		cfg.Port,
		url.PathEscape(vhost),
	)
}

// handleReconnect dials the broker and re-establishes the channel whenever
// the connection drops, backing off exponentially between attempts.
func (client *Client) handleReconnect(addr string) {
	delay := initialReconnectDelay

	for {
		client.setReady(false)
		client.logger.Info("attempting broker connection")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err, "backoff", delay)

			select {
			case <-client.done:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		// The backoff resets only once the channel init below succeeds.
		if done, inited := client.handleReInit(conn); done {
			return
		} else if inited {
			delay = initialReconnectDelay
		}
	}
}

// connect creates a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.logger.Info("broker connected")

	if client.metrics != nil {
		client.metrics.Connects.Inc()
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit re-initializes the channel after channel exceptions until the
// connection itself closes. The second return reports whether init succeeded
// at least once on this connection.
func (client *Client) handleReInit(conn *amqp.Connection) (done, inited bool) {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true, inited
			case <-client.notifyConnClose:
				client.observeDisconnect()
				return false, inited
			case <-time.After(reInitDelay):
			}
			continue
		}
		inited = true

		select {
		case <-client.done:
			return true, inited
		case <-client.notifyConnClose:
			client.observeDisconnect()
			return false, inited
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

func (client *Client) observeDisconnect() {
	client.logger.Info("broker connection closed, reconnecting")
	if client.metrics != nil {
		client.metrics.Disconnects.Inc()
		client.metrics.ConnectionStatus.Set(0)
	}
}

// init opens the channel in confirm mode, declares the durable data and
// dead-letter queues, and binds the data queue to the topic exchange.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		DataQueue,
		true,  // Durable: inflight device data survives restarts
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	// Device data arrives on amq.topic via the MQTT bridge; the last-will
	// topic is bound as well so it is observed, though not interpreted here.
	for _, key := range []string{dataBindingKey, lastWillBindingKey} {
		if err := ch.QueueBind(DataQueue, key, topicExchange, false, nil); err != nil {
			return err
		}
	}

	if _, err := ch.QueueDeclare(
		DeadLetterQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("broker client ready",
		"queue", DataQueue,
		"bindings", []string{dataBindingKey, lastWillBindingKey},
	)

	return nil
}

// changeConnection swaps in a new connection and close listener.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel swaps in a new channel and close listener.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.channel.NotifyClose(client.notifyChanClose)
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	defer client.m.Unlock()
	if ready == client.isReady {
		return
	}
	client.isReady = ready
	if ready {
		close(client.ready)
	} else {
		client.ready = make(chan struct{})
	}
}

// Ready reports whether the client currently has an established channel.
func (client *Client) Ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client has an established subscription or the
// context is canceled. It is used for the startup grace period.
func (client *Client) WaitReady(ctx context.Context) error {
	client.m.Lock()
	ready := client.ready
	isReady := client.isReady
	client.m.Unlock()

	if isReady {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return ErrShutdown
	case <-ready:
		return nil
	}
}

// Consume opens the device-data delivery stream with the given prefetch
// limit. Deliveries must be acked or nacked by the caller; unacknowledged
// messages accumulate at the broker, applying natural backpressure.
func (client *Client) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, ErrNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		prefetch,
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		DataQueue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return nil, err
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			if client.metrics != nil {
				client.metrics.MessagesConsumed.Inc()
			}
			select {
			case out <- d:
			case <-client.done:
				return
			}
		}
	}()
	return out, nil
}

// PublishCommand publishes a command payload to devices.<id>.commands with
// persistent delivery and waits for the broker's publisher confirm. The
// broker queues commands for devices whose persistent session is currently
// disconnected, so a confirm does not imply the device has received it.
func (client *Client) PublishCommand(ctx context.Context, deviceID string, body []byte) error {
	if len(body) > MaxPayloadBytes {
		client.countPublishFailure("payload_too_large")
		return ErrPayloadTooLarge
	}

	var timer *prometheus.Timer
	if client.metrics != nil {
		timer = prometheus.NewTimer(client.metrics.PublishDuration)
		defer timer.ObserveDuration()
	}

	err := client.publishConfirmed(ctx, "devices."+deviceID+".commands", body)
	switch {
	case err == nil:
		if client.metrics != nil {
			client.metrics.CommandsPublishedOK.Inc()
		}
		client.logger.Info("command publish confirmed", "device_id", deviceID)
	case errors.Is(err, ErrNotConnected):
		client.countPublishFailure("not_connected")
	case errors.Is(err, ErrConfirmTimeout):
		client.countPublishFailure("confirm_timeout")
	}
	return err
}

// PublishTelemetry publishes a telemetry payload to devices.<id>.data with
// persistent delivery and waits for the confirm. It exists for the
// device simulator; real devices publish over the MQTT bridge.
func (client *Client) PublishTelemetry(ctx context.Context, deviceID string, body []byte) error {
	if len(body) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return client.publishConfirmed(ctx, "devices."+deviceID+".data", body)
}

// publishConfirmed publishes a persistent message to the topic exchange and
// waits for the broker's publisher confirm within the publish timeout.
func (client *Client) publishConfirmed(ctx context.Context, routingKey string, body []byte) error {
	client.m.Lock()
	isReady := client.isReady
	ch := client.channel
	client.m.Unlock()

	if !isReady {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, client.publishTimeout)
	defer cancel()

	// Bound the number of publishes awaiting confirms.
	select {
	case client.inflight <- struct{}{}:
	case <-client.done:
		return ErrShutdown
	case <-ctx.Done():
		return ErrConfirmTimeout
	}
	defer func() { <-client.inflight }()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		topicExchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		client.logger.Error("publish failed",
			"routing_key", routingKey,
			"error", err,
		)
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		client.logger.Error("publish confirm timed out",
			"routing_key", routingKey,
			"delivery_tag", confirmation.DeliveryTag,
		)
		return ErrConfirmTimeout
	}
	if !acked {
		client.logger.Error("publish nacked by broker",
			"routing_key", routingKey,
			"delivery_tag", confirmation.DeliveryTag,
		)
		return ErrConfirmTimeout
	}
	return nil
}

func (client *Client) countPublishFailure(reason string) {
	if client.metrics != nil {
		client.metrics.CommandsPublishedFailed.WithLabelValues(reason).Inc()
	}
}

// PublishDeadLetter routes a raw message body to the dead-letter queue with
// the failure reason and original topic recorded in headers. It does not
// wait for a confirm; dead-lettering is best effort and must not stall the
// ingest path.
func (client *Client) PublishDeadLetter(ctx context.Context, body []byte, reason, topic string) error {
	client.m.Lock()
	isReady := client.isReady
	ch := client.channel
	client.m.Unlock()

	if !isReady {
		return ErrNotConnected
	}

	return ch.PublishWithContext(
		ctx,
		"", // default exchange routes by queue name
		DeadLetterQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers: amqp.Table{
				"x-reason": reason,
				"x-topic":  topic,
			},
		},
	)
}

// Close cleanly shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	select {
	case <-client.done:
		return errAlreadyClosed
	default:
		close(client.done)
	}

	if client.channel != nil {
		if err := client.channel.Close(); err != nil {
			return err
		}
	}
	if client.connection != nil {
		if err := client.connection.Close(); err != nil {
			return err
		}
	}

	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}
	return nil
}
