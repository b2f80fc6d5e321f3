// Package core wires the broker client, ingest worker, device registry,
// command dispatcher, and event hub into one runnable service.
package core

import (
	"log/slog"
	"time"
)

// Config is the immutable configuration of the core service, populated once
// at startup.
type Config struct {
	Logger *slog.Logger

	// Broker configuration
	BrokerAddress  string
	BrokerUsername string
	BrokerPassword string
	BrokerVhost    string
	BrokerPort     int

	// Database configuration
	DatabaseURL string

	// Liveness configuration
	OfflineThreshold time.Duration
	SweepInterval    time.Duration

	// Ingest configuration
	IngestWorkerCount int
	IngestPrefetch    int

	// Command configuration
	PublishTimeout    time.Duration
	CommandMaxRetries int

	// Fan-out configuration
	FanoutBufferSize     int
	FanoutMaxSubscribers int

	// ListenAddr is the HTTP listen address for the push channel, metrics,
	// and health endpoints.
	ListenAddr string
}
