package broker_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-core/pkg/broker"
)

var _ = Describe("Client", func() {
	var logger *slog.Logger

	// No broker listens here; the client stays in its reconnect loop, which
	// is exactly the state these tests exercise.
	newClient := func() *broker.Client {
		client, err := broker.New(&broker.Config{
			Logger:  logger,
			Address: "localhost",
			Port:    1, // nothing listens on port 1
		})
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			client, err := broker.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(client).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			client, err := broker.New(&broker.Config{Address: "localhost", Port: 5672})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(client).To(BeNil())
		})

		It("should return error when address is empty", func() {
			client, err := broker.New(&broker.Config{Logger: logger, Port: 5672})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("address"))
			Expect(client).To(BeNil())
		})

		It("should return error when port is not positive", func() {
			client, err := broker.New(&broker.Config{Logger: logger, Address: "localhost"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("port"))
			Expect(client).To(BeNil())
		})

		It("should start disconnected", func() {
			client := newClient()
			defer func() { _ = client.Close() }()

			Expect(client.Ready()).To(BeFalse())
		})
	})

	Describe("while disconnected", func() {
		var client *broker.Client

		BeforeEach(func() {
			client = newClient()
		})

		AfterEach(func() {
			_ = client.Close()
		})

		It("should reject command publishes with ErrNotConnected", func() {
			err := client.PublishCommand(context.Background(), "AABBCCDDEEFF", []byte(`{}`))
			Expect(err).To(MatchError(broker.ErrNotConnected))
		})

		It("should reject telemetry publishes with ErrNotConnected", func() {
			err := client.PublishTelemetry(context.Background(), "AABBCCDDEEFF", []byte(`{}`))
			Expect(err).To(MatchError(broker.ErrNotConnected))
		})

		It("should reject dead-letter publishes with ErrNotConnected", func() {
			err := client.PublishDeadLetter(context.Background(), []byte(`{}`), "parse_error", "devices.AABBCCDDEEFF.data")
			Expect(err).To(MatchError(broker.ErrNotConnected))
		})

		It("should reject consume with ErrNotConnected", func() {
			deliveries, err := client.Consume(10)
			Expect(err).To(MatchError(broker.ErrNotConnected))
			Expect(deliveries).To(BeNil())
		})

		It("should reject oversized command payloads before touching the connection", func() {
			body := bytes.Repeat([]byte("x"), broker.MaxPayloadBytes+1)
			err := client.PublishCommand(context.Background(), "AABBCCDDEEFF", body)
			Expect(err).To(MatchError(broker.ErrPayloadTooLarge))
		})

		It("should accept payloads at exactly the limit", func() {
			body := bytes.Repeat([]byte("x"), broker.MaxPayloadBytes)
			err := client.PublishCommand(context.Background(), "AABBCCDDEEFF", body)
			// At the boundary the size check passes; the failure is the
			// missing connection.
			Expect(err).To(MatchError(broker.ErrNotConnected))
		})
	})

	Describe("WaitReady", func() {
		It("should honor context cancellation", func() {
			client := newClient()
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			err := client.WaitReady(ctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("should return ErrShutdown after close", func() {
			client := newClient()
			Expect(client.Close()).To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			err := client.WaitReady(ctx)
			Expect(err).To(MatchError(broker.ErrShutdown))
		})
	})

	Describe("Close", func() {
		It("should close cleanly while disconnected", func() {
			client := newClient()
			Expect(client.Close()).To(Succeed())
		})

		It("should reject a second close", func() {
			client := newClient()
			Expect(client.Close()).To(Succeed())
			Expect(client.Close()).To(HaveOccurred())
		})
	})
})
