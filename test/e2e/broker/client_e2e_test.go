package broker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/fleet-core/pkg/broker"
)

var _ = Describe("Broker Client E2E", func() {
	var (
		client *broker.Client
		ctx    context.Context
	)

	newClient := func() *broker.Client {
		c, err := broker.New(&broker.Config{
			Logger:         testLogger,
			Address:        brokerHost,
			Port:           brokerPort,
			Username:       brokerUser,
			Password:       brokerPassword,
			PublishTimeout: 5 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		Expect(c.WaitReady(waitCtx)).To(Succeed())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = newClient()
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
		}
	})

	Describe("connection lifecycle", func() {
		It("should report ready after connecting", func() {
			Expect(client.Ready()).To(BeTrue())
		})

		It("should reject operations after close", func() {
			Expect(client.Close()).To(Succeed())

			waitCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			Expect(client.WaitReady(waitCtx)).To(MatchError(broker.ErrShutdown))
			client = nil
		})
	})

	Describe("telemetry round trip", func() {
		It("should deliver published telemetry to the consumer with its topic", func() {
			deliveries, err := client.Consume(10)
			Expect(err).NotTo(HaveOccurred())

			body := []byte(`{"temperature":21.5,"timestamp":1748779200}`)
			Expect(client.PublishTelemetry(ctx, "AABBCC000001", body)).To(Succeed())

			var received amqp.Delivery
			Eventually(func() bool {
				select {
				case d := <-deliveries:
					if d.RoutingKey == "devices.AABBCC000001.data" {
						received = d
						return true
					}
					_ = d.Ack(false)
				default:
				}
				return false
			}, 10*time.Second).Should(BeTrue())

			Expect(received.Body).To(Equal(body))
			Expect(received.ContentType).To(Equal("application/json"))
			Expect(received.Ack(false)).To(Succeed())
		})

		It("should preserve per-device publish order", func() {
			deliveries, err := client.Consume(10)
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 5; i++ {
				body, merr := json.Marshal(map[string]any{"seq": i})
				Expect(merr).NotTo(HaveOccurred())
				Expect(client.PublishTelemetry(ctx, "AABBCC000002", body)).To(Succeed())
			}

			var seqs []float64
			Eventually(func() int {
				select {
				case d := <-deliveries:
					_ = d.Ack(false)
					if d.RoutingKey == "devices.AABBCC000002.data" {
						var payload map[string]any
						if err := json.Unmarshal(d.Body, &payload); err == nil {
							seqs = append(seqs, payload["seq"].(float64))
						}
					}
				default:
				}
				return len(seqs)
			}, 10*time.Second).Should(Equal(5))

			Expect(seqs).To(Equal([]float64{0, 1, 2, 3, 4}))
		})
	})

	Describe("command publishing", func() {
		It("should confirm command publishes", func() {
			body := []byte(`{"action":"reboot","command_id":"cmd_1748779200000_a1b2c3d4e5f6"}`)
			Expect(client.PublishCommand(ctx, "AABBCC000003", body)).To(Succeed())
		})

		It("should reject oversized payloads", func() {
			body := bytes.Repeat([]byte("x"), broker.MaxPayloadBytes+1)
			err := client.PublishCommand(ctx, "AABBCC000003", body)
			Expect(err).To(MatchError(broker.ErrPayloadTooLarge))
		})

		It("should accept concurrent confirmed publishes", func() {
			results := make(chan error, 20)
			for i := 0; i < 20; i++ {
				go func() {
					results <- client.PublishCommand(ctx, "AABBCC000004", []byte(`{"action":"ping"}`))
				}()
			}
			for i := 0; i < 20; i++ {
				Eventually(results, 10*time.Second).Should(Receive(BeNil()))
			}
		})
	})

	Describe("dead-letter queue", func() {
		It("should park unprocessable messages with their failure headers", func() {
			body := []byte(`{"broken":`)
			Expect(client.PublishDeadLetter(ctx, body, "parse_error", "devices.AABBCC000005.data")).To(Succeed())

			// Inspect the queue through a separate connection; the client
			// exposes no consumer for the dead-letter queue.
			conn, err := amqp.Dial(rabbitmqURL)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			ch, err := conn.Channel()
			Expect(err).NotTo(HaveOccurred())
			defer ch.Close()

			var delivery amqp.Delivery
			Eventually(func() bool {
				d, ok, err := ch.Get(broker.DeadLetterQueue, true)
				if err != nil || !ok {
					return false
				}
				delivery = d
				return true
			}, 10*time.Second).Should(BeTrue())

			Expect(delivery.Body).To(Equal(body))
			Expect(delivery.Headers["x-reason"]).To(Equal("parse_error"))
			Expect(delivery.Headers["x-topic"]).To(Equal("devices.AABBCC000005.data"))
		})
	})
})
