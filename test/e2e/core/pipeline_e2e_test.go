package core_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-core/internal/dispatch"
	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/ingest"
	"procodus.dev/fleet-core/internal/registry"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/broker"
)

// eventRecorder collects fan-out events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (r *eventRecorder) Broadcast(event fanout.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) typesFor(deviceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []string
	for _, e := range r.events {
		switch ev := e.(type) {
		case fanout.DeviceRegisteredEvent:
			if ev.DeviceID == deviceID {
				types = append(types, e.EventType())
			}
		case fanout.TelemetryEvent:
			if ev.DeviceID == deviceID {
				types = append(types, e.EventType())
			}
		case fanout.StatusChangeEvent:
			if ev.DeviceID == deviceID {
				types = append(types, e.EventType())
			}
		case fanout.CommandAckEvent:
			if ev.DeviceID == deviceID {
				types = append(types, e.EventType())
			}
		}
	}
	return types
}

var _ = Describe("Ingest Pipeline E2E", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		events   *eventRecorder
		reg      *registry.Registry
		worker   *ingest.Worker
		consumer *broker.Client
		sweepEnd chan struct{}
	)

	// Each test gets its own consuming client so no consumer from a finished
	// test is still attached to the shared queue.
	startPipeline := func(offlineThreshold, sweepInterval time.Duration) {
		var err error
		events = &eventRecorder{}

		consumer, err = broker.New(&broker.Config{
			Logger:         testLogger,
			Address:        brokerHost,
			Port:           brokerPort,
			Username:       brokerUser,
			Password:       brokerPassword,
			PublishTimeout: 5 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
		defer waitCancel()
		Expect(consumer.WaitReady(waitCtx)).To(Succeed())

		reg, err = registry.New(&registry.Config{
			Logger:           testLogger,
			Store:            st,
			Events:           events,
			OfflineThreshold: offlineThreshold,
			SweepInterval:    sweepInterval,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Load(ctx)).To(Succeed())

		sweepEnd = make(chan struct{})
		go func() {
			reg.Run(ctx)
			close(sweepEnd)
		}()

		worker, err = ingest.NewWorker(&ingest.Config{
			Logger:   testLogger,
			Broker:   consumer,
			Registry: reg,
			Store:    st,
			Events:   events,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(worker.Start(ctx)).To(Succeed())
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		<-sweepEnd
		if consumer != nil {
			_ = consumer.Close()
		}
	})

	It("should auto-register a device from its first message and persist the telemetry", func() {
		startPipeline(15*time.Second, 5*time.Second)

		body := []byte(`{"temperature":21.5,"timestamp":1748779200}`)
		Expect(brokerClient.PublishTelemetry(ctx, "E2EAAB0001AA", body)).NotTo(HaveOccurred())

		// Wait for the full path: register, persist, touch, announce.
		Eventually(func() []string {
			return events.typesFor("E2EAAB0001AA")
		}, 15*time.Second).Should(ContainElement("telemetry"))

		device, err := st.GetDevice(ctx, "E2EAAB0001AA")
		Expect(err).NotTo(HaveOccurred())
		Expect(device.Status).To(Equal(store.StatusOnline))
		Expect(device.DisplayName).To(Equal("Device E2EAAB0001AA"))
		Expect(device.LastSeenAt).NotTo(BeNil())

		var count int64
		Expect(db.Model(&store.TelemetryRecord{}).
			Where("device_id = ?", "E2EAAB0001AA").
			Count(&count).Error).To(Succeed())
		Expect(count).To(BeNumerically(">=", 1))

		// Registration precedes the telemetry announcement.
		types := events.typesFor("E2EAAB0001AA")
		Expect(types[0]).To(Equal("device_registered"))
	})

	It("should sweep a silent device offline and bring it back on its next message", func() {
		startPipeline(2*time.Second, 500*time.Millisecond)

		Expect(brokerClient.PublishTelemetry(ctx, "E2EAAB0002BB", []byte(`{}`))).NotTo(HaveOccurred())

		Eventually(func() store.Status {
			state, _ := reg.Get("E2EAAB0002BB")
			return state.Status
		}, 15*time.Second).Should(Equal(store.StatusOnline))

		// Silence beyond the threshold demotes it, in memory and at rest.
		Eventually(func() store.Status {
			state, _ := reg.Get("E2EAAB0002BB")
			return state.Status
		}, 15*time.Second).Should(Equal(store.StatusOffline))

		device, err := st.GetDevice(ctx, "E2EAAB0002BB")
		Expect(err).NotTo(HaveOccurred())
		Expect(device.Status).To(Equal(store.StatusOffline))

		// The next message flips it back online.
		Expect(brokerClient.PublishTelemetry(ctx, "E2EAAB0002BB", []byte(`{}`))).NotTo(HaveOccurred())
		Eventually(func() store.Status {
			state, _ := reg.Get("E2EAAB0002BB")
			return state.Status
		}, 15*time.Second).Should(Equal(store.StatusOnline))

		Expect(events.typesFor("E2EAAB0002BB")).To(ContainElement("status_change"))
	})

	It("should dead-letter poison payloads without stalling the pipeline", func() {
		startPipeline(15*time.Second, 5*time.Second)

		Expect(brokerClient.PublishTelemetry(ctx, "E2EAAB0003CC", []byte(`{"broken":`))).NotTo(HaveOccurred())
		Expect(brokerClient.PublishTelemetry(ctx, "E2EAAB0003CC", []byte(`{"temperature":20}`))).NotTo(HaveOccurred())

		// The well-formed message lands despite its poison predecessor.
		Eventually(func() []string {
			return events.typesFor("E2EAAB0003CC")
		}, 15*time.Second).Should(ContainElement("telemetry"))

		var count int64
		Expect(db.Model(&store.TelemetryRecord{}).
			Where("device_id = ?", "E2EAAB0003CC").
			Count(&count).Error).To(Succeed())
		Expect(count).To(Equal(int64(1)))
	})
})

var _ = Describe("Command Dispatch E2E", func() {
	var (
		ctx    context.Context
		events *eventRecorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		events = &eventRecorder{}
	})

	It("should persist a dispatched command as broker_acked", func() {
		dispatcher, err := dispatch.New(&dispatch.Config{
			Logger: testLogger,
			Broker: brokerClient,
			Store:  st,
			Events: events,
		})
		Expect(err).NotTo(HaveOccurred())

		result, err := dispatcher.Dispatch(ctx, "E2EAAB0004DD", "reboot", map[string]any{"delay_s": 5}, "e2e")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DeliveryState).To(Equal(store.DeliveryBrokerAcked))

		var command store.Command
		Expect(db.Where("command_id = ?", result.CommandID).First(&command).Error).To(Succeed())
		Expect(command.DeviceID).To(Equal("E2EAAB0004DD"))
		Expect(command.Action).To(Equal("reboot"))
		Expect(command.DeliveryState).To(Equal(store.DeliveryBrokerAcked))

		Expect(events.typesFor("E2EAAB0004DD")).To(Equal([]string{"command_ack"}))
	})
})
