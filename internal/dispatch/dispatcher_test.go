package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-core/internal/dispatch"
	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/store"
	"procodus.dev/fleet-core/pkg/broker"
	"procodus.dev/fleet-core/pkg/broker/mock"
)

// commandIDPattern matches cmd_<unix millis>_<12 hex chars>.
var commandIDPattern = regexp.MustCompile(`^cmd_\d{13}_[0-9a-f]{12}$`)

// fakeCommandStore records command rows and state transitions in memory.
type fakeCommandStore struct {
	mu sync.Mutex

	commands  map[string]*store.Command
	createErr error
	updateErr error

	// onCreate lets tests rewrite the row to simulate a replayed command id.
	onCreate func(command *store.Command) (bool, error)

	stateWrites []stateWrite
}

type stateWrite struct {
	commandID string
	state     string
}

func newFakeCommandStore() *fakeCommandStore {
	return &fakeCommandStore{commands: make(map[string]*store.Command)}
}

func (f *fakeCommandStore) CreateCommandIfAbsent(_ context.Context, command *store.Command) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCreate != nil {
		return f.onCreate(command)
	}
	if f.createErr != nil {
		return false, f.createErr
	}
	if existing, ok := f.commands[command.CommandID]; ok {
		*command = *existing
		return false, nil
	}
	copied := *command
	f.commands[command.CommandID] = &copied
	return true, nil
}

func (f *fakeCommandStore) UpdateCommandState(_ context.Context, commandID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.stateWrites = append(f.stateWrites, stateWrite{commandID, state})
	if c, ok := f.commands[commandID]; ok {
		c.DeliveryState = state
	}
	return nil
}

func (f *fakeCommandStore) lastState(commandID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.commands[commandID]; ok {
		return c.DeliveryState
	}
	return ""
}

// fakeBroadcaster records broadcast events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (f *fakeBroadcaster) Broadcast(event fanout.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) acks() []fanout.CommandAckEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var acks []fanout.CommandAckEvent
	for _, e := range f.events {
		if ack, ok := e.(fanout.CommandAckEvent); ok {
			acks = append(acks, ack)
		}
	}
	return acks
}

var _ = Describe("Dispatcher", func() {
	var (
		logger *slog.Logger
		client *mock.MockClient
		st     *fakeCommandStore
		events *fakeBroadcaster
		ctx    context.Context
	)

	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newDispatcher := func(maxRetries int) *dispatch.Dispatcher {
		d, err := dispatch.New(&dispatch.Config{
			Logger:     logger,
			Broker:     client,
			Store:      st,
			Events:     events,
			MaxRetries: maxRetries,
			Now:        func() time.Time { return issuedAt },
		})
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		client = &mock.MockClient{}
		st = newFakeCommandStore()
		events = &fakeBroadcaster{}
		ctx = context.Background()
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			d, err := dispatch.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(d).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			d, err := dispatch.New(&dispatch.Config{Broker: client, Store: st})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(d).To(BeNil())
		})

		It("should return error when broker is nil", func() {
			d, err := dispatch.New(&dispatch.Config{Logger: logger, Store: st})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("broker"))
			Expect(d).To(BeNil())
		})

		It("should return error when store is nil", func() {
			d, err := dispatch.New(&dispatch.Config{Logger: logger, Broker: client})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("store"))
			Expect(d).To(BeNil())
		})
	})

	Describe("Dispatch", func() {
		It("should publish the command and record broker_acked", func() {
			d := newDispatcher(0)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", map[string]any{"delay_s": 5}, "operator")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CommandID).To(MatchRegexp(commandIDPattern.String()))
			Expect(result.DeliveryState).To(Equal(store.DeliveryBrokerAcked))

			Expect(client.NumPublishCommandCalls()).To(Equal(1))
			Expect(client.PublishCommandCalls[0].DeviceID).To(Equal("AABBCCDDEEFF"))
			Expect(st.lastState(result.CommandID)).To(Equal(store.DeliveryBrokerAcked))

			acks := events.acks()
			Expect(acks).To(HaveLen(1))
			Expect(acks[0].CommandID).To(Equal(result.CommandID))
			Expect(acks[0].DeliveryState).To(Equal(store.DeliveryBrokerAcked))
		})

		It("should embed the command envelope in the wire payload", func() {
			d := newDispatcher(0)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "set_config", map[string]any{"interval": 30}, "api")
			Expect(err).NotTo(HaveOccurred())

			var payload map[string]any
			Expect(json.Unmarshal(client.PublishCommandCalls[0].Body, &payload)).To(Succeed())
			Expect(payload["action"]).To(Equal("set_config"))
			Expect(payload["command_id"]).To(Equal(result.CommandID))
			Expect(payload["source"]).To(Equal("api"))
			Expect(payload["issued_at"]).To(Equal(issuedAt.Format(time.RFC3339Nano)))
			Expect(payload["parameters"]).To(HaveKeyWithValue("interval", float64(30)))
		})

		It("should generate unique command ids", func() {
			d := newDispatcher(0)

			seen := make(map[string]bool)
			for i := 0; i < 50; i++ {
				result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "ping", nil, "test")
				Expect(err).NotTo(HaveOccurred())
				Expect(seen[result.CommandID]).To(BeFalse())
				seen[result.CommandID] = true
			}
		})

		It("should record failed when the store rejects the command", func() {
			st.createErr = errors.New("connection refused")
			d := newDispatcher(0)

			_, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).To(HaveOccurred())
			Expect(client.NumPublishCommandCalls()).To(BeZero())
		})

		It("should not retry oversized payloads", func() {
			client.PublishCommandError = broker.ErrPayloadTooLarge
			d := newDispatcher(3)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).To(MatchError(broker.ErrPayloadTooLarge))
			Expect(result.DeliveryState).To(Equal(store.DeliveryFailed))
			Expect(client.NumPublishCommandCalls()).To(Equal(1))
			Expect(st.lastState(result.CommandID)).To(Equal(store.DeliveryFailed))
		})

		It("should not retry unclassified publish errors", func() {
			client.PublishCommandError = errors.New("channel exception")
			d := newDispatcher(3)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).To(HaveOccurred())
			Expect(result.DeliveryState).To(Equal(store.DeliveryFailed))
			Expect(client.NumPublishCommandCalls()).To(Equal(1))
		})

		It("should retry transient failures and succeed", func() {
			attempts := 0
			client.PublishCommandFunc = func(context.Context, string, []byte) error {
				attempts++
				if attempts == 1 {
					return broker.ErrNotConnected
				}
				return nil
			}
			d := newDispatcher(3)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DeliveryState).To(Equal(store.DeliveryBrokerAcked))
			Expect(attempts).To(Equal(2))
		})

		It("should record failed once retries are exhausted", func() {
			client.PublishCommandError = broker.ErrNotConnected
			d := newDispatcher(-1) // no retries

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).To(MatchError(broker.ErrNotConnected))
			Expect(result.DeliveryState).To(Equal(store.DeliveryFailed))
			Expect(client.NumPublishCommandCalls()).To(Equal(1))

			acks := events.acks()
			Expect(acks).To(HaveLen(1))
			Expect(acks[0].DeliveryState).To(Equal(store.DeliveryFailed))
		})

		It("should stop retrying when the context is canceled", func() {
			client.PublishCommandError = broker.ErrConfirmTimeout
			d := newDispatcher(3)

			cancelCtx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()

			start := time.Now()
			result, err := d.Dispatch(cancelCtx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).To(HaveOccurred())
			Expect(result.DeliveryState).To(Equal(store.DeliveryFailed))
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("should treat a replayed terminal command id as a no-op", func() {
			st.onCreate = func(command *store.Command) (bool, error) {
				command.DeliveryState = store.DeliveryBrokerAcked
				return false, nil
			}
			d := newDispatcher(0)

			result, err := d.Dispatch(ctx, "AABBCCDDEEFF", "reboot", nil, "operator")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.DeliveryState).To(Equal(store.DeliveryBrokerAcked))
			Expect(client.NumPublishCommandCalls()).To(BeZero())
			Expect(events.acks()).To(BeEmpty())
		})

		It("should default nil parameters to an empty object", func() {
			d := newDispatcher(0)

			_, err := d.Dispatch(ctx, "AABBCCDDEEFF", "ping", nil, "test")
			Expect(err).NotTo(HaveOccurred())

			var payload map[string]any
			Expect(json.Unmarshal(client.PublishCommandCalls[0].Body, &payload)).To(Succeed())
			Expect(payload["parameters"]).To(Equal(map[string]any{}))
		})
	})
})
