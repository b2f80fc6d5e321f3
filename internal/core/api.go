package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"procodus.dev/fleet-core/internal/dispatch"
	"procodus.dev/fleet-core/internal/fanout"
	"procodus.dev/fleet-core/internal/registry"
	"procodus.dev/fleet-core/pkg/broker"
)

// Caller-visible error classes. The REST façade maps these onto its own
// response codes.
var (
	// ErrUnknownDevice is returned when a command targets an unregistered
	// device id.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDeliveryUnavailable wraps broker failures: the broker could not be
	// reached or did not confirm in time after retries.
	ErrDeliveryUnavailable = errors.New("delivery unavailable")

	// ErrBadRequest wraps invalid caller input such as oversized payloads.
	ErrBadRequest = errors.New("bad request")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ListDevices returns summaries of all known devices.
func (s *Server) ListDevices() []registry.DeviceState {
	return s.registry.List()
}

// GetDevice returns the state of one device.
func (s *Server) GetDevice(deviceID string) (registry.DeviceState, error) {
	state, ok := s.registry.Get(deviceID)
	if !ok {
		return registry.DeviceState{}, registry.ErrDeviceNotFound
	}
	return state, nil
}

// DispatchCommand validates the target device and dispatches the command.
// Caller-visible failures collapse to three outcomes: success (the broker
// accepted the command), ErrDeliveryUnavailable, or ErrBadRequest.
func (s *Server) DispatchCommand(ctx context.Context, deviceID, action string, parameters map[string]any, source string) (dispatch.Result, error) {
	if _, ok := s.registry.Get(deviceID); !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	result, err := s.dispatcher.Dispatch(ctx, deviceID, action, parameters, source)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrPayloadTooLarge):
			return result, fmt.Errorf("%w: %s", ErrBadRequest, err)
		case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrConfirmTimeout):
			return result, fmt.Errorf("%w: %s", ErrDeliveryUnavailable, err)
		default:
			return result, err
		}
	}
	return result, nil
}

// SubscribeEvents upgrades the request to a websocket push channel and
// registers it with the hub. The hello event carries the current device
// list so clients skip a bootstrap round trip.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub, err := s.hub.Subscribe(conn, s.registry.Summaries())
	if err != nil {
		if errors.Is(err, fanout.ErrCapacityExceeded) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity exceeded"))
		}
		_ = conn.Close()
		s.logger.Error("subscription rejected", "error", err)
		return
	}

	s.logger.Info("push channel subscribed",
		"subscriber_id", sub.ID(),
		"remote_addr", r.RemoteAddr,
	)
}
