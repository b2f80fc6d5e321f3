package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// messageKind distinguishes the device topics bound to the ingest queue.
type messageKind int

const (
	kindData messageKind = iota
	kindLastWill
)

// deviceIDPattern is the canonical device identifier: the hex-encoded MAC
// address, 12 uppercase hex characters, no separators.
var deviceIDPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// parseTopic extracts the device id and message kind from an AMQP routing
// key bridged from the MQTT topics devices/<id>/data and devices/<id>/last.
func parseTopic(routingKey string) (deviceID string, kind messageKind, err error) {
	parts := strings.Split(routingKey, ".")
	if len(parts) != 3 || parts[0] != "devices" {
		return "", 0, fmt.Errorf("malformed topic %q", routingKey)
	}

	deviceID = parts[1]
	if !deviceIDPattern.MatchString(deviceID) {
		return "", 0, fmt.Errorf("malformed device id in topic %q", routingKey)
	}

	switch parts[2] {
	case "data":
		return deviceID, kindData, nil
	case "last":
		return deviceID, kindLastWill, nil
	default:
		return "", 0, fmt.Errorf("unrecognized topic suffix in %q", routingKey)
	}
}
