package router

import (
	"strings"

	"github.com/agrimesh/fieldgate/errors"
)

// Device message types carried on devices.{id}.{type} subjects.
const (
	TypeData     = "data"
	TypeStatus   = "status"
	TypeRegister = "register"
	TypeCommands = "commands"
	TypeConfig   = "config"
	TypeAck      = "ack"
)

// Subject namespaces.
const (
	NamespaceDevices = "devices"
	NamespaceGateway = "gateway"
	NamespaceAlerts  = "alerts"
)

// Address is a parsed inbound subject. DeviceID is empty outside the
// devices namespace; for alerts, MessageType carries the alert type.
type Address struct {
	Namespace   string
	DeviceID    string
	MessageType string
}

// ParseSubject splits a subject into its address. Unknown shapes fail
// with an invalid-topic error; callers log and drop.
func ParseSubject(subject string) (Address, error) {
	parts := strings.Split(subject, ".")

	switch {
	case len(parts) == 3 && parts[0] == NamespaceDevices:
		if parts[1] == "" || !validDeviceType(parts[2]) {
			break
		}
		return Address{
			Namespace:   NamespaceDevices,
			DeviceID:    parts[1],
			MessageType: parts[2],
		}, nil

	case len(parts) == 2 && parts[0] == NamespaceGateway:
		if parts[1] != TypeCommands && parts[1] != TypeStatus {
			break
		}
		return Address{Namespace: NamespaceGateway, MessageType: parts[1]}, nil

	case len(parts) == 2 && parts[0] == NamespaceAlerts:
		if parts[1] == "" {
			break
		}
		return Address{Namespace: NamespaceAlerts, MessageType: parts[1]}, nil
	}

	return Address{}, errors.WrapInvalid(errors.ErrInvalidTopic, "router", "ParseSubject", subject)
}

func validDeviceType(t string) bool {
	switch t {
	case TypeData, TypeStatus, TypeRegister, TypeCommands, TypeConfig, TypeAck:
		return true
	}
	return false
}

// DeviceSubject builds a devices.{id}.{type} subject.
func DeviceSubject(deviceID, messageType string) string {
	return NamespaceDevices + "." + deviceID + "." + messageType
}
