package wsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abeljaev/fandomat/internal/machine"
)

// Sentinel errors for the event bus protocol.
var (
	// ErrBadRegistration indicates the first frame of a connection was
	// not a valid role name. The connection is closed.
	ErrBadRegistration = errors.New("wsbus: invalid registration frame")

	// ErrMalformedCommand indicates an inbound management frame that is
	// not a JSON command object. The session continues.
	ErrMalformedCommand = errors.New("wsbus: malformed command message")

	// ErrUnknownCommand indicates a command outside the fixed vocabulary.
	ErrUnknownCommand = errors.New("wsbus: unknown command")
)

// Role tags a registered peer.
type Role string

const (
	// RoleVision is the classification worker.
	RoleVision Role = "vision"
	// RoleApp is a management/backend client.
	RoleApp Role = "app"
)

// parseRegistration validates the first text frame of a connection.
func parseRegistration(frame []byte) (Role, error) {
	switch string(frame) {
	case string(RoleVision):
		return RoleVision, nil
	case string(RoleApp):
		return RoleApp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadRegistration, frame)
	}
}

// envelope is the wire format of management-bound events.
type envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// marshalEvent serializes one coordinator event, stamping it.
func marshalEvent(ev machine.Event) ([]byte, error) {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}

	return json.Marshal(envelope{
		Event:     ev.Name,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// commandMsg is the inbound management command format. container_type is
// accepted as a param alias for backward compatibility with older
// backend clients.
type commandMsg struct {
	Command       string `json:"command"`
	Param         string `json:"param"`
	ContainerType string `json:"container_type"`
}

// parseCommand validates one inbound management frame against the fixed
// command vocabulary.
func parseCommand(raw []byte) (name, param string, err error) {
	var msg commandMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if msg.Command == "" {
		return "", "", fmt.Errorf("%w: missing command field", ErrMalformedCommand)
	}
	if !machine.KnownCommand(msg.Command) {
		return msg.Command, "", fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Command)
	}

	param = msg.Param
	if msg.ContainerType != "" {
		param = msg.ContainerType
	}

	return msg.Command, param, nil
}
