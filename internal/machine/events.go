package machine

// Lifecycle event names broadcast to management peers.
const (
	EventContainerDetected   = "container_detected"
	EventContainerRecognized = "container_recognized"
	EventContainerAccepted   = "container_accepted"
	EventContainerDumped     = "container_dumped"
	EventHardwareError       = "hardware_error"
	EventDeviceInfo          = "device_info"
	EventPhotoReady          = "photo_ready"
	EventReceiverEmpty       = "receiver_empty"
	EventReceiverNotEmpty    = "receiver_not_empty"
	EventCommandError        = "command_error"
	EventUnloadedAck         = "container_unloaded_ack"
	EventRestoreAck          = "restore_device_ack"
	EventClearRegisterAck    = "full_clear_register_ack"
)

// Stable hardware error codes carried by hardware_error events.
const (
	ErrCodeVisionTimeout        = "vision_timeout"
	ErrCodeWorkerUnavailable    = "worker_unavailable"
	ErrCodeCarriageLeftTimeout  = "carriage_left_timeout"
	ErrCodeCarriageRightTimeout = "carriage_right_timeout"
	ErrCodeDeviceIO             = "device_io_error"
	ErrCodeCommandWriteFailed   = "command_write_failed"
)

// Event is one coordinator-originated lifecycle event.
type Event struct {
	Name string
	Data map[string]any
}

// EventSink receives coordinator events for fan-out to management peers.
// Delivery is best-effort; a disconnected peer simply misses events.
type EventSink interface {
	Publish(ev Event)
}

// Container type strings used in event payloads and command params.
const (
	ContainerPlastic   = "plastic"
	ContainerAluminum  = "aluminum"
	ContainerAluminium = "aluminium" // accepted command-param spelling
	ContainerUnknown   = "unknown"
)

func hardwareError(code, message string) Event {
	return Event{
		Name: EventHardwareError,
		Data: map[string]any{"error_code": code, "message": message},
	}
}

func commandError(command, reason string) Event {
	return Event{
		Name: EventCommandError,
		Data: map[string]any{"command": command, "error": reason},
	}
}
