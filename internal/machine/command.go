package machine

// Management command vocabulary.
const (
	CmdGetDeviceInfo     = "get_device_info"
	CmdGetPhoto          = "get_photo"
	CmdDumpContainer     = "dump_container"
	CmdContainerUnloaded = "container_unloaded"
	CmdRestoreDevice     = "cmd_restore_device"
	CmdFullClearRegister = "cmd_full_clear_register"
)

// KnownCommand reports whether name belongs to the fixed command vocabulary.
func KnownCommand(name string) bool {
	switch name {
	case CmdGetDeviceInfo, CmdGetPhoto, CmdDumpContainer,
		CmdContainerUnloaded, CmdRestoreDevice, CmdFullClearRegister:
		return true
	default:
		return false
	}
}

// Command is one inbound management command, already validated against
// the vocabulary by the event bus.
type Command struct {
	Name  string
	Param string

	// Reply, when non-nil, delivers an event to the issuing peer only.
	// Lifecycle events always go through the broadcast sink regardless.
	Reply func(Event)
}

// reply answers the issuing peer when possible, falling back to broadcast.
func (c Command) reply(sink EventSink, ev Event) {
	if c.Reply != nil {
		c.Reply(ev)
		return
	}
	sink.Publish(ev)
}
