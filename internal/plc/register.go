// Package plc implements the field device channel: a typed view over the
// device's command and status registers, Modbus RTU transactions over a
// serial line, and the fixed-cadence status poller.
package plc

import "fmt"

// Status register bit assignments (low byte of the status holding register).
const (
	bitGateCrossed      = 0
	bitCarriageAtLeft   = 1
	bitCarriageAtCenter = 2
	bitCarriageAtRight  = 3
	bitBankPresent      = 6
	bitBottlePresent    = 7
)

// Signal names a boolean derived from one status-register bit.
type Signal string

const (
	SignalGateCrossed      Signal = "gate_crossed"
	SignalCarriageAtLeft   Signal = "carriage_at_left"
	SignalCarriageAtCenter Signal = "carriage_at_center"
	SignalCarriageAtRight  Signal = "carriage_at_right"
	SignalBankPresent      Signal = "bank_present"
	SignalBottlePresent    Signal = "bottle_present"
)

var statusBits = map[int]Signal{
	bitGateCrossed:      SignalGateCrossed,
	bitCarriageAtLeft:   SignalCarriageAtLeft,
	bitCarriageAtCenter: SignalCarriageAtCenter,
	bitCarriageAtRight:  SignalCarriageAtRight,
	bitBankPresent:      SignalBankPresent,
	bitBottlePresent:    SignalBottlePresent,
}

// SignalAtBit maps a status-register bit index to its signal name.
// An index with no assigned signal fails with ErrProtocol.
func SignalAtBit(bit int) (Signal, error) {
	sig, ok := statusBits[bit]
	if !ok {
		return "", fmt.Errorf("%w: no signal at status bit %d", ErrProtocol, bit)
	}
	return sig, nil
}

// Signals is the decoded, read-only view of the status register.
type Signals struct {
	GateCrossed      bool
	CarriageAtLeft   bool
	CarriageAtCenter bool
	CarriageAtRight  bool
	BankPresent      bool
	BottlePresent    bool
}

// DecodeStatus decodes a raw status register value into named signals.
//
// The device defines the status model over the low byte only; a non-zero
// high byte is a malformed register value and fails with ErrProtocol.
func DecodeStatus(raw uint16) (Signals, error) {
	if raw > 0xFF {
		return Signals{}, fmt.Errorf("%w: status register value %#04x exceeds one byte", ErrProtocol, raw)
	}

	b := byte(raw)

	return Signals{
		GateCrossed:      b&(1<<bitGateCrossed) != 0,
		CarriageAtLeft:   b&(1<<bitCarriageAtLeft) != 0,
		CarriageAtCenter: b&(1<<bitCarriageAtCenter) != 0,
		CarriageAtRight:  b&(1<<bitCarriageAtRight) != 0,
		BankPresent:      b&(1<<bitBankPresent) != 0,
		BottlePresent:    b&(1<<bitBottlePresent) != 0,
	}, nil
}

// Encode packs the signal set back into a status byte. It is the inverse
// of DecodeStatus for the defined bits and exists mainly for tests and
// simulators.
func (s Signals) Encode() byte {
	var b byte
	if s.GateCrossed {
		b |= 1 << bitGateCrossed
	}
	if s.CarriageAtLeft {
		b |= 1 << bitCarriageAtLeft
	}
	if s.CarriageAtCenter {
		b |= 1 << bitCarriageAtCenter
	}
	if s.CarriageAtRight {
		b |= 1 << bitCarriageAtRight
	}
	if s.BankPresent {
		b |= 1 << bitBankPresent
	}
	if s.BottlePresent {
		b |= 1 << bitBottlePresent
	}
	return b
}

// ContainerPresent reports whether either receiver sensor sees a container.
func (s Signals) ContainerPresent() bool {
	return s.BottlePresent || s.BankPresent
}

// Transition is an edge on one signal observed between two consecutive polls.
type Transition struct {
	Signal Signal
	Rising bool
}

// Diff returns the transitions from prev to s, in status bit order.
func (s Signals) Diff(prev Signals) []Transition {
	var out []Transition

	cmp := func(sig Signal, was, now bool) {
		if was != now {
			out = append(out, Transition{Signal: sig, Rising: now})
		}
	}

	cmp(SignalGateCrossed, prev.GateCrossed, s.GateCrossed)
	cmp(SignalCarriageAtLeft, prev.CarriageAtLeft, s.CarriageAtLeft)
	cmp(SignalCarriageAtCenter, prev.CarriageAtCenter, s.CarriageAtCenter)
	cmp(SignalCarriageAtRight, prev.CarriageAtRight, s.CarriageAtRight)
	cmp(SignalBankPresent, prev.BankPresent, s.BankPresent)
	cmp(SignalBottlePresent, prev.BottlePresent, s.BottlePresent)

	return out
}

// CommandBit is one writable bit mask in the command register.
type CommandBit byte

// Command register bit assignments (low byte of the command holding register).
const (
	CmdResetCanCounter    CommandBit = 1 << 2
	CmdResetPetCounter    CommandBit = 1 << 3
	CmdForceCarriageLeft  CommandBit = 1 << 4
	CmdForceCarriageRight CommandBit = 1 << 5
	CmdRequestSortCan     CommandBit = 1 << 6
	CmdRequestSortBottle  CommandBit = 1 << 7
)

const (
	sortRequestMask = byte(CmdRequestSortCan | CmdRequestSortBottle)

	commandMask = byte(CmdResetCanCounter | CmdResetPetCounter |
		CmdForceCarriageLeft | CmdForceCarriageRight |
		CmdRequestSortCan | CmdRequestSortBottle)
)

// String returns the command bit name.
func (b CommandBit) String() string {
	switch b {
	case CmdResetCanCounter:
		return "reset_can_counter"
	case CmdResetPetCounter:
		return "reset_pet_counter"
	case CmdForceCarriageLeft:
		return "force_carriage_left"
	case CmdForceCarriageRight:
		return "force_carriage_right"
	case CmdRequestSortCan:
		return "request_sort_can"
	case CmdRequestSortBottle:
		return "request_sort_bottle"
	default:
		return "unknown"
	}
}

// Command is a partial update of the command register: bits named by Set
// are written to the requested value, every other bit keeps its last
// known value when the command is applied to a base register byte.
type Command struct {
	mask  byte
	value byte
}

// Set marks one command bit for update.
func (c *Command) Set(bit CommandBit, on bool) *Command {
	c.mask |= byte(bit)
	if on {
		c.value |= byte(bit)
	} else {
		c.value &^= byte(bit)
	}
	return c
}

// Bits returns the asserted defined bits of the command's own value.
func (c Command) Bits() []CommandBit {
	return DecodeCommand(c.value & c.mask)
}

// Encode applies the command to the base register value.
//
// The result must not assert more than one sort-request bit; such a
// command fails with ErrSortConflict before anything reaches the wire.
func (c Command) Encode(base byte) (byte, error) {
	b := (base &^ c.mask) | (c.value & c.mask)

	if sort := b & sortRequestMask; sort != 0 && sort != byte(CmdRequestSortCan) && sort != byte(CmdRequestSortBottle) {
		return 0, fmt.Errorf("%w: encoded value %#02x", ErrSortConflict, b)
	}

	return b, nil
}

// DecodeCommand returns the defined command bits asserted in b, in bit order.
func DecodeCommand(b byte) []CommandBit {
	all := []CommandBit{
		CmdResetCanCounter, CmdResetPetCounter,
		CmdForceCarriageLeft, CmdForceCarriageRight,
		CmdRequestSortCan, CmdRequestSortBottle,
	}

	var out []CommandBit
	for _, bit := range all {
		if b&byte(bit) != 0 {
			out = append(out, bit)
		}
	}
	return out
}
