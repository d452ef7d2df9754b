package plc

import (
	"errors"
	"fmt"

	"github.com/abeljaev/fandomat/logger"
)

// DefaultMaxReadFailures is the number of consecutive failed status reads
// tolerated before a fault update is published.
const DefaultMaxReadFailures = 3

// StatusReader reads the raw status register byte.
type StatusReader interface {
	ReadStatus() (byte, error)
}

// Update is one poll result handed to the coordinator.
//
// When Fault is false, Signals carries the full current snapshot and
// Transitions the edges observed since the previous successful poll.
// When Fault is true, the device has failed Failures consecutive reads
// and Err holds the last failure.
type Update struct {
	Signals     Signals
	Transitions []Transition

	Fault    bool
	Err      error
	Failures int
}

// Poller reads the status register at a fixed cadence, performs edge
// detection against the previous snapshot and publishes the result on a
// latest-value-wins channel. It never blocks on its consumer and never
// queues more than the most recent update.
type Poller struct {
	dev         StatusReader
	logger      logger.Logger
	maxFailures int

	out chan Update

	prev      Signals
	primed    bool
	failures  int
	faultSent bool
}

// NewPoller creates a poller over the given status reader. maxFailures
// is the consecutive-failure escalation bound; values below one fall
// back to DefaultMaxReadFailures.
func NewPoller(dev StatusReader, maxFailures int, l logger.Logger) *Poller {
	if maxFailures < 1 {
		maxFailures = DefaultMaxReadFailures
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &Poller{
		dev:         dev,
		logger:      l.With("component", "poller"),
		maxFailures: maxFailures,
		out:         make(chan Update, 1),
	}
}

// Updates returns the channel the poller publishes on. At most one update
// is pending; an unconsumed update is replaced by the next one.
func (p *Poller) Updates() <-chan Update {
	return p.out
}

// Tick performs one poll cycle. The caller owns the schedule; the task
// manager drives it at the configured interval.
func (p *Poller) Tick() {
	raw, err := p.dev.ReadStatus()
	if err != nil {
		p.handleFailure(err)
		return
	}

	signals, err := DecodeStatus(uint16(raw))
	if err != nil {
		p.handleFailure(err)
		return
	}

	if p.failures > 0 {
		p.logger.Info("device recovered", "after_failures", p.failures)
	}
	p.failures = 0
	p.faultSent = false

	var transitions []Transition
	if p.primed {
		transitions = signals.Diff(p.prev)
	}
	p.prev = signals
	p.primed = true

	p.publish(Update{Signals: signals, Transitions: transitions})
}

func (p *Poller) handleFailure(err error) {
	p.failures++
	p.logger.Warn("status read failed", "failures", p.failures, "error", err)

	if p.failures < p.maxFailures || p.faultSent {
		return
	}

	// One fault per episode; the counter resets on the next success.
	p.faultSent = true
	p.publish(Update{
		Fault:    true,
		Err:      fmt.Errorf("device unreachable after %d consecutive failures: %w", p.failures, err),
		Failures: p.failures,
	})
}

// publish replaces any pending update so the consumer always sees the
// latest snapshot, never a backlog.
func (p *Poller) publish(u Update) {
	for {
		select {
		case p.out <- u:
			return
		default:
			select {
			case stale := <-p.out:
				if stale.Fault && !u.Fault {
					// Never let a snapshot overwrite an unconsumed fault.
					u = stale
				}
			default:
			}
		}
	}
}

// IsFault reports whether err belongs to the device I/O failure class.
func IsFault(err error) bool {
	return errors.Is(err, ErrDeviceIO) || errors.Is(err, ErrProtocol)
}
