package machine

import (
	"context"
	"time"

	"github.com/abeljaev/fandomat/internal/plc"
	"github.com/abeljaev/fandomat/internal/pool"
	"github.com/abeljaev/fandomat/internal/vision"
	"github.com/abeljaev/fandomat/logger"
)

// Default state timeouts.
const (
	DefaultClassificationTimeout = 2 * time.Second
	DefaultDumpTimeout           = 3 * time.Second
)

// Detection priority values for simultaneous bottle/bank assertion.
const (
	PriorityBottle = "bottle"
	PriorityBank   = "bank"
)

// DeviceChannel is the coordinator's view of the field device channel.
type DeviceChannel interface {
	WriteCommand(cmd plc.Command) error
	ClearCommand() error
	ReadCounters() (plc.Counters, error)
}

// ClassifierGateway is the coordinator's view of the vision gateway.
type ClassifierGateway interface {
	RequestClassification(gen uint64) error
	Results() <-chan vision.Result
	RequestPhoto(ctx context.Context) (string, error)
}

// Config carries the coordinator's tunables.
type Config struct {
	ClassificationTimeout time.Duration
	DumpTimeout           time.Duration

	// DetectPriority decides which container type wins when both presence
	// signals assert before the gate edge is processed: PriorityBottle or
	// PriorityBank. The physical design suggests the sensors are mutually
	// exclusive; the priority is configurable rather than assumed.
	DetectPriority string
}

func (cfg Config) withDefaults() Config {
	if cfg.ClassificationTimeout <= 0 {
		cfg.ClassificationTimeout = DefaultClassificationTimeout
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = DefaultDumpTimeout
	}
	if cfg.DetectPriority != PriorityBank {
		cfg.DetectPriority = PriorityBottle
	}
	return cfg
}

// Coordinator is a single-goroutine actor: state, counters and timers are
// touched only while processing one trigger at a time inside Run. The
// exported mutating surface is the Commands channel.
type Coordinator struct {
	cfg    Config
	logger logger.Logger

	dev     DeviceChannel
	gw      ClassifierGateway
	sink    EventSink
	updates <-chan plc.Update
	cmds    chan Command

	ctx context.Context

	state  State
	gen    uint64
	timer  *time.Timer
	timerC <-chan time.Time

	petCount uint64
	canCount uint64

	prevPresent bool
}

// New creates a coordinator consuming poll updates from updates and
// publishing lifecycle events to sink.
func New(cfg Config, dev DeviceChannel, gw ClassifierGateway, sink EventSink, updates <-chan plc.Update, l logger.Logger) *Coordinator {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Coordinator{
		cfg:     cfg.withDefaults(),
		logger:  l.With("component", "coordinator"),
		dev:     dev,
		gw:      gw,
		sink:    sink,
		updates: updates,
		cmds:    make(chan Command, 16),
		state:   StateIdle,
	}
}

// Commands returns the coordinator's single input channel for management
// commands. All peer-originated messages are serialized through it.
func (c *Coordinator) Commands() chan<- Command {
	return c.cmds
}

// SetSink installs the event sink. The sink consumes coordinator commands
// while the coordinator publishes to the sink, so one of the two has to be
// attached after construction; it must happen before Run.
func (c *Coordinator) SetSink(sink EventSink) {
	c.sink = sink
}

// State returns the current machine state. Safe only from the coordinator
// goroutine or from tests driving the handlers synchronously.
func (c *Coordinator) State() State {
	return c.state
}

// Counters returns the accepted-container counters.
func (c *Coordinator) Counters() (pet, can uint64) {
	return c.petCount, c.canCount
}

// Run processes triggers until ctx is canceled. It must be started
// exactly once.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx = ctx
	defer c.stopTimer()

	c.logger.Info("coordinator started", "state", c.state.String())

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return
		case u := <-c.updates:
			c.handleUpdate(u)
		case r := <-c.gw.Results():
			c.handleResult(r)
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case <-c.timerC:
			c.handleTimeout()
		}
	}
}

// --- trigger handlers ---

func (c *Coordinator) handleUpdate(u plc.Update) {
	if u.Fault {
		c.handleDeviceFault(u)
		return
	}

	c.trackReceiver(u.Signals)

	switch c.state {
	case StateIdle:
		if gateFell(u.Transitions) && u.Signals.ContainerPresent() {
			c.beginDetection(u.Signals)
		}
	case StateDumpingPlastic:
		if u.Signals.CarriageAtLeft {
			c.completeDump(vision.LabelPET)
		}
	case StateDumpingAluminum:
		if u.Signals.CarriageAtRight {
			c.completeDump(vision.LabelCAN)
		}
	}
}

func gateFell(transitions []plc.Transition) bool {
	for _, tr := range transitions {
		if tr.Signal == plc.SignalGateCrossed && !tr.Rising {
			return true
		}
	}
	return false
}

// trackReceiver emits receiver_not_empty/receiver_empty on presence edges.
func (c *Coordinator) trackReceiver(s plc.Signals) {
	present := s.ContainerPresent()
	if present == c.prevPresent {
		return
	}
	c.prevPresent = present

	if present {
		c.sink.Publish(Event{
			Name: EventReceiverNotEmpty,
			Data: map[string]any{
				"bottle_present": s.BottlePresent,
				"bank_present":   s.BankPresent,
			},
		})
	} else {
		c.sink.Publish(Event{Name: EventReceiverEmpty, Data: map[string]any{}})
	}
}

// beginDetection reacts to a gate high-to-low edge with a container in
// the receiver: management peers observe detection first, then the
// classification request goes out.
func (c *Coordinator) beginDetection(s plc.Signals) {
	plcType := ContainerUnknown
	if c.cfg.DetectPriority == PriorityBank {
		switch {
		case s.BankPresent:
			plcType = ContainerAluminum
		case s.BottlePresent:
			plcType = ContainerPlastic
		}
	} else {
		switch {
		case s.BottlePresent:
			plcType = ContainerPlastic
		case s.BankPresent:
			plcType = ContainerAluminum
		}
	}
	c.sink.Publish(Event{
		Name: EventContainerDetected,
		Data: map[string]any{"plc_type": plcType},
	})

	c.transition(StateWaitingClassification, c.cfg.ClassificationTimeout)

	if err := c.gw.RequestClassification(c.gen); err != nil {
		c.logger.Error("classification request failed", "error", err)
		c.toError(ErrCodeWorkerUnavailable, "no classification worker registered")
	}
}

func (c *Coordinator) handleResult(r vision.Result) {
	if c.state != StateWaitingClassification || r.Gen != c.gen {
		// Stale: the request's state is gone, a timer already fired, or
		// a newer detection superseded it.
		c.logger.Warn("stale classification result discarded",
			"gen", r.Gen, "cur_gen", c.gen, "state", c.state.String())
		return
	}

	c.logger.Info("classification result", "label", string(r.Label))

	switch r.Label {
	case vision.LabelPET:
		c.startSort(plc.CmdRequestSortBottle, StateDumpingPlastic, "PET")
	case vision.LabelCAN:
		c.startSort(plc.CmdRequestSortCan, StateDumpingAluminum, "CAN")
	default:
		// Foreign or unrecognized container: release and go idle.
		cmd := new(plc.Command).
			Set(plc.CmdRequestSortBottle, false).
			Set(plc.CmdRequestSortCan, false)
		if err := c.dev.WriteCommand(*cmd); err != nil {
			c.writeFailureInTimedState(err)
			return
		}
		c.transition(StateIdle, 0)
		c.sink.Publish(Event{
			Name: EventContainerRecognized,
			Data: map[string]any{"type": "NONE", "confidence": 0.0},
		})
	}
}

// startSort asserts exactly one sort-request bit and enters the matching
// dump state.
func (c *Coordinator) startSort(bit plc.CommandBit, to State, label string) {
	other := plc.CmdRequestSortCan
	if bit == plc.CmdRequestSortCan {
		other = plc.CmdRequestSortBottle
	}

	cmd := new(plc.Command).Set(bit, true).Set(other, false)
	if err := c.dev.WriteCommand(*cmd); err != nil {
		c.writeFailureInTimedState(err)
		return
	}

	c.transition(to, c.cfg.DumpTimeout)
	c.sink.Publish(Event{
		Name: EventContainerRecognized,
		Data: map[string]any{"type": label, "confidence": 1.0},
	})
}

// completeDump finishes a dump once the carriage sensor confirmed arrival.
func (c *Coordinator) completeDump(label vision.Label) {
	if err := c.dev.ClearCommand(); err != nil {
		c.writeFailureInTimedState(err)
		return
	}

	var counter uint64
	typ := "CAN"
	if label == vision.LabelPET {
		c.petCount++
		counter = c.petCount
		typ = "PET"
	} else {
		c.canCount++
		counter = c.canCount
	}

	c.transition(StateIdle, 0)
	c.sink.Publish(Event{
		Name: EventContainerAccepted,
		Data: map[string]any{"type": typ, "counter": counter},
	})
}

func (c *Coordinator) handleTimeout() {
	state := c.state
	c.stopTimer()

	switch state {
	case StateWaitingClassification:
		c.toError(ErrCodeVisionTimeout, "no classification response within budget")
	case StateDumpingPlastic:
		c.clearBestEffort()
		c.toError(ErrCodeCarriageLeftTimeout, "carriage did not reach the left sensor in time")
	case StateDumpingAluminum:
		c.clearBestEffort()
		c.toError(ErrCodeCarriageRightTimeout, "carriage did not reach the right sensor in time")
	default:
		// A fired timer for a state already left; transition() drained it,
		// so this is unreachable in practice.
		c.logger.Warn("stale timer firing ignored", "state", state.String())
	}
}

func (c *Coordinator) handleDeviceFault(u plc.Update) {
	if c.state == StateError {
		c.logger.Warn("device fault while already in error state", "error", u.Err)
		return
	}

	c.logger.Error("device fault escalated", "failures", u.Failures, "error", u.Err)
	c.toError(ErrCodeDeviceIO, u.Err.Error())
}

// writeFailureInTimedState treats an undeliverable register write like a
// timer expiry: the sort command cannot be guaranteed delivered, so the
// actuator position is unknown.
func (c *Coordinator) writeFailureInTimedState(err error) {
	c.logger.Error("register write failed in timed state", "error", err)
	c.toError(ErrCodeCommandWriteFailed, err.Error())
}

func (c *Coordinator) toError(code, message string) {
	c.transition(StateError, 0)
	c.sink.Publish(hardwareError(code, message))
}

func (c *Coordinator) clearBestEffort() {
	if err := c.dev.ClearCommand(); err != nil {
		c.logger.Error("command register clear failed", "error", err)
	}
}

// --- management commands ---

// errorStateAllowed lists the commands still honored in StateError: they
// either recover the machine or cannot change its state.
func errorStateAllowed(name string) bool {
	switch name {
	case CmdGetDeviceInfo, CmdGetPhoto, CmdRestoreDevice, CmdFullClearRegister:
		return true
	default:
		return false
	}
}

func (c *Coordinator) handleCommand(cmd Command) {
	c.logger.Debug("management command", "command", cmd.Name, "param", cmd.Param)

	if c.state == StateError && !errorStateAllowed(cmd.Name) {
		cmd.reply(c.sink, commandError(cmd.Name, "not_allowed_in_error_state"))
		return
	}

	switch cmd.Name {
	case CmdGetDeviceInfo:
		c.publishDeviceInfo()
	case CmdGetPhoto:
		c.requestPhoto()
	case CmdDumpContainer:
		c.manualDump(cmd)
	case CmdContainerUnloaded:
		c.containerUnloaded(cmd)
	case CmdRestoreDevice:
		c.restoreDevice(cmd)
	case CmdFullClearRegister:
		c.fullClearRegister(cmd)
	default:
		cmd.reply(c.sink, commandError(cmd.Name, "unknown_command"))
	}
}

func (c *Coordinator) publishDeviceInfo() {
	data := map[string]any{
		"bottle_count": c.petCount,
		"bank_count":   c.canCount,
		"state":        c.state.String(),
	}

	if counters, err := c.dev.ReadCounters(); err == nil {
		data["bottle_fill_percent"] = counters.PetFillPercent
		data["bank_fill_percent"] = counters.CanFillPercent
	} else {
		c.logger.Warn("counters read failed", "error", err)
	}

	c.sink.Publish(Event{Name: EventDeviceInfo, Data: data})
}

// requestPhoto runs in the background so a slow worker cannot stall the
// state machine; only the resulting event touches shared surfaces.
func (c *Coordinator) requestPhoto() {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		path, err := c.gw.RequestPhoto(ctx)

		data := map[string]any{}
		if err != nil {
			c.logger.Warn("photo request failed", "error", err)
			data["error"] = err.Error()
		} else {
			data["filename"] = path
		}
		c.sink.Publish(Event{Name: EventPhotoReady, Data: data})
	}()
}

// manualDump is the operator override: it bypasses classification and
// forces the carriage. Only valid from IDLE.
func (c *Coordinator) manualDump(cmd Command) {
	if c.state != StateIdle {
		cmd.reply(c.sink, commandError(cmd.Name, "not_allowed_in_state_"+c.state.String()))
		return
	}

	var (
		bit   plc.CommandBit
		other plc.CommandBit
		to    State
		typ   string
	)

	switch cmd.Param {
	case ContainerPlastic:
		bit, other, to, typ = plc.CmdForceCarriageLeft, plc.CmdForceCarriageRight, StateDumpingPlastic, ContainerPlastic
	case ContainerAluminium, ContainerAluminum:
		bit, other, to, typ = plc.CmdForceCarriageRight, plc.CmdForceCarriageLeft, StateDumpingAluminum, ContainerAluminum
	default:
		cmd.reply(c.sink, commandError(cmd.Name, "invalid_param"))
		return
	}

	fc := new(plc.Command).Set(bit, true).Set(other, false)
	if err := c.dev.WriteCommand(*fc); err != nil {
		c.writeFailureInTimedState(err)
		return
	}

	c.transition(to, c.cfg.DumpTimeout)
	c.sink.Publish(Event{
		Name: EventContainerDumped,
		Data: map[string]any{"container_type": typ},
	})
}

// containerUnloaded acknowledges a physical bag removal: the matching
// counter restarts and the device is told to reset its own.
func (c *Coordinator) containerUnloaded(cmd Command) {
	var bit plc.CommandBit

	switch cmd.Param {
	case ContainerPlastic:
		c.petCount = 0
		bit = plc.CmdResetPetCounter
	case ContainerAluminium, ContainerAluminum:
		c.canCount = 0
		bit = plc.CmdResetCanCounter
	default:
		cmd.reply(c.sink, commandError(cmd.Name, "invalid_param"))
		return
	}

	if err := c.dev.WriteCommand(*new(plc.Command).Set(bit, true)); err != nil {
		// Counter reset leaves no actuator ambiguity; report without
		// escalating unless a timed state depends on the register.
		if c.state.IsDumping() || c.state == StateWaitingClassification {
			c.writeFailureInTimedState(err)
			return
		}
		c.sink.Publish(hardwareError(ErrCodeCommandWriteFailed, err.Error()))
		return
	}

	cmd.reply(c.sink, Event{
		Name: EventUnloadedAck,
		Data: map[string]any{"container_type": cmd.Param},
	})
}

func (c *Coordinator) restoreDevice(cmd Command) {
	if c.state != StateError {
		cmd.reply(c.sink, commandError(cmd.Name, "not_in_error_state"))
		return
	}

	if err := c.dev.ClearCommand(); err != nil {
		// The device is still unreachable; recovery stays pending.
		c.sink.Publish(hardwareError(ErrCodeCommandWriteFailed, err.Error()))
		return
	}

	c.transition(StateIdle, 0)
	cmd.reply(c.sink, Event{Name: EventRestoreAck, Data: map[string]any{"status": "ok"}})
}

func (c *Coordinator) fullClearRegister(cmd Command) {
	status := "ok"
	if err := c.dev.ClearCommand(); err != nil {
		c.logger.Error("full clear register failed", "error", err)
		status = "failed"
	}

	cmd.reply(c.sink, Event{Name: EventClearRegisterAck, Data: map[string]any{"status": status}})
}

// --- state plumbing ---

// transition moves to a new state, bumping the generation so anything
// armed for the old state (timer firings, classification results) is
// recognizably stale. A positive timeout arms the state timer.
func (c *Coordinator) transition(to State, timeout time.Duration) {
	c.stopTimer()

	from := c.state
	c.state = to
	c.gen++

	if timeout > 0 {
		c.timer = pool.GetTimer(timeout)
		c.timerC = c.timer.C
	}

	c.logger.Info("state transition", "from", from.String(), "to", to.String(), "gen", c.gen)
}

func (c *Coordinator) stopTimer() {
	if c.timer == nil {
		return
	}
	pool.PutTimer(c.timer)
	c.timer = nil
	c.timerC = nil
}
