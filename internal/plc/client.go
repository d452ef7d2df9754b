package plc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/abeljaev/fandomat/logger"
)

const (
	// DefaultTransactionTimeout bounds one request/response exchange.
	DefaultTransactionTimeout = 200 * time.Millisecond

	// portReadSlice is the per-Read timeout on the serial port. The
	// transaction deadline is enforced on top of it, so a slow response
	// is collected across several read slices.
	portReadSlice = 20 * time.Millisecond
)

// serialPort is the subset of *serial.Port the client uses. Tests supply
// in-memory implementations.
type serialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// ClientConfig configures the field device channel.
type ClientConfig struct {
	Path  string
	Baud  int
	Slave byte

	CommandRegister  uint16
	StatusRegister   uint16
	CountersRegister uint16 // base of the 4-register counters block

	// Timeout bounds a single register transaction.
	Timeout time.Duration

	Logger logger.Logger
}

// Counters is the device-maintained fill telemetry block.
type Counters struct {
	CanCount       uint16
	PetCount       uint16
	PetFillPercent uint16
	CanFillPercent uint16
}

// Client is the field device channel: it owns the serial line and the
// last known command register value, and executes atomic request/response
// register transactions. One transaction is in flight at a time.
//
// The client never retries a failed transaction; retry and escalation
// policy belong to the caller so the coordinator can distinguish a
// momentarily unavailable device from an unreachable one.
type Client struct {
	mu        sync.Mutex
	cfg       ClientConfig
	port      serialPort
	logger    logger.Logger
	cmdShadow byte
	closed    bool
}

// NewClient opens the serial port and returns a ready channel.
func NewClient(cfg ClientConfig) (*Client, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Path,
		Baud:        cfg.Baud,
		ReadTimeout: portReadSlice,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceIO, cfg.Path, err)
	}

	return newClient(port, cfg), nil
}

func newClient(port serialPort, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTransactionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	return &Client{
		cfg:    cfg,
		port:   port,
		logger: cfg.Logger.With("component", "plc"),
	}
}

// Close closes the serial port. Further transactions fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.port.Close()
}

// ReadStatus reads the status register and returns its low byte.
func (c *Client) ReadStatus() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs, err := c.readRegisters(c.cfg.StatusRegister, 1)
	if err != nil {
		return 0, err
	}
	if regs[0] > 0xFF {
		return 0, fmt.Errorf("%w: status register value %#04x exceeds one byte", ErrProtocol, regs[0])
	}

	return byte(regs[0]), nil
}

// ReadCounters reads the device counter/fill block.
func (c *Client) ReadCounters() (Counters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs, err := c.readRegisters(c.cfg.CountersRegister, 4)
	if err != nil {
		return Counters{}, err
	}

	return Counters{
		CanCount:       regs[0],
		PetCount:       regs[1],
		PetFillPercent: regs[2],
		CanFillPercent: regs[3],
	}, nil
}

// WriteCommand applies a partial command update to the last known command
// register value and writes the result to the device. The shadow value is
// only advanced after the device acknowledged the write.
func (c *Client) WriteCommand(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, err := cmd.Encode(c.cmdShadow)
	if err != nil {
		return err
	}

	if err := c.writeRegister(c.cfg.CommandRegister, uint16(value)); err != nil {
		return err
	}
	c.cmdShadow = value

	return nil
}

// ClearCommand zeroes the command register.
func (c *Client) ClearCommand() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeRegister(c.cfg.CommandRegister, 0); err != nil {
		return err
	}
	c.cmdShadow = 0

	return nil
}

// CommandShadow returns the last value acknowledged by the device.
func (c *Client) CommandShadow() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cmdShadow
}

// --- transaction internals (caller must hold c.mu) ---

func (c *Client) readRegisters(addr, count uint16) ([]uint16, error) {
	req := buildReadRequest(c.cfg.Slave, addr, count)

	resp, err := c.transact(req, readRespLen(count))
	if err != nil {
		return nil, err
	}

	regs, err := parseReadResponse(resp, c.cfg.Slave, count)
	if err != nil {
		c.drainUntilSilence()
		return nil, err
	}
	return regs, nil
}

func (c *Client) writeRegister(addr, value uint16) error {
	req := buildWriteRequest(c.cfg.Slave, addr, value)

	resp, err := c.transact(req, writeFrameLen)
	if err != nil {
		return err
	}

	if err := parseWriteResponse(resp, c.cfg.Slave, addr, value); err != nil {
		c.drainUntilSilence()
		return err
	}
	return nil
}

// transact writes one request frame and collects respLen response bytes
// within the transaction deadline. An exception response is shorter than
// a normal one and is returned as soon as it is complete; the parser
// reports it.
func (c *Client) transact(req []byte, respLen int) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}

	if _, err := c.port.Write(req); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrDeviceIO, err)
	}

	buf := make([]byte, respLen)
	deadline := time.Now().Add(c.cfg.Timeout)
	read := 0

	for read < respLen {
		if time.Now().After(deadline) {
			c.logger.Debug("transaction timeout", "have", read, "want", respLen)
			return nil, fmt.Errorf("%w: transaction timeout after %v", ErrDeviceIO, c.cfg.Timeout)
		}

		n, err := c.port.Read(buf[read:])
		read += n

		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read response: %v", ErrDeviceIO, err)
		}

		// An exception response ends after five bytes.
		if read >= exceptionRespLen && buf[1]&exceptionFlag != 0 {
			return buf[:exceptionRespLen], nil
		}
	}

	return buf, nil
}

// drainUntilSilence reads and discards bytes until the line is quiet for
// one read slice. After a framing or checksum error the remote may still
// be transmitting; starting the next transaction mid-frame would corrupt
// it too.
func (c *Client) drainUntilSilence() {
	buf := make([]byte, 64)
	for {
		n, err := c.port.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}
