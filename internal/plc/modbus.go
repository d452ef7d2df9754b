package plc

import (
	"encoding/binary"
	"fmt"
)

// Modbus RTU function codes used by the channel.
const (
	fnReadHolding = 0x03
	fnWriteSingle = 0x06

	// exceptionFlag is OR-ed into the function code of an exception response.
	exceptionFlag = 0x80

	// readReqLen / writeFrameLen are the fixed sizes of the request frames
	// and of the write-echo response.
	readReqLen    = 8
	writeFrameLen = 8

	// exceptionRespLen is the fixed size of an exception response frame.
	exceptionRespLen = 5
)

// crc16 computes the CRC-16/Modbus checksum (poly 0xA001, init 0xFFFF)
// over data. The wire order is low byte first.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the CRC of frame to frame, low byte first.
func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// verifyCRC checks the trailing two-byte CRC of frame.
func verifyCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	body := frame[:len(frame)-2]
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return crc16(body) == want
}

// buildReadRequest builds a read-holding-registers request for count
// registers starting at addr.
func buildReadRequest(slave byte, addr, count uint16) []byte {
	frame := make([]byte, 0, readReqLen)
	frame = append(frame, slave, fnReadHolding)
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, count)
	return appendCRC(frame)
}

// buildWriteRequest builds a write-single-register request.
func buildWriteRequest(slave byte, addr, value uint16) []byte {
	frame := make([]byte, 0, writeFrameLen)
	frame = append(frame, slave, fnWriteSingle)
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, value)
	return appendCRC(frame)
}

// readRespLen returns the expected response frame size for a read of
// count registers: slave + function + byte count + data + CRC.
func readRespLen(count uint16) int {
	return 5 + 2*int(count)
}

// parseException checks whether frame is an exception response to the
// given function. It returns a non-nil error describing the exception,
// or nil when the frame is not an exception response.
func parseException(frame []byte, slave, function byte) error {
	if len(frame) < exceptionRespLen || frame[1] != function|exceptionFlag {
		return nil
	}
	if !verifyCRC(frame[:exceptionRespLen]) {
		return fmt.Errorf("%w: exception response checksum mismatch", ErrDeviceIO)
	}
	if frame[0] != slave {
		return fmt.Errorf("%w: exception response from slave %d, want %d", ErrProtocol, frame[0], slave)
	}
	return fmt.Errorf("%w: device exception code %d", ErrProtocol, frame[2])
}

// parseReadResponse validates a read-holding-registers response and
// returns the register values.
func parseReadResponse(frame []byte, slave byte, count uint16) ([]uint16, error) {
	if err := parseException(frame, slave, fnReadHolding); err != nil {
		return nil, err
	}

	if len(frame) != readRespLen(count) {
		return nil, fmt.Errorf("%w: read response length %d, want %d", ErrDeviceIO, len(frame), readRespLen(count))
	}
	if !verifyCRC(frame) {
		return nil, fmt.Errorf("%w: read response checksum mismatch", ErrDeviceIO)
	}
	if frame[0] != slave {
		return nil, fmt.Errorf("%w: read response from slave %d, want %d", ErrProtocol, frame[0], slave)
	}
	if frame[1] != fnReadHolding {
		return nil, fmt.Errorf("%w: read response function %#02x", ErrProtocol, frame[1])
	}
	if int(frame[2]) != 2*int(count) {
		return nil, fmt.Errorf("%w: read response byte count %d, want %d", ErrProtocol, frame[2], 2*count)
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(frame[3+2*i:])
	}
	return regs, nil
}

// parseWriteResponse validates a write-single-register echo response.
func parseWriteResponse(frame []byte, slave byte, addr, value uint16) error {
	if err := parseException(frame, slave, fnWriteSingle); err != nil {
		return err
	}

	if len(frame) != writeFrameLen {
		return fmt.Errorf("%w: write response length %d, want %d", ErrDeviceIO, len(frame), writeFrameLen)
	}
	if !verifyCRC(frame) {
		return fmt.Errorf("%w: write response checksum mismatch", ErrDeviceIO)
	}
	if frame[0] != slave || frame[1] != fnWriteSingle {
		return fmt.Errorf("%w: unexpected write response header %#02x %#02x", ErrProtocol, frame[0], frame[1])
	}
	if got := binary.BigEndian.Uint16(frame[2:]); got != addr {
		return fmt.Errorf("%w: write echo address %d, want %d", ErrProtocol, got, addr)
	}
	if got := binary.BigEndian.Uint16(frame[4:]); got != value {
		return fmt.Errorf("%w: write echo value %#04x, want %#04x", ErrProtocol, got, value)
	}
	return nil
}
