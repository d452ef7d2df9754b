package plc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16(t *testing.T) {
	// CRC-16/MODBUS check value.
	require.Equal(t, uint16(0x4B37), crc16([]byte("123456789")))

	// Canonical read request: slave 1, register 0, one register.
	require.Equal(t, uint16(0x0A84), crc16([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}))
}

func TestAppendAndVerifyCRC(t *testing.T) {
	frame := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})

	require.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, frame)
	require.True(t, verifyCRC(frame))

	frame[2] ^= 0x01
	require.False(t, verifyCRC(frame))

	require.False(t, verifyCRC(nil))
	require.False(t, verifyCRC([]byte{0x01, 0x03}))
}

func TestBuildReadRequest(t *testing.T) {
	frame := buildReadRequest(2, 26, 1)

	require.Len(t, frame, readReqLen)
	require.Equal(t, byte(2), frame[0])
	require.Equal(t, byte(fnReadHolding), frame[1])
	require.Equal(t, []byte{0x00, 26, 0x00, 0x01}, frame[2:6])
	require.True(t, verifyCRC(frame))
}

func TestBuildWriteRequest(t *testing.T) {
	frame := buildWriteRequest(2, 25, 0x0080)

	require.Len(t, frame, writeFrameLen)
	require.Equal(t, byte(2), frame[0])
	require.Equal(t, byte(fnWriteSingle), frame[1])
	require.Equal(t, []byte{0x00, 25, 0x00, 0x80}, frame[2:6])
	require.True(t, verifyCRC(frame))
}

func TestParseReadResponse(t *testing.T) {
	t.Run("single register", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnReadHolding, 0x02, 0x00, 0x81})

		regs, err := parseReadResponse(frame, 2, 1)
		require.NoError(t, err)
		require.Equal(t, []uint16{0x0081}, regs)
	})

	t.Run("counters block", func(t *testing.T) {
		frame := appendCRC([]byte{
			0x02, fnReadHolding, 0x08,
			0x00, 0x05, // can count
			0x00, 0x0C, // pet count
			0x00, 0x2A, // pet fill
			0x00, 0x11, // can fill
		})

		regs, err := parseReadResponse(frame, 2, 4)
		require.NoError(t, err)
		require.Equal(t, []uint16{5, 12, 42, 17}, regs)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnReadHolding, 0x02, 0x00, 0x81})
		frame[3] ^= 0xFF

		_, err := parseReadResponse(frame, 2, 1)
		require.ErrorIs(t, err, ErrDeviceIO)
	})

	t.Run("wrong slave", func(t *testing.T) {
		frame := appendCRC([]byte{0x03, fnReadHolding, 0x02, 0x00, 0x81})

		_, err := parseReadResponse(frame, 2, 1)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("wrong byte count", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnReadHolding, 0x04, 0x00, 0x81})

		_, err := parseReadResponse(frame, 2, 1)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := parseReadResponse([]byte{0x02, fnReadHolding}, 2, 1)
		require.ErrorIs(t, err, ErrDeviceIO)
	})

	t.Run("exception response", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnReadHolding | exceptionFlag, 0x02})

		_, err := parseReadResponse(frame, 2, 1)
		require.ErrorIs(t, err, ErrProtocol)
		require.ErrorContains(t, err, "exception code 2")
	})
}

func TestParseWriteResponse(t *testing.T) {
	echo := buildWriteRequest(2, 25, 0x0080)

	t.Run("echo accepted", func(t *testing.T) {
		require.NoError(t, parseWriteResponse(echo, 2, 25, 0x0080))
	})

	t.Run("echo value mismatch", func(t *testing.T) {
		err := parseWriteResponse(echo, 2, 25, 0x0040)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("echo address mismatch", func(t *testing.T) {
		err := parseWriteResponse(echo, 2, 26, 0x0080)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("exception response", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnWriteSingle | exceptionFlag, 0x03})

		err := parseWriteResponse(frame, 2, 25, 0x0080)
		require.ErrorIs(t, err, ErrProtocol)
		require.ErrorContains(t, err, "exception code 3")
	})

	t.Run("exception checksum mismatch", func(t *testing.T) {
		frame := appendCRC([]byte{0x02, fnWriteSingle | exceptionFlag, 0x03})
		frame[2] ^= 0xFF

		err := parseWriteResponse(frame, 2, 25, 0x0080)
		require.ErrorIs(t, err, ErrDeviceIO)
	})
}
