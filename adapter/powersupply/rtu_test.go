package powersupply

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWriteSingleRegisterRoundTrips(t *testing.T) {
	frame := buildWriteSingleRegister(1, 0, 12000)
	require.Len(t, frame, 8)
	assert.NoError(t, validateResponse(frame, 1, funcWriteSingleRegister))
}

func TestValidateResponseDetectsCRCMismatch(t *testing.T) {
	frame := buildWriteSingleRegister(1, 0, 12000)
	frame[len(frame)-1] ^= 0xFF
	assert.Error(t, validateResponse(frame, 1, funcWriteSingleRegister))
}

func TestValidateResponseDetectsWrongSlave(t *testing.T) {
	frame := buildWriteSingleRegister(1, 0, 12000)
	assert.Error(t, validateResponse(frame, 2, funcWriteSingleRegister))
}

func TestValidateResponseDetectsExceptionCode(t *testing.T) {
	frame := buildReadHoldingRegisters(1, 0, 1)
	frame[1] |= 0x80 // turn the function code into its exception variant
	frame[2] = 0x02  // illegal data address
	frame = appendCRC(frame[:3])
	assert.Error(t, validateResponse(frame, 1, funcReadHoldingRegisters))
}

func TestDecodeHoldingRegisters(t *testing.T) {
	// slave=1, func=0x03, byteCount=4, two registers: 0x1234, 0x5678
	resp := appendCRC([]byte{1, funcReadHoldingRegisters, 4, 0x12, 0x34, 0x56, 0x78})
	regs, err := decodeHoldingRegisters(resp, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0x5678}, regs)
}
