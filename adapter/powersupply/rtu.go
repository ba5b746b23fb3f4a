package powersupply

import (
	"encoding/binary"
	"fmt"
)

// Modbus function codes used by this adapter. Only the two register
// operations a programmable PSU needs are implemented; this is not a
// general Modbus stack (see DESIGN.md — wire protocols are explicitly
// out of scope for this module, only the adapter-visible surface is).
const (
	funcReadHoldingRegisters  = 0x03
	funcWriteSingleRegister   = 0x06
)

// crc16Modbus computes the Modbus RTU CRC-16 (polynomial 0xA001,
// little-endian) over data.
func crc16Modbus(data []byte) uint16 {
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

// buildReadHoldingRegisters frames a function-0x03 request for
// count registers starting at addr, on the given slave id.
func buildReadHoldingRegisters(slaveID byte, addr, count uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slaveID
	frame[1] = funcReadHoldingRegisters
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], count)
	return appendCRC(frame)
}

// buildWriteSingleRegister frames a function-0x06 request writing
// value to addr, on the given slave id.
func buildWriteSingleRegister(slaveID byte, addr, value uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slaveID
	frame[1] = funcWriteSingleRegister
	binary.BigEndian.PutUint16(frame[2:4], addr)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return appendCRC(frame)
}

func appendCRC(frame []byte) []byte {
	crc := crc16Modbus(frame)
	out := make([]byte, len(frame)+2)
	copy(out, frame)
	out[len(frame)] = byte(crc)
	out[len(frame)+1] = byte(crc >> 8)
	return out
}

// validateResponse checks the trailing CRC of resp and that it echoes
// slaveID/function, returning an error describing the mismatch
// otherwise (including the device raising a Modbus exception, which
// carries function|0x80).
func validateResponse(resp []byte, slaveID, function byte) error {
	if len(resp) < 5 {
		return fmt.Errorf("powersupply: short response (%d bytes)", len(resp))
	}
	body, tail := resp[:len(resp)-2], resp[len(resp)-2:]
	want := crc16Modbus(body)
	got := uint16(tail[0]) | uint16(tail[1])<<8
	if want != got {
		return fmt.Errorf("powersupply: CRC mismatch (want %04x, got %04x)", want, got)
	}
	if resp[0] != slaveID {
		return fmt.Errorf("powersupply: response from slave %d, want %d", resp[0], slaveID)
	}
	if resp[1] == function|0x80 {
		return fmt.Errorf("powersupply: device exception code %d", resp[2])
	}
	if resp[1] != function {
		return fmt.Errorf("powersupply: response function %02x, want %02x", resp[1], function)
	}
	return nil
}

// decodeHoldingRegisters extracts count big-endian uint16 registers
// from a validated function-0x03 response body.
func decodeHoldingRegisters(resp []byte, count int) ([]uint16, error) {
	if len(resp) < 3 || int(resp[2]) != count*2 {
		return nil, fmt.Errorf("powersupply: unexpected byte count in register response")
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(resp[3+i*2 : 5+i*2])
	}
	return out, nil
}
