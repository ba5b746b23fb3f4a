// Package powersupply is a reference devqueue.Adapter for a
// programmable DC power supply reached over Modbus-RTU on a serial
// line: SET_VOLTAGE, SET_CURRENT_LIMIT, READ_OUTPUT and
// SET_OUTPUT_STATE command types, each with its own params/result
// struct.
//
// Grounded on Moonlight-Companies/gomodbus's transport.TCPTransport
// (other_examples/4f4ff083_...go.go) and hootrhino/gomodbus's /
// bcdiaconu-chint-mqtt-modbus-bridge's register read/write shape,
// generalized from TCP MBAP framing to a minimal RTU frame over
// internal/serialio. The RTU codec itself (rtu.go) is hand-rolled
// stdlib, not a fetched Modbus library — see DESIGN.md.
package powersupply

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/devqueue"
	"github.com/ehrlich-b/devqueue/internal/serialio"
)

// Command types this adapter recognizes.
const (
	CmdSetVoltage      devqueue.CommandType = iota + 1 // SET_VOLTAGE
	CmdSetCurrentLimit                                 // SET_CURRENT_LIMIT
	CmdReadOutput                                      // READ_OUTPUT
	CmdSetOutputState                                  // SET_OUTPUT_STATE
)

// Holding register map for this reference device.
const (
	regVoltageSetpoint  = 0
	regCurrentLimit     = 1
	regOutputState      = 2
	regVoltageReadback  = 3
	regCurrentReadback  = 4
)

// voltsScale/ampsScale convert between the device's integer
// millivolt/milliamp registers and the adapter's float64 volts/amps.
const voltsScale = 1000.0
const ampsScale = 1000.0

// ConnParams configures the serial line this adapter opens on Connect.
type ConnParams struct {
	Device   string
	BaudRate int
	SlaveID  byte
}

// SetVoltageParams is the SET_VOLTAGE command's params.
type SetVoltageParams struct{ Volts float64 }

// SetCurrentLimitParams is the SET_CURRENT_LIMIT command's params.
type SetCurrentLimitParams struct{ Amps float64 }

// SetOutputStateParams is the SET_OUTPUT_STATE command's params.
type SetOutputStateParams struct{ On bool }

// ReadOutputResult is the READ_OUTPUT command's result.
type ReadOutputResult struct {
	Volts float64
	Amps  float64
	On    bool
}

// Adapter is a devqueue.Adapter for the power supply described above.
// Every method is called exclusively from the owning Manager's single
// worker goroutine; Adapter keeps no lock of its own.
type Adapter struct {
	port    *serialio.Port
	slaveID byte
	readTO  time.Duration
}

// New creates an unconnected Adapter. readTimeout bounds each RTU
// response read; pass 0 for the serialio default.
func New(readTimeout time.Duration) *Adapter {
	return &Adapter{readTO: readTimeout}
}

func (a *Adapter) Name() string { return "powersupply" }

func (a *Adapter) Connect(ctx context.Context, connParams any) error {
	cp, ok := connParams.(*ConnParams)
	if !ok {
		return fmt.Errorf("powersupply: Connect expects *ConnParams, got %T", connParams)
	}
	port, err := serialio.Open(serialio.Config{
		Device:      cp.Device,
		BaudRate:    cp.BaudRate,
		DataBits:    8,
		StopBits:    1,
		Parity:      serialio.ParityNone,
		ReadTimeout: a.readTO,
	})
	if err != nil {
		return fmt.Errorf("powersupply: open %s: %w", cp.Device, err)
	}
	a.port = port
	a.slaveID = cp.SlaveID
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.readRegisters(regVoltageReadback, 1)
	return err
}

func (a *Adapter) IsConnected() bool { return a.port != nil }

// Execute never reports progress: every command here is a single
// register round trip, not a multi-step technique.
func (a *Adapter) Execute(ctx context.Context, cmdType devqueue.CommandType, params, result any, onProgress devqueue.ProgressFunc) error {
	switch cmdType {
	case CmdSetVoltage:
		p := params.(*SetVoltageParams)
		return a.writeRegister(regVoltageSetpoint, uint16(p.Volts*voltsScale))
	case CmdSetCurrentLimit:
		p := params.(*SetCurrentLimitParams)
		return a.writeRegister(regCurrentLimit, uint16(p.Amps*ampsScale))
	case CmdSetOutputState:
		p := params.(*SetOutputStateParams)
		var v uint16
		if p.On {
			v = 1
		}
		return a.writeRegister(regOutputState, v)
	case CmdReadOutput:
		regs, err := a.readRegisters(regVoltageReadback, 2)
		if err != nil {
			return err
		}
		state, err := a.readRegisters(regOutputState, 1)
		if err != nil {
			return err
		}
		out := result.(*ReadOutputResult)
		out.Volts = float64(regs[0]) / voltsScale
		out.Amps = float64(regs[1]) / ampsScale
		out.On = state[0] != 0
		return nil
	default:
		return fmt.Errorf("powersupply: unknown command type %d", cmdType)
	}
}

func (a *Adapter) CloneParams(cmdType devqueue.CommandType, params any) (any, error) {
	switch cmdType {
	case CmdSetVoltage:
		p := params.(*SetVoltageParams)
		cp := *p
		return &cp, nil
	case CmdSetCurrentLimit:
		p := params.(*SetCurrentLimitParams)
		cp := *p
		return &cp, nil
	case CmdSetOutputState:
		p := params.(*SetOutputStateParams)
		cp := *p
		return &cp, nil
	case CmdReadOutput:
		return (*struct{})(nil), nil
	default:
		return nil, fmt.Errorf("powersupply: unknown command type %d", cmdType)
	}
}

func (a *Adapter) NewResult(cmdType devqueue.CommandType) (any, error) {
	switch cmdType {
	case CmdReadOutput:
		return &ReadOutputResult{}, nil
	case CmdSetVoltage, CmdSetCurrentLimit, CmdSetOutputState:
		return (*struct{})(nil), nil
	default:
		return nil, fmt.Errorf("powersupply: unknown command type %d", cmdType)
	}
}

func (a *Adapter) CopyResult(cmdType devqueue.CommandType, dst, src any) error {
	if cmdType != CmdReadOutput {
		return nil
	}
	d, ok := dst.(*ReadOutputResult)
	if !ok {
		return fmt.Errorf("powersupply: CopyResult dst has wrong type %T", dst)
	}
	s, ok := src.(*ReadOutputResult)
	if !ok {
		return fmt.Errorf("powersupply: CopyResult src has wrong type %T", src)
	}
	*d = *s
	return nil
}

func (a *Adapter) CommandTypeName(cmdType devqueue.CommandType) string {
	switch cmdType {
	case CmdSetVoltage:
		return "SET_VOLTAGE"
	case CmdSetCurrentLimit:
		return "SET_CURRENT_LIMIT"
	case CmdReadOutput:
		return "READ_OUTPUT"
	case CmdSetOutputState:
		return "SET_OUTPUT_STATE"
	default:
		return ""
	}
}

// CommandDelay models the PSU's settling time after a setpoint write;
// reads and state toggles have no required quiescence.
func (a *Adapter) CommandDelay(cmdType devqueue.CommandType) time.Duration {
	switch cmdType {
	case CmdSetVoltage, CmdSetCurrentLimit:
		return 50 * time.Millisecond
	default:
		return 0
	}
}

func (a *Adapter) writeRegister(addr, value uint16) error {
	if a.port == nil {
		return fmt.Errorf("powersupply: not connected")
	}
	req := buildWriteSingleRegister(a.slaveID, addr, value)
	resp, err := a.roundTrip(req)
	if err != nil {
		return err
	}
	return validateResponse(resp, a.slaveID, funcWriteSingleRegister)
}

func (a *Adapter) readRegisters(addr uint16, count int) ([]uint16, error) {
	if a.port == nil {
		return nil, fmt.Errorf("powersupply: not connected")
	}
	req := buildReadHoldingRegisters(a.slaveID, addr, uint16(count))
	resp, err := a.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := validateResponse(resp, a.slaveID, funcReadHoldingRegisters); err != nil {
		return nil, err
	}
	return decodeHoldingRegisters(resp, count)
}

// roundTrip writes req and reads back a response frame. The serial
// line has no built-in framing delimiter, so this reads until a read
// returns zero bytes (the port's configured ReadTimeout elapsing),
// the same end-of-frame heuristic RTU implementations conventionally
// use on top of the inter-character timing the real UART would give
// for free.
func (a *Adapter) roundTrip(req []byte) ([]byte, error) {
	if _, err := a.port.Write(req); err != nil {
		return nil, fmt.Errorf("powersupply: write: %w", err)
	}

	var resp []byte
	buf := make([]byte, 256)
	for {
		n, err := a.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("powersupply: read: %w", err)
		}
		if n == 0 {
			break
		}
		resp = append(resp, buf[:n]...)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("powersupply: no response from slave %d", a.slaveID)
	}
	return resp, nil
}
