// Package echem is a reference devqueue.Adapter for an
// electrochemistry analyzer exposing long-running "technique"
// acquisitions (cyclic voltammetry, chronoamperometry) built on the
// technique poller package. It shares adapter/powersupply's serial
// transport rather than pulling in a second port dependency for a
// single demonstration adapter (SPEC_FULL.md section 11), but
// simulates the device itself in-process so this package is usable
// without real hardware, in the same "mock backend with configurable
// failure modes" spirit as the teacher's testing.go MockBackend and
// internal/queue/runner_test.go's mockBackend.
package echem

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ehrlich-b/devqueue"
	"github.com/ehrlich-b/devqueue/internal/serialio"
	"github.com/ehrlich-b/devqueue/technique"
)

// Command types this adapter recognizes.
const (
	CmdCyclicVoltammetry devqueue.CommandType = iota + 1 // CYCLIC_VOLTAMMETRY
	CmdChronoamperometry                                 // CHRONOAMPEROMETRY
)

// ConnParams configures the serial line this adapter opens on Connect.
// A zero Device string selects the built-in simulated instrument
// instead of a real serial port, so this adapter (and its tests) run
// without hardware.
type ConnParams struct {
	Device   string
	BaudRate int
}

// CyclicVoltammetryParams is the CYCLIC_VOLTAMMETRY command's params:
// a voltage sweep between two limits at a fixed scan rate.
type CyclicVoltammetryParams struct {
	StartVolts, VertexVolts float64
	ScanRateVoltsPerSec     float64
	Cycles                  int
}

// ChronoamperometryParams is the CHRONOAMPEROMETRY command's params: a
// fixed potential held for a duration, sampled at an interval.
type ChronoamperometryParams struct {
	PotentialVolts float64
	Duration       time.Duration
	SampleInterval time.Duration
}

// TechniqueResult is the result struct for both technique command
// types: a time series of (time, current) samples plus whether the
// acquisition completed in full or was recovered from a partial
// failure.
type TechniqueResult struct {
	TimesSec  []float64
	CurrentsA []float64
	Partial   bool
}

// Adapter is a devqueue.Adapter for the analyzer described above.
// Every method is called exclusively from the owning Manager's single
// worker goroutine.
type Adapter struct {
	port      *serialio.Port
	simulated bool
	connected bool
}

// New creates an unconnected Adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return "echem" }

func (a *Adapter) Connect(ctx context.Context, connParams any) error {
	cp, ok := connParams.(*ConnParams)
	if !ok {
		return fmt.Errorf("echem: Connect expects *ConnParams, got %T", connParams)
	}
	if cp.Device == "" {
		a.simulated = true
		a.connected = true
		return nil
	}
	port, err := serialio.Open(serialio.Config{
		Device:      cp.Device,
		BaudRate:    cp.BaudRate,
		DataBits:    8,
		StopBits:    1,
		Parity:      serialio.ParityNone,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("echem: open %s: %w", cp.Device, err)
	}
	a.port = port
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected = false
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	if !a.connected {
		return fmt.Errorf("echem: not connected")
	}
	return nil
}

func (a *Adapter) IsConnected() bool { return a.connected }

func (a *Adapter) Execute(ctx context.Context, cmdType devqueue.CommandType, params, result any, onProgress devqueue.ProgressFunc) error {
	if !a.connected {
		return fmt.Errorf("echem: not connected")
	}
	out := result.(*TechniqueResult)

	var dev technique.Device
	switch cmdType {
	case CmdCyclicVoltammetry:
		dev = &simulatedCV{params: params.(*CyclicVoltammetryParams)}
	case CmdChronoamperometry:
		dev = &simulatedCA{params: params.(*ChronoamperometryParams)}
	default:
		return fmt.Errorf("echem: unknown command type %d", cmdType)
	}

	var onTechniqueProgress func(progress float64, data any)
	if onProgress != nil {
		onTechniqueProgress = func(progress float64, data any) {
			onProgress(cmdType, progress, data)
		}
	}

	res, err := technique.Run(ctx, technique.Config{
		Device:       dev,
		PollInterval: 20 * time.Millisecond,
		OnProgress:   onTechniqueProgress,
	})
	out.Partial = res.Partial
	if samples, ok := res.Data.(*sampleBuffer); ok && samples != nil {
		out.TimesSec = samples.times
		out.CurrentsA = samples.currents
	}
	return err
}

func (a *Adapter) CloneParams(cmdType devqueue.CommandType, params any) (any, error) {
	switch cmdType {
	case CmdCyclicVoltammetry:
		p := params.(*CyclicVoltammetryParams)
		cp := *p
		return &cp, nil
	case CmdChronoamperometry:
		p := params.(*ChronoamperometryParams)
		cp := *p
		return &cp, nil
	default:
		return nil, fmt.Errorf("echem: unknown command type %d", cmdType)
	}
}

func (a *Adapter) NewResult(cmdType devqueue.CommandType) (any, error) {
	switch cmdType {
	case CmdCyclicVoltammetry, CmdChronoamperometry:
		return &TechniqueResult{}, nil
	default:
		return nil, fmt.Errorf("echem: unknown command type %d", cmdType)
	}
}

func (a *Adapter) CopyResult(cmdType devqueue.CommandType, dst, src any) error {
	d, ok := dst.(*TechniqueResult)
	if !ok {
		return fmt.Errorf("echem: CopyResult dst has wrong type %T", dst)
	}
	s, ok := src.(*TechniqueResult)
	if !ok {
		return fmt.Errorf("echem: CopyResult src has wrong type %T", src)
	}
	d.Partial = s.Partial
	d.TimesSec = append([]float64(nil), s.TimesSec...)
	d.CurrentsA = append([]float64(nil), s.CurrentsA...)
	return nil
}

func (a *Adapter) CommandTypeName(cmdType devqueue.CommandType) string {
	switch cmdType {
	case CmdCyclicVoltammetry:
		return "CYCLIC_VOLTAMMETRY"
	case CmdChronoamperometry:
		return "CHRONOAMPEROMETRY"
	default:
		return ""
	}
}

// CommandDelay is zero for both technique types: all the device's own
// pacing happens inside technique.Run's poll loop, not as worker
// quiescence between commands.
func (a *Adapter) CommandDelay(cmdType devqueue.CommandType) time.Duration {
	return 0
}

// sampleBuffer accumulates (time, current) pairs as a simulated
// technique progresses; it is what a simulated device's Poll/
// RecoverPartial hand back as technique.Poll.Data.
type sampleBuffer struct {
	times    []float64
	currents []float64
}

// simulatedCV drives technique.Device for a cyclic voltammetry sweep
// with a simple capacitive current model: every sample carries the
// same current (i = c * scan rate), with no sign change on the reverse
// half of a cycle. Good enough to exercise the queue without real
// hardware.
type simulatedCV struct {
	params  *CyclicVoltammetryParams
	samples sampleBuffer
	step    int
	steps   int
	failAt  int // poll step at which to report PhaseError; 0 means never fail
}

func (d *simulatedCV) Start(ctx context.Context) error {
	span := math.Abs(d.params.VertexVolts - d.params.StartVolts)
	if d.params.ScanRateVoltsPerSec <= 0 || span == 0 {
		return fmt.Errorf("echem: invalid cyclic voltammetry sweep parameters")
	}
	halfCycleSteps := 20
	d.steps = halfCycleSteps * 2 * max(1, d.params.Cycles)
	return nil
}

func (d *simulatedCV) Poll(ctx context.Context) technique.Poll {
	if d.failAt != 0 && d.step == d.failAt {
		return technique.Poll{Phase: technique.PhaseError}
	}
	if d.step >= d.steps {
		return technique.Poll{Phase: technique.PhaseCompleted, Data: &d.samples}
	}
	t := float64(d.step) / float64(d.steps) * span(d.params) / d.params.ScanRateVoltsPerSec
	current := d.params.ScanRateVoltsPerSec * 1e-6 // simple capacitive-current model
	d.samples.times = append(d.samples.times, t)
	d.samples.currents = append(d.samples.currents, current)
	d.step++
	return technique.Poll{
		Phase:    technique.PhaseRunning,
		Progress: float64(d.step) / float64(d.steps),
		Data:     current,
	}
}

func (d *simulatedCV) RecoverPartial(ctx context.Context) (any, error) {
	if len(d.samples.times) == 0 {
		return nil, nil
	}
	return &d.samples, nil
}

func span(p *CyclicVoltammetryParams) float64 {
	return math.Abs(p.VertexVolts - p.StartVolts)
}

// simulatedCA drives technique.Device for a chronoamperometry hold: a
// fixed potential sampled at SampleInterval for Duration, with current
// decaying per the Cottrell equation shape (i ~ 1/sqrt(t)).
type simulatedCA struct {
	params  *ChronoamperometryParams
	samples sampleBuffer
	elapsed time.Duration
}

func (d *simulatedCA) Start(ctx context.Context) error {
	if d.params.Duration <= 0 || d.params.SampleInterval <= 0 {
		return fmt.Errorf("echem: invalid chronoamperometry parameters")
	}
	return nil
}

func (d *simulatedCA) Poll(ctx context.Context) technique.Poll {
	if d.elapsed >= d.params.Duration {
		return technique.Poll{Phase: technique.PhaseCompleted, Data: &d.samples}
	}
	d.elapsed += d.params.SampleInterval
	t := d.elapsed.Seconds()
	current := d.params.PotentialVolts / math.Sqrt(math.Max(t, 0.001))
	d.samples.times = append(d.samples.times, t)
	d.samples.currents = append(d.samples.currents, current)
	return technique.Poll{
		Phase:    technique.PhaseRunning,
		Progress: float64(d.elapsed) / float64(d.params.Duration),
		Data:     current,
	}
}

func (d *simulatedCA) RecoverPartial(ctx context.Context) (any, error) {
	if len(d.samples.times) == 0 {
		return nil, nil
	}
	return &d.samples, nil
}
