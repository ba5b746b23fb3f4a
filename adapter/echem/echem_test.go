package echem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/devqueue"
)

func TestConnectSimulatedAndChronoamperometry(t *testing.T) {
	a := New()
	require.NoError(t, a.Connect(context.Background(), &ConnParams{}))
	require.True(t, a.IsConnected())

	params := &ChronoamperometryParams{
		PotentialVolts: 0.5,
		Duration:       50 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
	}
	result := &TechniqueResult{}
	err := a.Execute(context.Background(), CmdChronoamperometry, params, result, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.TimesSec)
	assert.False(t, result.Partial)
}

func TestCyclicVoltammetryInvalidParamsFails(t *testing.T) {
	a := New()
	_ = a.Connect(context.Background(), &ConnParams{})

	params := &CyclicVoltammetryParams{StartVolts: 0, VertexVolts: 0, ScanRateVoltsPerSec: 1, Cycles: 1}
	result := &TechniqueResult{}
	assert.Error(t, a.Execute(context.Background(), CmdCyclicVoltammetry, params, result, nil))
}

func TestExecuteWhileDisconnectedFails(t *testing.T) {
	a := New()
	result := &TechniqueResult{}
	err := a.Execute(context.Background(), CmdChronoamperometry, &ChronoamperometryParams{
		PotentialVolts: 1, Duration: time.Millisecond, SampleInterval: time.Millisecond,
	}, result, nil)
	assert.Error(t, err)
}

func TestExecuteInvokesProgressCallback(t *testing.T) {
	a := New()
	require.NoError(t, a.Connect(context.Background(), &ConnParams{}))

	var calls int
	var lastCmdType devqueue.CommandType
	onProgress := func(cmdType devqueue.CommandType, progress float64, data any) {
		calls++
		lastCmdType = cmdType
	}

	params := &ChronoamperometryParams{
		PotentialVolts: 0.5,
		Duration:       50 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
	}
	result := &TechniqueResult{}
	require.NoError(t, a.Execute(context.Background(), CmdChronoamperometry, params, result, onProgress))
	assert.Positive(t, calls)
	assert.Equal(t, CmdChronoamperometry, lastCmdType)
}

func TestCopyResultDeepCopies(t *testing.T) {
	a := New()
	src := &TechniqueResult{TimesSec: []float64{1, 2}, CurrentsA: []float64{0.1, 0.2}}
	dst := &TechniqueResult{}
	require.NoError(t, a.CopyResult(CmdChronoamperometry, dst, src))
	dst.TimesSec[0] = 99
	assert.NotEqual(t, 99.0, src.TimesSec[0], "CopyResult should deep-copy the slice, not alias it")
}

func TestCommandTypeNameUnknownIsEmpty(t *testing.T) {
	a := New()
	assert.Equal(t, "", a.CommandTypeName(99))
}
