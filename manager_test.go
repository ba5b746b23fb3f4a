package devqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/devqueue/internal/queueerr"
)

// mockParams/mockResult are the single param/result shape every mock
// command type in this file shares, in the teacher's
// internal/queue/runner_test.go mockBackend spirit: one small
// in-memory stand-in exercising the real Adapter contract instead of
// real hardware.
type mockParams struct{ N int }
type mockResult struct{ N int }

const (
	cmdSetValue  CommandType = iota + 1 // SET_VALUE
	cmdFailingOp                        // FAILING_OP
)

// mockAdapter is a configurable Adapter double: connection can be
// gated (held open until a test releases it) or made to fail on
// demand, Execute can be delayed and records the order params were
// seen, and FAILING_OP always reports OperationFailed.
type mockAdapter struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connectGate   chan struct{} // nil means "no gate, connect immediately"
	execDelay     time.Duration
	testConnErr   error
	transportDown bool // simulates a dead link: Execute, TestConnection and Connect all fail

	order []int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{}
}

func (a *mockAdapter) Name() string { return "mock" }

func (a *mockAdapter) Connect(ctx context.Context, connParams any) error {
	if a.connectGate != nil {
		select {
		case <-a.connectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	if a.transportDown {
		return queueerr.New("Connect", queueerr.CommFailed, "simulated transport failure")
	}
	a.connected = true
	return nil
}

func (a *mockAdapter) setConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

func (a *mockAdapter) setTransportDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transportDown = down
}

func (a *mockAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *mockAdapter) TestConnection(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.transportDown {
		return queueerr.New("TestConnection", queueerr.NotConnected, "mock not connected")
	}
	return a.testConnErr
}

func (a *mockAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *mockAdapter) Execute(ctx context.Context, cmdType CommandType, params, result any, onProgress ProgressFunc) error {
	if a.execDelay > 0 {
		select {
		case <-time.After(a.execDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	down := a.transportDown
	a.mu.Unlock()
	if down {
		return queueerr.New("Execute", queueerr.CommFailed, "simulated transport failure")
	}

	if p, ok := params.(*mockParams); ok {
		a.mu.Lock()
		a.order = append(a.order, p.N)
		a.mu.Unlock()
	}

	if cmdType == cmdFailingOp {
		return queueerr.New("Execute", queueerr.OperationFailed, "simulated device failure")
	}

	if onProgress != nil {
		onProgress(cmdType, 1.0, nil)
	}

	if p, ok := params.(*mockParams); ok {
		result.(*mockResult).N = p.N
	}
	return nil
}

func (a *mockAdapter) CloneParams(cmdType CommandType, params any) (any, error) {
	if params == nil {
		return nil, nil
	}
	p := params.(*mockParams)
	cp := *p
	return &cp, nil
}

func (a *mockAdapter) NewResult(cmdType CommandType) (any, error) {
	return &mockResult{}, nil
}

func (a *mockAdapter) CopyResult(cmdType CommandType, dst, src any) error {
	*dst.(*mockResult) = *src.(*mockResult)
	return nil
}

func (a *mockAdapter) CommandTypeName(cmdType CommandType) string {
	switch cmdType {
	case cmdSetValue:
		return "SET_VALUE"
	case cmdFailingOp:
		return "FAILING_OP"
	default:
		return ""
	}
}

func (a *mockAdapter) CommandDelay(cmdType CommandType) time.Duration { return 0 }

func (a *mockAdapter) orderSnapshot() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.order...)
}

// waitFor polls cond every 2ms until it returns true or timeout
// elapses, failing the test on timeout.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Scenario 1 (spec section 8): priority inversion. Nine async commands
// submitted LOW(0,1,2), NORMAL(3,4,5), HIGH(6,7,8) in that order,
// while connect is held open, must execute strictly HIGH, NORMAL, LOW.
func TestPriorityInversionOrdering(t *testing.T) {
	a := newMockAdapter()
	a.connectGate = make(chan struct{})
	a.execDelay = 20 * time.Millisecond

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	var done atomic.Int32
	allDone := make(chan struct{})
	onComplete := func(id CommandID, cmdType CommandType, result any, err error) {
		if done.Add(1) == 9 {
			close(allDone)
		}
	}

	submit := func(n int, p Priority) {
		_, err := mgr.CommandAsync(cmdSetValue, &mockParams{N: n}, p, onComplete)
		require.NoError(t, err)
	}
	submit(0, PriorityLow)
	submit(1, PriorityLow)
	submit(2, PriorityLow)
	submit(3, PriorityNormal)
	submit(4, PriorityNormal)
	submit(5, PriorityNormal)
	submit(6, PriorityHigh)
	submit(7, PriorityHigh)
	submit(8, PriorityHigh)

	close(a.connectGate)

	select {
	case <-allDone:
	case <-time.After(5 * time.Second):
		t.Fatal("commands did not complete in time")
	}

	order := a.orderSnapshot()
	require.Len(t, order, 9)
	assert.Equal(t, []int{6, 7, 8}, order[:3])
	assert.Equal(t, []int{0, 1, 2}, order[6:])
}

// Scenario 2: transaction atomicity. LOW A, then a NORMAL transaction
// of three members, then HIGH B: execution order must be B, then the
// transaction's members contiguously in submission order, then A.
func TestTransactionAtomicity(t *testing.T) {
	a := newMockAdapter()
	a.connectGate = make(chan struct{})
	a.execDelay = 10 * time.Millisecond

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	var topLevelDone atomic.Int32
	topDone := make(chan struct{})
	onTop := func(id CommandID, cmdType CommandType, result any, err error) {
		if topLevelDone.Add(1) == 2 {
			close(topDone)
		}
	}

	_, err = mgr.CommandAsync(cmdSetValue, &mockParams{N: 999}, PriorityLow, onTop)
	require.NoError(t, err)

	h := mgr.BeginTransaction()
	require.NoError(t, mgr.SetTransactionPriority(h, PriorityNormal))
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 200}))
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 201}))
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 202}))

	txnDone := make(chan []TxnOutcome, 1)
	require.NoError(t, mgr.CommitTransaction(h, func(handle TransactionHandle, outcomes []TxnOutcome, aborted bool) {
		txnDone <- outcomes
	}))

	_, err = mgr.CommandAsync(cmdSetValue, &mockParams{N: 888}, PriorityHigh, onTop)
	require.NoError(t, err)

	close(a.connectGate)

	var outcomes []TxnOutcome
	select {
	case outcomes = <-txnDone:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction did not complete in time")
	}
	select {
	case <-topDone:
	case <-time.After(5 * time.Second):
		t.Fatal("top-level commands did not complete in time")
	}

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.NoError(t, o.Err)
	}

	order := a.orderSnapshot()
	require.Len(t, order, 5)
	assert.Equal(t, []int{888, 200, 201, 202, 999}, order)
}

// Scenario 3: abort-on-error. Of three members, the second fails and
// TxnAbortOnError is set, so the third is cancelled instead of run.
func TestTransactionAbortOnError(t *testing.T) {
	a := newMockAdapter()

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	h := mgr.BeginTransaction()
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 100}))
	require.NoError(t, mgr.AddToTransaction(h, cmdFailingOp, &mockParams{N: 0}))
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 200}))
	require.NoError(t, mgr.SetTransactionFlags(h, TxnAbortOnError))

	txnDone := make(chan []TxnOutcome, 1)
	require.NoError(t, mgr.CommitTransaction(h, func(handle TransactionHandle, outcomes []TxnOutcome, aborted bool) {
		txnDone <- outcomes
	}))

	var outcomes []TxnOutcome
	select {
	case outcomes = <-txnDone:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction did not complete in time")
	}

	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, queueerr.OperationFailed, queueerr.AsCode(outcomes[1].Err))
	assert.Equal(t, queueerr.Cancelled, queueerr.AsCode(outcomes[2].Err))
}

// Scenario 4: reconnect loop. A failing connect retries on backoff,
// incrementing ReconnectAttempts; once connect is allowed to succeed,
// the Manager reports Connected and a TEST_CONNECTION Blocking call
// succeeds.
func TestReconnectLoop(t *testing.T) {
	a := newMockAdapter()
	a.setConnectErr(assertErr)

	mgr, err := NewManager(a, nil, WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return mgr.Stats().ReconnectAttempts >= 2
	})

	a.setConnectErr(nil)
	waitFor(t, 2*time.Second, func() bool {
		return mgr.IsConnected()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = mgr.CommandBlocking(ctx, CommandTypeTestConnection, nil, PriorityNormal, 0)
	assert.NoError(t, err)
}

var assertErr = queueerr.New("Connect", queueerr.CommFailed, "simulated connect failure")

// Scenario 5: cancel during shutdown. A long-running blocking command
// is in flight when Close is called; Close cancels the worker's
// context, the cooperative adapter observes it and aborts, and the
// blocking caller receives a Cancelled outcome within bounded time.
func TestCancelDuringShutdown(t *testing.T) {
	a := newMockAdapter()
	a.execDelay = 200 * time.Millisecond

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, err := mgr.CommandBlocking(context.Background(), cmdSetValue, &mockParams{N: 777}, PriorityNormal, 0)
		resultCh <- err
	}()

	time.Sleep(50 * time.Millisecond)

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Close(closeCtx))

	select {
	case err := <-resultCh:
		require.Error(t, err)
		assert.Equal(t, queueerr.Cancelled, queueerr.AsCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("blocking call did not return after Close")
	}
}

// Scenario 6: transaction timeout. Five members share a transaction-
// wide deadline shorter than their combined runtime: the first
// completes, and every member from the first timeout onward is also a
// timeout.
func TestTransactionTimeout(t *testing.T) {
	a := newMockAdapter()
	a.execDelay = 50 * time.Millisecond

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	h := mgr.BeginTransaction()
	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: i}))
	}
	require.NoError(t, mgr.SetTransactionTimeout(h, 75*time.Millisecond))

	txnDone := make(chan []TxnOutcome, 1)
	require.NoError(t, mgr.CommitTransaction(h, func(handle TransactionHandle, outcomes []TxnOutcome, aborted bool) {
		txnDone <- outcomes
	}))

	var outcomes []TxnOutcome
	select {
	case outcomes = <-txnDone:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction did not complete in time")
	}

	require.Len(t, outcomes, 5)
	successCount, firstTimeout := 0, -1
	for i, o := range outcomes {
		if o.Err == nil {
			successCount++
			continue
		}
		if queueerr.AsCode(o.Err) == queueerr.Timeout && firstTimeout == -1 {
			firstTimeout = i
		}
	}
	assert.GreaterOrEqual(t, successCount, 1)
	require.NotEqual(t, -1, firstTimeout, "expected at least one Timeout outcome")
	for i := firstTimeout; i < len(outcomes); i++ {
		assert.Equal(t, queueerr.Timeout, queueerr.AsCode(outcomes[i].Err), "outcome %d after first timeout should also be Timeout", i)
	}
}

// spec.md 4.D: an Execute failure whose code is transport-flavored
// (CommFailed/NotConnected/Timeout) triggers a TestConnection
// re-check; when that also fails the adapter is disconnected and the
// worker re-enters its reconnect backoff loop, recovering once the
// link comes back.
func TestExecuteTransportFailureTriggersReconnect(t *testing.T) {
	a := newMockAdapter()
	mgr, err := NewManager(a, nil, WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	waitFor(t, time.Second, mgr.IsConnected)

	a.setTransportDown(true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = mgr.CommandBlocking(ctx, cmdSetValue, &mockParams{N: 1}, PriorityNormal, time.Second)
	require.Error(t, err)

	waitFor(t, time.Second, func() bool { return !mgr.IsConnected() })

	before := mgr.Stats().ReconnectAttempts
	waitFor(t, time.Second, func() bool { return mgr.Stats().ReconnectAttempts > before })

	a.setTransportDown(false)
	waitFor(t, 2*time.Second, mgr.IsConnected)
}

// WithProgress attaches a callback the adapter invokes while the
// command runs; mockAdapter.Execute reports one progress call on
// success.
func TestCommandBlockingWithProgressCallback(t *testing.T) {
	a := newMockAdapter()
	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = mgr.CommandBlocking(ctx, cmdSetValue, &mockParams{N: 1}, PriorityNormal, 0,
		WithProgress(func(cmdType CommandType, progress float64, data any) {
			calls.Add(1)
		}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// Boundary: cancelling a still-queued command transitions it straight
// to Cancelled without ever calling Execute.
func TestCancelWhileQueuedNeverExecutes(t *testing.T) {
	a := newMockAdapter()
	a.connectGate = make(chan struct{})

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	id, err := mgr.CommandAsync(cmdSetValue, &mockParams{N: 1}, PriorityNormal, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.CancelCommand(id))

	close(a.connectGate)
	waitFor(t, time.Second, mgr.IsConnected)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, a.orderSnapshot())
}

// Boundary: the (MAX+1)-th member fails with InvalidParameter; the
// Nth succeeds.
func TestTransactionMaxCommandsBoundary(t *testing.T) {
	a := newMockAdapter()
	mgr, err := NewManager(a, nil, WithMaxTransactionCommands(2))
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	h := mgr.BeginTransaction()
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 1}))
	require.NoError(t, mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 2}))
	err = mgr.AddToTransaction(h, cmdSetValue, &mockParams{N: 3})
	require.Error(t, err)
	assert.Equal(t, queueerr.InvalidParameter, queueerr.AsCode(err))
}

// Boundary: committing an empty transaction fails with InvalidState.
func TestCommitEmptyTransactionFails(t *testing.T) {
	a := newMockAdapter()
	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	h := mgr.BeginTransaction()
	err = mgr.CommitTransaction(h, nil)
	require.Error(t, err)
	assert.Equal(t, queueerr.InvalidState, queueerr.AsCode(err))
}

// Boundary: a ctx that is already past its deadline makes
// CommandBlocking return a Cancelled/Timeout outcome immediately
// instead of waiting for a worker slot — this module's realization of
// spec.md's "CommandBlocking(..., 0) times out immediately" boundary;
// see DESIGN.md's Open Question resolution for why timeout==0 itself
// means "no deadline" here.
func TestCommandBlockingExpiredContextTimesOutImmediately(t *testing.T) {
	a := newMockAdapter()
	a.connectGate = make(chan struct{}) // never closed: command never runs

	mgr, err := NewManager(a, nil)
	require.NoError(t, err)
	defer mgr.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond) // ensure ctx is already expired

	start := time.Now()
	_, err = mgr.CommandBlocking(ctx, cmdSetValue, &mockParams{N: 1}, PriorityNormal, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
