package devqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/devqueue/internal/logging"
	"github.com/ehrlich-b/devqueue/internal/queueerr"
	"github.com/ehrlich-b/devqueue/internal/sched"
	"github.com/ehrlich-b/devqueue/internal/stats"
	"github.com/ehrlich-b/devqueue/internal/worker"
)

// Manager is a thread-safe device command queue: three priority FIFOs,
// a single worker goroutine that owns the Adapter, and the
// blocking/async/transaction/cancellation surface callers use to talk
// to it. Callers never touch the device directly; every interaction
// goes through a Manager method, which serializes it behind the
// worker goroutine.
//
// Grounded on backend.go's Device: a mutex-guarded lifecycle object
// that owns a background runner and exposes accessor methods plus a
// cooperative StopAndDelete, generalized from "one block device, one
// io_uring runner" to "one physical instrument, one worker goroutine."
type Manager struct {
	instanceID uuid.UUID
	cfg        managerConfig
	adapter    Adapter

	mu       sync.Mutex
	notEmpty *sync.Cond // signaled on Enqueue, Close
	terminal *sync.Cond // signaled whenever a command reaches a terminal state

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	scheduler    *sched.Scheduler
	commandsByID map[CommandID]*Command
	txns         map[TransactionHandle]*Transaction
	currentTxn   *Transaction

	commandIDCounter atomic.Uint64
	connState        worker.ConnState
	connParams       any
	shuttingDown     bool

	stats       *stats.Stats
	reconnector *worker.Reconnector
	logger      *logging.Logger
}

// NewManager clones connParams via the adapter, starts the worker
// goroutine and returns immediately — connection happens
// asynchronously on the worker goroutine, matching Adapter.Connect's
// "may be slow" contract.
func NewManager(adapter Adapter, connParams any, opts ...ManagerOption) (*Manager, error) {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cloned, err := adapter.CloneParams(CommandTypeConnect, connParams)
	if err != nil {
		return nil, queueerr.Wrap("NewManager", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		instanceID:   uuid.New(),
		cfg:          cfg,
		adapter:      adapter,
		ctx:          ctx,
		cancel:       cancel,
		doneCh:       make(chan struct{}),
		scheduler:    sched.New(cfg.capacities),
		commandsByID: make(map[CommandID]*Command),
		txns:         make(map[TransactionHandle]*Transaction),
		connState:    worker.Connecting,
		connParams:   cloned,
		stats:        stats.New(),
		reconnector:  worker.NewReconnector(cfg.reconnectInitial, cfg.reconnectMax),
		logger:       cfg.logger.WithTag(cfg.logDeviceTag),
	}
	m.notEmpty = sync.NewCond(&m.mu)
	m.terminal = sync.NewCond(&m.mu)

	go m.workerLoop()
	return m, nil
}

// workerLoop is the single goroutine that owns the adapter: it keeps
// the device connected and, while connected, pops the next scheduler
// entry and runs it to completion before popping another.
//
// Grounded on internal/queue/runner.go's ioLoop: a pinned goroutine
// looping until ctx.Done(), alternating between "wait for work" and
// "drive one unit of work to completion" — generalized here from one
// io_uring ring to the scheduler's three priority queues.
func (m *Manager) workerLoop() {
	defer close(m.doneCh)

	for {
		m.mu.Lock()
		if m.shuttingDown {
			m.mu.Unlock()
			return
		}
		if m.connState != worker.Connected {
			m.mu.Unlock()
			if m.attemptConnect() {
				continue
			}
			m.mu.Lock()
			done := m.shuttingDown
			m.mu.Unlock()
			if done {
				return
			}
			continue
		}

		for !m.shuttingDown && m.connState == worker.Connected && m.scheduler.Len() == 0 {
			m.notEmpty.Wait()
		}
		if m.shuttingDown {
			m.mu.Unlock()
			return
		}
		if m.connState != worker.Connected {
			m.mu.Unlock()
			continue
		}
		entry := m.scheduler.PopNext()
		m.mu.Unlock()
		if entry == nil {
			continue
		}

		switch e := entry.(type) {
		case *Command:
			m.runSingleCommand(e, e.Deadline)
		case *txnEnvelope:
			m.runTransaction(e.txn)
		}
	}
}

// attemptConnect tries Adapter.Connect once. On success it marks the
// worker Connected and resets the reconnect backoff. On failure it
// marks Disconnected, records a reconnect attempt and sleeps for the
// next backoff interval (or until Close wakes it).
func (m *Manager) attemptConnect() bool {
	m.mu.Lock()
	m.connState = worker.Connecting
	params := m.connParams
	m.mu.Unlock()

	err := m.adapter.Connect(m.ctx, params)

	m.mu.Lock()
	if err == nil {
		m.connState = worker.Connected
		m.reconnector.Reset()
		m.mu.Unlock()
		m.logger.Infof("device connected (instance %s)", m.instanceID)
		return true
	}
	m.connState = worker.Disconnected
	m.stats.RecordReconnectAttempt()
	wait := m.reconnector.Next()
	m.mu.Unlock()

	m.logger.Warnf("connect failed, retrying in %v: %v", wait, err)
	select {
	case <-time.After(wait):
	case <-m.ctx.Done():
	}
	return false
}

// isTransportCode reports whether code is one of the error codes
// spec.md 4.D treats as evidence the session itself may be dead,
// rather than a command-specific failure.
func isTransportCode(code queueerr.Code) bool {
	switch code {
	case queueerr.CommFailed, queueerr.NotConnected, queueerr.Timeout:
		return true
	default:
		return false
	}
}

// checkTransportHealth re-probes the adapter after an Execute error
// that looks transport-related. A clean TestConnection means the
// failure was local to that command; a failing one means the session
// is actually down, so the adapter is disconnected and the worker is
// dropped back into attemptConnect's reconnect loop on its next
// iteration.
func (m *Manager) checkTransportHealth() {
	m.mu.Lock()
	down := m.shuttingDown
	m.mu.Unlock()
	if down {
		return
	}

	if err := m.adapter.TestConnection(m.ctx); err == nil {
		return
	}

	_ = m.adapter.Disconnect(context.Background())
	m.mu.Lock()
	m.connState = worker.Disconnected
	m.mu.Unlock()
	m.logger.Warnf("transport health check failed after command error, disconnecting")
}

// runSingleCommand drives a single top-level or transaction-member
// command through Adapter.Execute to a terminal state, observing the
// command's own deadline (if any) layered on the Manager's lifetime
// context.
func (m *Manager) runSingleCommand(cmd *Command, deadline time.Time) {
	m.mu.Lock()
	if cmd.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	cmd.state = StateRunning
	m.mu.Unlock()

	ctx := m.ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(m.ctx, deadline)
		defer cancel()
	}

	var err error
	if cmd.Type == CommandTypeTestConnection {
		err = m.adapter.TestConnection(ctx)
	} else {
		err = m.adapter.Execute(ctx, cmd.Type, cmd.params, cmd.result, cmd.onProgress)
	}

	var finalState CommandState
	switch {
	case err == nil:
		finalState = StateCompleted
	case errors.Is(err, context.DeadlineExceeded):
		finalState = StateTimedOut
	case errors.Is(err, context.Canceled):
		finalState = StateCancelled
	default:
		finalState = StateFailed
	}

	m.mu.Lock()
	m.transitionTerminalLocked(cmd, finalState, err)
	var errCode queueerr.Code
	if cmd.err != nil {
		errCode = cmd.err.Code
	}
	delay := m.adapter.CommandDelay(cmd.Type)
	m.mu.Unlock()

	if cmd.onComplete != nil {
		cmd.onComplete(cmd.ID, cmd.Type, cmd.result, cmd.Err())
	}

	// spec.md 4.D: any execute outcome that looks transport-related gets
	// a liveness re-check; a second failure disconnects and drops the
	// worker back into attemptConnect's backoff loop.
	if cmd.Type != CommandTypeTestConnection && isTransportCode(errCode) {
		m.checkTransportHealth()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
		}
	}
}

// transitionTerminalLocked moves cmd into a terminal state exactly
// once (terminal states are sticky), records stats, wakes blocking
// waiters and removes cmd from the by-id index. Caller holds m.mu.
func (m *Manager) transitionTerminalLocked(cmd *Command, state CommandState, cause error) {
	if cmd.state.IsTerminal() {
		return
	}
	cmd.state = state
	if cause != nil {
		var qe *queueerr.Error
		if !errors.As(cause, &qe) {
			qe = queueerr.Wrap(cmd.Type.String(), cause)
		}
		cmd.err = qe
	}
	close(cmd.done)
	delete(m.commandsByID, cmd.ID)

	m.stats.RecordProcessed()
	if state == StateFailed || state == StateTimedOut {
		m.stats.RecordError()
	}
	m.terminal.Broadcast()
}

func (m *Manager) nextCommandID() CommandID {
	return CommandID(m.commandIDCounter.Add(1))
}

// CommandOption customizes a single CommandBlocking/CommandAsync call,
// the same functional-options idiom ManagerOption uses at construction
// time (options.go), scoped down to one command instead of the whole
// Manager.
type CommandOption func(*Command)

// WithProgress attaches a progress callback the adapter's Execute may
// invoke zero or more times while the command runs — spec.md 4.H
// step 2's "caller-supplied progress callback", wired through to
// Adapter.Execute's onProgress parameter. A caller who needs to
// correlate callbacks with call-site state closes over it in fn
// directly rather than threading a second opaque value through the
// API.
func WithProgress(fn ProgressFunc) CommandOption {
	return func(cmd *Command) { cmd.onProgress = fn }
}

// enqueueCommand validates, clones params, allocates a result slot and
// enqueues a new top-level command, matching spec.md 4.E's
// validate -> clone -> allocate -> enqueue pipeline.
func (m *Manager) enqueueCommand(cmdType CommandType, params any, priority Priority, timeout time.Duration, onComplete CompletionFunc, opts ...CommandOption) (*Command, error) {
	if cmdType == CommandTypeConnect {
		return nil, queueerr.New("Enqueue", queueerr.InvalidParameter, "connect is not a queueable command type")
	}

	var cloned, result any
	if cmdType == CommandTypeTestConnection {
		result = &TestConnectionResult{}
	} else {
		var err error
		cloned, err = m.adapter.CloneParams(cmdType, params)
		if err != nil {
			return nil, queueerr.Wrap("Enqueue", err)
		}
		result, err = m.adapter.NewResult(cmdType)
		if err != nil {
			return nil, queueerr.Wrap("Enqueue", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return nil, queueerr.New("Enqueue", queueerr.InvalidState, "manager is shutting down")
	}

	cmd := newCommand(m.nextCommandID(), cmdType, priority, cloned, result)
	if timeout > 0 {
		cmd.Deadline = time.Now().Add(timeout)
	}
	cmd.onComplete = onComplete
	for _, opt := range opts {
		opt(cmd)
	}

	if err := m.scheduler.Enqueue(cmd); err != nil {
		return nil, queueerr.New("Enqueue", queueerr.QueueFull, err.Error())
	}
	m.commandsByID[cmd.ID] = cmd
	m.notEmpty.Signal()
	return cmd, nil
}

// CommandAsync enqueues cmdType at priority and returns its id
// immediately. onComplete is invoked on the worker goroutine when the
// command reaches a terminal state; it must not block or call a
// blocking queue API on this Manager. Pass WithProgress(fn) in opts to
// receive incremental progress callbacks while the command runs.
func (m *Manager) CommandAsync(cmdType CommandType, params any, priority Priority, onComplete CompletionFunc, opts ...CommandOption) (CommandID, error) {
	cmd, err := m.enqueueCommand(cmdType, params, priority, 0, onComplete, opts...)
	if err != nil {
		return 0, err
	}
	return cmd.ID, nil
}

// CommandBlocking enqueues cmdType at priority and waits for it to
// reach a terminal state, returning an independent copy of the
// result. Cancelling ctx or exceeding timeout (whichever comes first)
// cancels the command; a command already StateRunning when cancelled
// finishes on its own, matching CancelCommand's semantics. Pass
// WithProgress(fn) in opts to receive incremental progress callbacks
// while the command runs.
//
// timeout == 0 means no per-command deadline (the http.Client.Timeout
// convention), not "expire immediately" — spec.md section 8's literal
// "CommandBlocking(..., 0) times out immediately" boundary is reached
// here by passing a ctx whose deadline has already elapsed, not by the
// timeout value; see DESIGN.md's Open Question resolution and
// TestCommandBlockingExpiredContextTimesOutImmediately.
func (m *Manager) CommandBlocking(ctx context.Context, cmdType CommandType, params any, priority Priority, timeout time.Duration, opts ...CommandOption) (any, error) {
	cmd, err := m.enqueueCommand(cmdType, params, priority, timeout, nil, opts...)
	if err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if !cmd.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(cmd.Deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-cmd.done:
	case <-ctx.Done():
		_ = m.CancelCommand(cmd.ID)
		<-cmd.done
	case <-expired:
		m.mu.Lock()
		if cmd.state == StateQueued {
			m.scheduler.RemoveMatching(func(e sched.Entry) bool { c, ok := e.(*Command); return ok && c == cmd })
			m.transitionTerminalLocked(cmd, StateTimedOut, queueerr.New("CommandBlocking", queueerr.Timeout, "deadline elapsed before the command ran"))
		}
		m.mu.Unlock()
		<-cmd.done
	}

	if cmd.Err() != nil {
		return nil, cmd.Err()
	}

	if cmdType == CommandTypeTestConnection {
		return &TestConnectionResult{}, nil
	}

	out, err := m.adapter.NewResult(cmdType)
	if err != nil {
		return nil, queueerr.Wrap("CommandBlocking", err)
	}
	m.mu.Lock()
	src := cmd.result
	m.mu.Unlock()
	if err := m.adapter.CopyResult(cmdType, out, src); err != nil {
		return nil, queueerr.Wrap("CommandBlocking", err)
	}
	return out, nil
}

// CancelCommand cancels a single queued (not yet running) top-level
// command. Returns InvalidParameter if id is unknown or already
// terminal, OperationFailed if the command is already StateRunning,
// InvalidState if id names a transaction member (cancel the owning
// transaction instead via CancelTransaction).
func (m *Manager) CancelCommand(id CommandID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd, ok := m.commandsByID[id]
	if !ok {
		return queueerr.New("CancelCommand", queueerr.InvalidParameter, "unknown or already-terminal command id")
	}
	if cmd.inTxn {
		return queueerr.New("CancelCommand", queueerr.InvalidState, "id belongs to a transaction; use CancelTransaction")
	}
	if cmd.state == StateRunning {
		return queueerr.New("CancelCommand", queueerr.OperationFailed, "command is already running")
	}

	m.scheduler.RemoveMatching(func(e sched.Entry) bool {
		c, ok := e.(*Command)
		return ok && c.ID == id
	})
	m.transitionTerminalLocked(cmd, StateCancelled, queueerr.New("CancelCommand", queueerr.Cancelled, "cancelled by caller"))
	return nil
}

// CancelByType cancels every queued, non-transaction-member command of
// the given type, returning the count cancelled.
func (m *Manager) CancelByType(cmdType CommandType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.scheduler.RemoveMatching(func(e sched.Entry) bool {
		c, ok := e.(*Command)
		return ok && !c.inTxn && c.Type == cmdType
	})
	for _, e := range removed {
		c := e.(*Command)
		m.transitionTerminalLocked(c, StateCancelled, queueerr.New("CancelByType", queueerr.Cancelled, "cancelled by caller"))
	}
	return len(removed)
}

// CancelByAge cancels every queued, non-transaction-member command
// enqueued more than age ago, returning the count cancelled.
func (m *Manager) CancelByAge(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.scheduler.RemoveMatching(func(e sched.Entry) bool {
		c, ok := e.(*Command)
		return ok && !c.inTxn && c.EnqueuedAt.Before(cutoff)
	})
	for _, e := range removed {
		c := e.(*Command)
		m.transitionTerminalLocked(c, StateCancelled, queueerr.New("CancelByAge", queueerr.Cancelled, "cancelled by caller"))
	}
	return len(removed)
}

// CancelAll drains every queued command and committed transaction,
// marking every member StateCancelled, and returns the total number
// of commands cancelled (a transaction contributes one count per
// member). A command already StateRunning is unaffected; it finishes
// on its own.
func (m *Manager) CancelAll() int {
	m.mu.Lock()

	drained := m.scheduler.Drain()
	count := 0
	var pending []pendingTxnDone
	for _, e := range drained {
		switch v := e.(type) {
		case *Command:
			m.transitionTerminalLocked(v, StateCancelled, queueerr.New("CancelAll", queueerr.Cancelled, "cancelled by caller"))
			count++
		case *txnEnvelope:
			count += len(v.txn.members)
			done, outcomes, handle := m.finishTxnLocked(v.txn)
			if done != nil {
				pending = append(pending, pendingTxnDone{done, handle, outcomes})
			}
		}
	}
	m.mu.Unlock()

	for _, p := range pending {
		p.done(p.handle, p.outcomes, true)
	}
	return count
}

// pendingTxnDone defers a transaction completion callback until after
// a bulk cancellation (CancelAll, Close) has released the mutex.
type pendingTxnDone struct {
	done     TxnCompletionFunc
	handle   TransactionHandle
	outcomes []TxnOutcome
}

// InstanceID identifies this Manager for diagnostics and logging: two
// Managers for the same adapter type in the same process (e.g. two
// instruments of the same model) get distinct ids, so log lines and
// metrics can be told apart without relying on a caller-supplied tag.
func (m *Manager) InstanceID() uuid.UUID {
	return m.instanceID
}

// IsRunning reports whether the Manager has not yet been Closed.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.shuttingDown
}

// IsConnected reports the worker's last known connection state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connState == worker.Connected
}

// IsInTransaction reports whether the worker is currently executing a
// committed transaction's members.
func (m *Manager) IsInTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTxn != nil
}

// Stats returns a point-in-time snapshot of processed/error/reconnect
// counters plus current queue depths and connection/transaction state.
func (m *Manager) Stats() stats.Snapshot {
	m.mu.Lock()
	depths := m.scheduler.Depths()
	connected := m.connState == worker.Connected
	inTxn := m.currentTxn != nil
	m.mu.Unlock()
	return m.stats.Snapshot(depths, connected, inTxn)
}

// GetDeviceContext returns the connection parameters the adapter is
// currently connected with, or nil while disconnected.
func (m *Manager) GetDeviceContext() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connState != worker.Connected {
		return nil
	}
	return m.connParams
}

// HasCommandType reports whether the adapter recognizes cmdType, by
// the convention that CommandTypeName returns "" for a type it does
// not support.
func (m *Manager) HasCommandType(cmdType CommandType) bool {
	return m.adapter.CommandTypeName(cmdType) != ""
}

// SetLogDevice retags every subsequent log line this Manager emits,
// letting one process run several Managers against distinguishable
// log-device tags.
func (m *Manager) SetLogDevice(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.logDeviceTag = tag
	m.logger = m.cfg.logger.WithTag(tag)
}

// Close cooperatively stops the Manager: every pending command and
// transaction is cancelled, the worker goroutine is woken and joined
// (bounded by ctx), and the adapter is disconnected. Close is
// idempotent; a second call returns nil immediately.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true

	drained := m.scheduler.Drain()
	var pending []pendingTxnDone
	for _, e := range drained {
		switch v := e.(type) {
		case *Command:
			m.transitionTerminalLocked(v, StateCancelled, queueerr.New("Close", queueerr.Cancelled, "manager closed"))
		case *txnEnvelope:
			done, outcomes, handle := m.finishTxnLocked(v.txn)
			if done != nil {
				pending = append(pending, pendingTxnDone{done, handle, outcomes})
			}
		}
	}
	for h, txn := range m.txns {
		if txn.state == TxnBuilding {
			delete(m.txns, h)
		}
	}

	m.notEmpty.Broadcast()
	m.terminal.Broadcast()
	m.mu.Unlock()

	for _, p := range pending {
		p.done(p.handle, p.outcomes, true)
	}

	m.cancel()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), m.cfg.shutdownGrace)
	defer cancelGrace()

	select {
	case <-m.doneCh:
	case <-ctx.Done():
		return queueerr.Wrap("Close", ctx.Err())
	case <-graceCtx.Done():
		return queueerr.New("Close", queueerr.Timeout, "worker did not exit within the shutdown grace period")
	}

	return m.adapter.Disconnect(context.Background())
}

func (t CommandType) String() string {
	return "command_type(" + strconv.Itoa(int(t)) + ")"
}
