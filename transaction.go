package devqueue

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/devqueue/internal/queueerr"
	"github.com/ehrlich-b/devqueue/internal/sched"
)

// TransactionHandle identifies a transaction for the life of its
// building/commit/execution cycle. Zero is never a valid handle.
type TransactionHandle uint64

var txnHandleCounter atomic.Uint64

func nextTxnHandle() TransactionHandle {
	return TransactionHandle(txnHandleCounter.Add(1))
}

// TxnFlags modifies commit/execution behavior of a transaction.
type TxnFlags int

const (
	// TxnAbortOnError stops executing remaining members as soon as one
	// fails, marking everything after it TxnCancelled-equivalent
	// (StateCancelled on the member command). Without this flag every
	// member runs regardless of a sibling's failure.
	TxnAbortOnError TxnFlags = 1 << iota
)

// TxnState is the lifecycle state of a transaction, moving
// monotonically TxnBuilding -> TxnCommitted -> one of the terminal
// states. Mirrors spec.md section 3's transaction state machine.
type TxnState int

const (
	TxnBuilding TxnState = iota
	TxnCommitted
	TxnCompleting
	TxnCompleted
	TxnCancelled
)

func (s TxnState) String() string {
	switch s {
	case TxnBuilding:
		return "building"
	case TxnCommitted:
		return "committed"
	case TxnCompleting:
		return "completing"
	case TxnCompleted:
		return "completed"
	case TxnCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TxnOutcome is the per-member terminal outcome reported after a
// transaction finishes: the command's id, its type, the final result
// (a borrowed pointer valid only for the duration of the completion
// callback) and any error.
type TxnOutcome struct {
	ID     CommandID
	Type   CommandType
	Result any
	Err    error
}

// TxnCompletionFunc is invoked exactly once when a committed
// transaction reaches TxnCompleted or TxnCancelled: on the worker
// goroutine when the transaction ran, or on the goroutine calling
// CancelTransaction, CancelAll or Close when it was cancelled before
// it started.
// outcomes is ordered the same as AddToTransaction calls. Must not
// block or call a blocking queue API on the same Manager.
type TxnCompletionFunc func(h TransactionHandle, outcomes []TxnOutcome, aborted bool)

// Transaction is the building/committed state of a group of commands
// that must execute contiguously, without another entry interleaving
// between members, once the scheduler selects it.
//
// Grounded on the teacher's contiguous batch-drain discipline in
// processRequests/handleCompletion, generalized from "drain one
// io_uring completion batch before the next io_uring_enter" to "run
// one transaction's members back to back before yielding the
// scheduler." Lives in the root package, not a separate internal/txn,
// because it mutates *Command values owned by this package directly —
// see DESIGN.md.
type Transaction struct {
	handle   TransactionHandle
	priority Priority
	flags    TxnFlags
	deadline time.Time // zero means no transaction-wide deadline

	state    TxnState
	members  []*Command
	onDone   TxnCompletionFunc
}

// txnEnvelope is the opaque unit the scheduler actually queues for a
// committed transaction; it implements sched.Entry so a transaction
// competes for a priority slot exactly like a single command.
type txnEnvelope struct {
	txn *Transaction
}

func (e *txnEnvelope) SchedPriority() sched.Priority {
	return sched.Priority(e.txn.priority)
}

// BeginTransaction opens a new transaction in TxnBuilding state at
// PriorityNormal with no flags and no deadline. The returned handle is
// used with AddToTransaction, SetTransactionPriority/Flags/Timeout,
// CommitTransaction and CancelTransaction.
func (m *Manager) BeginTransaction() TransactionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &Transaction{
		handle:   nextTxnHandle(),
		priority: PriorityNormal,
		state:    TxnBuilding,
	}
	m.txns[txn.handle] = txn
	return txn.handle
}

// AddToTransaction appends a member command to a building transaction.
// Returns InvalidState if the transaction is not in TxnBuilding,
// InvalidParameter if it is already at MaxTransactionCommands or if
// cmdType is CommandTypeConnect (connect is never a queueable member).
func (m *Manager) AddToTransaction(h TransactionHandle, cmdType CommandType, params any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookupBuildingTxn(h)
	if err != nil {
		return err
	}
	if cmdType == CommandTypeConnect {
		return queueerr.New("AddToTransaction", queueerr.InvalidParameter, "connect is not a queueable command type")
	}
	if len(txn.members) >= m.cfg.maxTransactionCommands {
		return queueerr.New("AddToTransaction", queueerr.InvalidParameter, "transaction at MaxTransactionCommands")
	}

	var cloned, result any
	if cmdType == CommandTypeTestConnection {
		result = &TestConnectionResult{}
	} else {
		cloned, err = m.adapter.CloneParams(cmdType, params)
		if err != nil {
			return queueerr.Wrap("AddToTransaction", err)
		}
		result, err = m.adapter.NewResult(cmdType)
		if err != nil {
			return queueerr.Wrap("AddToTransaction", err)
		}
	}

	cmd := newCommand(m.nextCommandID(), cmdType, txn.priority, cloned, result)
	cmd.inTxn = true
	cmd.txnHandle = h
	cmd.txnSlot = len(txn.members)
	txn.members = append(txn.members, cmd)
	return nil
}

// SetTransactionPriority sets the priority the transaction's envelope
// will be scheduled at once committed. Applies to the transaction as a
// whole, not per-member. Must be called before CommitTransaction.
func (m *Manager) SetTransactionPriority(h TransactionHandle, p Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookupBuildingTxn(h)
	if err != nil {
		return err
	}
	txn.priority = p
	for _, c := range txn.members {
		c.Priority = p
	}
	return nil
}

// SetTransactionFlags sets the TxnFlags for the transaction, e.g.
// TxnAbortOnError. Must be called before CommitTransaction.
func (m *Manager) SetTransactionFlags(h TransactionHandle, flags TxnFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookupBuildingTxn(h)
	if err != nil {
		return err
	}
	txn.flags = flags
	return nil
}

// SetTransactionTimeout sets a transaction-wide deadline measured from
// the time of this call, not from commit. Zero clears any existing
// deadline (no timeout).
func (m *Manager) SetTransactionTimeout(h TransactionHandle, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookupBuildingTxn(h)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		txn.deadline = time.Time{}
		return nil
	}
	txn.deadline = time.Now().Add(timeout)
	return nil
}

// CommitTransaction closes the transaction to further AddToTransaction
// calls and enqueues it as a single scheduler entry. Returns
// InvalidState if the transaction is not TxnBuilding or has zero
// members, or the scheduler's ErrFull if its priority queue is at
// capacity. onComplete is invoked exactly once, when every member has
// reached a terminal state (see TxnCompletionFunc for which goroutine).
func (m *Manager) CommitTransaction(h TransactionHandle, onComplete TxnCompletionFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.lookupBuildingTxn(h)
	if err != nil {
		return err
	}
	if len(txn.members) == 0 {
		return queueerr.New("CommitTransaction", queueerr.InvalidState, "cannot commit an empty transaction")
	}
	if m.shuttingDown {
		return queueerr.New("CommitTransaction", queueerr.InvalidState, "manager is shutting down")
	}

	if deadline := txn.deadline; !deadline.IsZero() {
		for _, c := range txn.members {
			if c.Deadline.IsZero() || deadline.Before(c.Deadline) {
				c.Deadline = deadline
			}
		}
	}

	txn.onDone = onComplete
	txn.state = TxnCommitted
	if err := m.scheduler.Enqueue(&txnEnvelope{txn: txn}); err != nil {
		txn.state = TxnBuilding
		return err
	}
	m.notEmpty.Signal()
	return nil
}

// CancelTransaction cancels a transaction. A still-building
// transaction is discarded outright. A committed, not-yet-started
// transaction is removed from the scheduler, every member is marked
// StateCancelled and onComplete (passed to CommitTransaction) runs
// once. A transaction currently executing (its first member already
// StateRunning) cannot be aborted mid-flight — the running member
// finishes on its own and every not-yet-started member is marked
// cancelled instead; runTransaction's own completion step then runs
// onComplete, matching the boundary spec.md 4.F draws for single
// commands.
func (m *Manager) CancelTransaction(h TransactionHandle) error {
	m.mu.Lock()

	txn, ok := m.txns[h]
	if !ok {
		m.mu.Unlock()
		return queueerr.New("CancelTransaction", queueerr.InvalidParameter, "unknown transaction handle")
	}

	switch txn.state {
	case TxnBuilding:
		delete(m.txns, h)
		m.mu.Unlock()
		return nil
	case TxnCancelled, TxnCompleted:
		m.mu.Unlock()
		return queueerr.New("CancelTransaction", queueerr.InvalidState, "transaction already terminal")
	}

	if m.currentTxn == txn {
		m.cancelPendingMembersLocked(txn)
		txn.state = TxnCancelled
		m.mu.Unlock()
		return nil
	}

	m.scheduler.RemoveMatching(func(e sched.Entry) bool {
		env, ok := e.(*txnEnvelope)
		return ok && env.txn.handle == h
	})
	done, outcomes, handle := m.finishTxnLocked(txn)
	m.mu.Unlock()

	if done != nil {
		done(handle, outcomes, true)
	}
	return nil
}

// lookupBuildingTxn fetches the transaction for h and verifies it is
// still in TxnBuilding, the only state the building-phase mutators may
// touch. Caller holds m.mu.
func (m *Manager) lookupBuildingTxn(h TransactionHandle) (*Transaction, error) {
	txn, ok := m.txns[h]
	if !ok {
		return nil, queueerr.New("Transaction", queueerr.InvalidParameter, "unknown transaction handle")
	}
	if txn.state != TxnBuilding {
		return nil, queueerr.New("Transaction", queueerr.InvalidState, "transaction is not open for building")
	}
	return txn, nil
}

// runTransaction executes every member of a committed transaction
// contiguously on the worker goroutine: no other scheduler entry is
// popped until the whole transaction finishes. Caller holds no lock;
// runTransaction acquires m.mu around each member's state transitions
// and releases it around the adapter call, same discipline as a
// single command (spec.md 4.D "mutex released around adapter calls").
func (m *Manager) runTransaction(txn *Transaction) {
	m.mu.Lock()
	m.currentTxn = txn
	m.mu.Unlock()

	aborted := false
	for _, cmd := range txn.members {
		if aborted {
			m.mu.Lock()
			m.transitionTerminalLocked(cmd, StateCancelled, queueerr.New("Execute", queueerr.Cancelled, "aborted by a prior transaction member's error"))
			m.mu.Unlock()
			continue
		}

		deadline := cmd.Deadline
		m.runSingleCommand(cmd, deadline)

		if cmd.state == StateFailed && txn.flags&TxnAbortOnError != 0 {
			aborted = true
		}
	}

	m.mu.Lock()
	// txn.state may already be TxnCancelled if CancelTransaction raced
	// in while this member was running; don't clobber that verdict.
	if txn.state != TxnCancelled {
		if aborted {
			txn.state = TxnCancelled
		} else {
			txn.state = TxnCompleted
		}
	}
	finalAborted := txn.state == TxnCancelled
	outcomes := outcomesLocked(txn)
	delete(m.txns, txn.handle)
	m.currentTxn = nil
	done := txn.onDone
	h := txn.handle
	m.mu.Unlock()

	if done != nil {
		done(h, outcomes, finalAborted)
	}
}

// outcomesLocked builds the per-member TxnOutcome slice reported to a
// transaction's completion callback. Caller holds m.mu.
func outcomesLocked(txn *Transaction) []TxnOutcome {
	outcomes := make([]TxnOutcome, len(txn.members))
	for i, cmd := range txn.members {
		outcomes[i] = TxnOutcome{ID: cmd.ID, Type: cmd.Type, Result: cmd.result, Err: cmd.Err()}
	}
	return outcomes
}

// cancelPendingMembersLocked marks every not-yet-started member of txn
// StateCancelled without touching txn.state or bookkeeping; used when
// txn is currently running so its in-flight member (StateRunning) is
// left alone to finish on its own while the rest are pre-empted.
// Caller holds m.mu.
func (m *Manager) cancelPendingMembersLocked(txn *Transaction) {
	for _, cmd := range txn.members {
		if cmd.state == StateQueued {
			m.transitionTerminalLocked(cmd, StateCancelled, queueerr.New("CancelTransaction", queueerr.Cancelled, "transaction cancelled"))
		}
	}
}

// finishTxnLocked cancels every not-yet-terminal member of a committed
// transaction that never started running, marks it TxnCancelled and
// removes it from bookkeeping, returning the completion callback (if
// any) and its outcomes for the caller to invoke after unlocking.
// Caller holds m.mu.
func (m *Manager) finishTxnLocked(txn *Transaction) (TxnCompletionFunc, []TxnOutcome, TransactionHandle) {
	m.cancelPendingMembersLocked(txn)
	txn.state = TxnCancelled
	outcomes := outcomesLocked(txn)
	delete(m.txns, txn.handle)
	m.terminal.Broadcast()
	return txn.onDone, outcomes, txn.handle
}
