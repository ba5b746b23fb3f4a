// Package devqueue implements a generic thread-safe device command
// queue: a priority-ordered, cancellable, transactional command
// stream that serializes access to a slow, stateful, single-owner
// physical device behind a narrow driver adapter interface.
package devqueue

import (
	"context"
	"time"
)

// CommandType identifies an adapter-defined command. The queue never
// interprets a CommandType beyond comparing it for equality and
// routing it to the adapter; only CommandTypeConnect and
// CommandTypeTestConnection are reserved by the queue itself.
type CommandType int

// CommandTypeConnect is reserved: it is never enqueued. Connection is
// performed internally by the worker via Adapter.Connect.
const CommandTypeConnect CommandType = -1

// CommandTypeTestConnection is reserved: it may be enqueued like any
// other command (typically Blocking, to probe liveness synchronously),
// but the worker routes it straight to Adapter.TestConnection instead
// of Adapter.Execute, and it carries no adapter-defined params or
// result — CloneParams/NewResult/CopyResult are never called for it.
const CommandTypeTestConnection CommandType = -2

// TestConnectionResult is the (empty) result of a CommandTypeTestConnection
// command; its only useful content is the error CommandBlocking
// returns alongside it.
type TestConnectionResult struct{}

// ProgressFunc is invoked by an adapter's Execute implementation (via
// the technique package, typically) to report incremental progress on
// a long-running command. It runs on the worker goroutine and must
// not block or call back into the queue.
type ProgressFunc func(cmdType CommandType, progress float64, data any)

// CompletionFunc is invoked by the worker when an async command
// reaches a terminal state. result is a borrowed pointer valid only
// for the duration of the call; copy anything that must outlive it.
// Must not block or call a blocking queue API on the same Manager.
type CompletionFunc func(id CommandID, cmdType CommandType, result any, err error)

// Adapter is the typed capability set a driver supplies to translate
// queue-level operations into device I/O. The queue treats params and
// result as opaque; it never inspects them beyond passing them to the
// adapter. All Adapter methods are called exclusively from the
// Manager's single worker goroutine — adapters must not be reentrant
// and must not call back into the Manager.
//
// Grounded on the teacher's Backend/Logger/Observer interface trio
// (internal/interfaces/backend.go): a small set of function-shaped
// capabilities the core calls without ever downcasting.
type Adapter interface {
	// Name returns a display name for logs and diagnostics.
	Name() string

	// Connect establishes the device session using connParams (the
	// value passed to NewManager, deep-cloned once by CloneParams).
	// May be slow. On success, subsequent IsConnected calls must
	// return true and Execute may be called.
	Connect(ctx context.Context, connParams any) error

	// Disconnect tears down the session. Must be idempotent and safe
	// to call on a never-connected adapter. Best-effort.
	Disconnect(ctx context.Context) error

	// TestConnection performs a lightweight liveness probe.
	TestConnection(ctx context.Context) error

	// IsConnected is a pure accessor reflecting the adapter's last
	// known connection state.
	IsConnected() bool

	// Execute performs the real work of a command. Must be
	// synchronous from the queue's point of view: the call returning
	// means the command is done. Must populate result. onProgress is
	// the caller-supplied callback (nil if none was attached via
	// WithProgress) — an adapter built on the technique package passes
	// it straight through as technique.Config.OnProgress.
	Execute(ctx context.Context, cmdType CommandType, params, result any, onProgress ProgressFunc) error

	// CloneParams deep-copies params for the given command type so the
	// queue can own a copy independent of the caller's value.
	CloneParams(cmdType CommandType, params any) (any, error)

	// NewResult allocates a zero-valued result slot for cmdType.
	NewResult(cmdType CommandType) (any, error)

	// CopyResult deep-copies src into dst for the given command type,
	// used to hand a blocking caller an independent copy of the
	// queue-owned result.
	CopyResult(cmdType CommandType, dst, src any) error

	// CommandTypeName returns a human-readable name for logs.
	CommandTypeName(cmdType CommandType) string

	// CommandDelay returns the post-command quiescence period the
	// worker must observe before selecting the next command.
	CommandDelay(cmdType CommandType) time.Duration
}
