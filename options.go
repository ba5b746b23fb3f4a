package devqueue

import (
	"time"

	"github.com/ehrlich-b/devqueue/internal/constants"
	"github.com/ehrlich-b/devqueue/internal/logging"
	"github.com/ehrlich-b/devqueue/internal/sched"
)

// managerConfig holds every NewManager tunable, built up by applying
// ManagerOption values over a set of defaults sourced from
// internal/constants.
type managerConfig struct {
	capacities             sched.Capacities
	maxTransactionCommands int
	reconnectInitial       time.Duration
	reconnectMax           time.Duration
	shutdownGrace          time.Duration
	logger                 *logging.Logger
	logDeviceTag           string
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		capacities: sched.Capacities{
			Low:    constants.DefaultLowCapacity,
			Normal: constants.DefaultNormalCapacity,
			High:   constants.DefaultHighCapacity,
		},
		maxTransactionCommands: constants.MaxTransactionCommands,
		reconnectInitial:       constants.DefaultReconnectInitialInterval,
		reconnectMax:           constants.DefaultReconnectMaxInterval,
		shutdownGrace:          constants.WorkerShutdownGrace,
		logger:                 logging.Default(),
	}
}

// ManagerOption customizes a Manager at construction time.
//
// Grounded on Moonlight-Companies/gomodbus's TCPTransportOption
// (other_examples/4f4ff083_...go.go): small closures over an unexported
// config struct, applied left to right in NewManager.
type ManagerOption func(*managerConfig)

// WithQueueCapacities overrides the default per-priority hard
// capacities. Zero in any field means unbounded for that priority.
func WithQueueCapacities(caps sched.Capacities) ManagerOption {
	return func(c *managerConfig) { c.capacities = caps }
}

// WithMaxTransactionCommands overrides constants.MaxTransactionCommands
// for this Manager.
func WithMaxTransactionCommands(n int) ManagerOption {
	return func(c *managerConfig) { c.maxTransactionCommands = n }
}

// WithReconnectBackoff overrides the worker's reconnect backoff
// initial and clamped maximum interval.
func WithReconnectBackoff(initial, max time.Duration) ManagerOption {
	return func(c *managerConfig) {
		c.reconnectInitial = initial
		c.reconnectMax = max
	}
}

// WithShutdownGrace overrides how long Close waits for the worker
// goroutine to exit, including any in-flight command it is still
// running.
func WithShutdownGrace(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.shutdownGrace = d }
}

// WithLogger overrides the Manager's logger. Defaults to
// logging.Default().
func WithLogger(l *logging.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithLogDeviceTag sets the initial log-device tag, equivalent to
// calling (*Manager).SetLogDevice immediately after construction.
func WithLogDeviceTag(tag string) ManagerOption {
	return func(c *managerConfig) { c.logDeviceTag = tag }
}
