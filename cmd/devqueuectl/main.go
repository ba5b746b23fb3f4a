// Command devqueuectl is a small end-to-end harness for devqueue: it
// picks one of the two reference adapters by flag, constructs a
// Manager, and runs a scripted sequence of blocking and async commands
// plus one transaction. Useful as a manual smoke test and as the
// runnable example for this module.
//
// Grounded on cmd/ublk-mem/main.go: flag-based CLI, optional config
// file, wires logging, runs a fixed scenario against the constructed
// object and reports the outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/devqueue"
	"github.com/ehrlich-b/devqueue/adapter/echem"
	"github.com/ehrlich-b/devqueue/adapter/powersupply"
	"github.com/ehrlich-b/devqueue/internal/logging"
)

// fileConfig is the shape of an optional YAML config file; flags
// override whatever it sets.
type fileConfig struct {
	Adapter  string `yaml:"adapter"`
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	SlaveID  int    `yaml:"slave_id"`
	Verbose  bool   `yaml:"verbose"`
}

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		adapterKey = flag.String("adapter", "", "which adapter to run: powersupply or echem")
		device     = flag.String("device", "", "serial device path (empty selects a simulated device where supported)")
		baudRate   = flag.Int("baud", 9600, "serial baud rate")
		slaveID    = flag.Int("slave-id", 1, "Modbus slave id (powersupply only)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	cfg := fileConfig{Adapter: *adapterKey, Device: *device, BaudRate: *baudRate, SlaveID: *slaveID, Verbose: *verbose}
	if *configPath != "" {
		if err := loadFileConfig(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "devqueuectl: %v\n", err)
			os.Exit(1)
		}
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "adapter":
				cfg.Adapter = *adapterKey
			case "device":
				cfg.Device = *device
			case "baud":
				cfg.BaudRate = *baudRate
			case "slave-id":
				cfg.SlaveID = *slaveID
			case "v":
				cfg.Verbose = *verbose
			}
		})
	}

	logConfig := logging.DefaultConfig()
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Errorf("devqueuectl: %v", err)
		os.Exit(1)
	}
}

func loadFileConfig(path string, cfg *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func run(cfg fileConfig, logger *logging.Logger) error {
	switch cfg.Adapter {
	case "powersupply":
		return runPowersupply(cfg, logger)
	case "echem", "":
		return runEchem(cfg, logger)
	default:
		return fmt.Errorf("unknown adapter %q (want powersupply or echem)", cfg.Adapter)
	}
}

func runPowersupply(cfg fileConfig, logger *logging.Logger) error {
	a := powersupply.New(200 * time.Millisecond)
	connParams := &powersupply.ConnParams{Device: cfg.Device, BaudRate: cfg.BaudRate, SlaveID: byte(cfg.SlaveID)}

	mgr, err := devqueue.NewManager(a, connParams, devqueue.WithLogger(logger), devqueue.WithLogDeviceTag("psu"))
	if err != nil {
		return fmt.Errorf("NewManager: %w", err)
	}
	defer closeManager(mgr, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := mgr.CommandBlocking(ctx, powersupply.CmdSetVoltage, &powersupply.SetVoltageParams{Volts: 5.0}, devqueue.PriorityNormal, 2*time.Second); err != nil {
		return fmt.Errorf("SET_VOLTAGE: %w", err)
	}
	logger.Info("voltage setpoint applied")

	id, err := mgr.CommandAsync(powersupply.CmdSetOutputState, &powersupply.SetOutputStateParams{On: true}, devqueue.PriorityHigh, func(id devqueue.CommandID, cmdType devqueue.CommandType, result any, err error) {
		logger.Infof("async command %d finished: err=%v", id, err)
	})
	if err != nil {
		return fmt.Errorf("SET_OUTPUT_STATE async: %w", err)
	}
	logger.Infof("enqueued async output-on command %d", id)

	h := mgr.BeginTransaction()
	if err := mgr.AddToTransaction(h, powersupply.CmdSetCurrentLimit, &powersupply.SetCurrentLimitParams{Amps: 1.0}); err != nil {
		return fmt.Errorf("AddToTransaction: %w", err)
	}
	if err := mgr.AddToTransaction(h, powersupply.CmdReadOutput, nil); err != nil {
		return fmt.Errorf("AddToTransaction: %w", err)
	}
	done := make(chan struct{})
	if err := mgr.CommitTransaction(h, func(handle devqueue.TransactionHandle, outcomes []devqueue.TxnOutcome, aborted bool) {
		logger.Infof("transaction %d finished: aborted=%v outcomes=%d", handle, aborted, len(outcomes))
		close(done)
	}); err != nil {
		return fmt.Errorf("CommitTransaction: %w", err)
	}
	<-done

	return nil
}

func runEchem(cfg fileConfig, logger *logging.Logger) error {
	a := echem.New()
	connParams := &echem.ConnParams{Device: cfg.Device, BaudRate: cfg.BaudRate}

	mgr, err := devqueue.NewManager(a, connParams, devqueue.WithLogger(logger), devqueue.WithLogDeviceTag("echem"))
	if err != nil {
		return fmt.Errorf("NewManager: %w", err)
	}
	defer closeManager(mgr, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := mgr.CommandBlocking(ctx, echem.CmdChronoamperometry, &echem.ChronoamperometryParams{
		PotentialVolts: 0.4,
		Duration:       200 * time.Millisecond,
		SampleInterval: 20 * time.Millisecond,
	}, devqueue.PriorityNormal, 5*time.Second, devqueue.WithProgress(func(cmdType devqueue.CommandType, progress float64, data any) {
		logger.Debugf("chronoamperometry progress: %.0f%%", progress*100)
	}))
	if err != nil {
		return fmt.Errorf("CHRONOAMPEROMETRY: %w", err)
	}
	out := result.(*echem.TechniqueResult)
	logger.Infof("chronoamperometry acquired %d samples (partial=%v)", len(out.TimesSec), out.Partial)
	return nil
}

func closeManager(mgr *devqueue.Manager, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		logger.Warnf("close: %v", err)
	}
}
