// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/vdmabuf/lib/broker"
	"github.com/bureau-foundation/vdmabuf/lib/config"
	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/process"
	"github.com/bureau-foundation/vdmabuf/lib/service"
	"github.com/bureau-foundation/vdmabuf/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	options, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if options.showVersion {
		version.Print("vdmabuf-broker")
		return nil
	}

	cfg, err := loadConfig(options)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, nil)
}

// flags holds the parsed command line. changed reports whether a flag
// was set explicitly, so only those override the config file.
type flags struct {
	configPath     string
	backend        bool
	debug          bool
	vms            string
	socketPath     string
	statusSocket   string
	metricsAddress string
	memoryDevice   bool
	showVersion    bool

	changed func(name string) bool
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	parsed := &flags{}
	flagSet := pflag.NewFlagSet("vdmabuf-broker", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&parsed.configPath, "config", "", "configuration file (.yaml or .toml); defaults to $VDMABUF_CONFIG")
	flagSet.BoolVarP(&parsed.backend, "backend", "b", false, "run on the host against the back-end device")
	flagSet.BoolVarP(&parsed.debug, "debug", "d", false, "enable debug logging")
	flagSet.StringVarP(&parsed.vms, "vm", "m", "", "comma-separated VM names to monitor (requires --backend)")
	flagSet.StringVar(&parsed.socketPath, "socket", "", "listening socket path (default depends on mode)")
	flagSet.StringVar(&parsed.statusSocket, "status-socket", "", "CBOR control socket path")
	flagSet.StringVar(&parsed.metricsAddress, "metrics-address", "", "listen address for Prometheus /metrics")
	flagSet.BoolVar(&parsed.memoryDevice, "memory-device", false, "use the in-process memfd device instead of the kernel driver")
	flagSet.BoolVar(&parsed.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, process.Usagef("%v", err)
	}
	if flagSet.NArg() > 0 {
		return nil, process.Usagef("unexpected argument %q", flagSet.Arg(0))
	}
	parsed.changed = flagSet.Changed
	return parsed, nil
}

// loadConfig reads the config file, applies explicitly set flags on
// top, and validates the result.
func loadConfig(options *flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if options.configPath != "" {
		cfg, err = config.LoadFile(options.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if options.changed("backend") {
		cfg.Mode = config.Frontend
		if options.backend {
			cfg.Mode = config.Backend
		}
	}
	if options.changed("debug") {
		cfg.Debug = options.debug
	}
	if options.changed("vm") {
		if cfg.Mode != config.Backend {
			return nil, process.Usagef("--vm requires --backend")
		}
		cfg.VMs = config.ParseVMList(options.vms)
	}
	if options.changed("socket") {
		cfg.SocketPath = options.socketPath
	}
	if options.changed("status-socket") {
		cfg.StatusSocket = options.statusSocket
	}
	if options.changed("metrics-address") {
		cfg.MetricsAddress = options.metricsAddress
	}
	if options.changed("memory-device") && options.memoryDevice {
		cfg.Device = config.MemoryDevice
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// serve opens the devices and runs the broker with its optional
// control socket and metrics endpoint until ctx is cancelled or one of
// them fails. ready, if non-nil, is called once every listener is
// bound.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(*broker.Broker)) error {
	devices, err := openDevices(cfg, logger)
	if err != nil {
		return err
	}

	policy, err := cfg.Cleanup()
	if err != nil {
		closeDevices(devices)
		return err
	}

	b, err := broker.New(broker.Config{
		SocketPath:  cfg.Socket(),
		Backend:     cfg.Mode == config.Backend,
		Devices:     devices,
		MaxSessions: cfg.MaxSessions,
		Cleanup:     policy,
		IOTimeout:   cfg.IOTimeout,
		Logger:      logger,
	})
	if err != nil {
		closeDevices(devices)
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return b.Run(groupCtx)
	})
	waitFor := []<-chan struct{}{b.Ready()}

	if cfg.StatusSocket != "" {
		control := service.NewSocketServer(cfg.StatusSocket, logger)
		registerActions(control, b)
		group.Go(func() error {
			return control.Serve(groupCtx)
		})
		waitFor = append(waitFor, control.Ready())
	}

	if cfg.MetricsAddress != "" {
		metricsServer := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.MetricsAddress,
			Handler: metricsHandler(b),
			Logger:  logger,
		})
		group.Go(func() error {
			return metricsServer.Serve(groupCtx)
		})
		waitFor = append(waitFor, metricsServer.Ready())
	}

	logger.Info("vdmabuf broker starting",
		"mode", string(cfg.Mode),
		"socket", cfg.Socket(),
		"devices", len(devices),
		"version", version.Current().String(),
	)

	if ready != nil {
		group.Go(func() error {
			for _, channel := range waitFor {
				select {
				case <-channel:
				case <-groupCtx.Done():
					return nil
				}
			}
			ready(b)
			return nil
		})
	}

	err = group.Wait()
	logger.Info("vdmabuf broker stopped")
	return err
}

// openDevices opens one device per binding in cfg. A back-end VM the
// driver does not know is skipped with a warning; any other failure is
// fatal.
func openDevices(cfg *config.Config, logger *slog.Logger) ([]device.Device, error) {
	if cfg.Device == config.MemoryDevice {
		fabric := device.NewFabric()
		if cfg.Mode == config.Frontend {
			dev, err := fabric.Open("")
			if err != nil {
				return nil, err
			}
			return []device.Device{dev}, nil
		}
		var devices []device.Device
		for _, vm := range cfg.VMs {
			dev, err := fabric.Open(vm)
			if err != nil {
				closeDevices(devices)
				return nil, err
			}
			devices = append(devices, dev)
		}
		return devices, nil
	}

	if cfg.Mode == config.Frontend {
		dev, err := device.OpenFrontend(cfg.FrontendDevice)
		if err != nil {
			return nil, err
		}
		return []device.Device{dev}, nil
	}

	var devices []device.Device
	for _, vm := range cfg.VMs {
		dev, err := device.OpenBackend(cfg.BackendDevice, vm)
		if errors.Is(err, device.ErrUnknownVM) {
			logger.Warn("skipping vm", "vm", vm, "error", err)
			continue
		}
		if err != nil {
			closeDevices(devices)
			return nil, err
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		logger.Warn("no vm could be attached; every session Attach will fail")
	}
	return devices, nil
}

func closeDevices(devices []device.Device) {
	for _, dev := range devices {
		dev.Close()
	}
}
