// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/vdmabuf/lib/broker"
	"github.com/bureau-foundation/vdmabuf/lib/device"
	"github.com/bureau-foundation/vdmabuf/lib/wire"
)

// Mode is the broker's operating side.
type Mode string

const (
	// Frontend runs inside a guest against the single front-end device.
	Frontend Mode = "frontend"
	// Backend runs on the host with one device handle per monitored VM.
	Backend Mode = "backend"
)

// DeviceKind selects the device implementation.
type DeviceKind string

const (
	// KernelDevice drives the virtio-vdmabuf character devices.
	KernelDevice DeviceKind = "kernel"
	// MemoryDevice runs against an in-process memfd fabric, for
	// development without the driver.
	MemoryDevice DeviceKind = "memory"
)

// Config is the broker daemon's configuration.
type Config struct {
	// Mode selects front-end or back-end operation.
	// Default: frontend
	Mode Mode `yaml:"mode" toml:"mode"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" toml:"debug"`

	// SocketPath is where the broker listens. Empty selects the
	// well-known path for Mode: /dev/socket/vdmabuf or /tmp/vdmabuf.
	SocketPath string `yaml:"socket_path" toml:"socket_path"`

	// VMs are the VM names a back-end broker monitors, at most 10,
	// each at most 16 bytes.
	VMs []string `yaml:"vms" toml:"vms"`

	// MaxSessions is the session table capacity.
	// Default: 20
	MaxSessions int `yaml:"max_sessions" toml:"max_sessions"`

	// DisconnectCleanup is "all" or "first": which owned BufferIds a
	// disconnect unexports.
	// Default: all
	DisconnectCleanup string `yaml:"disconnect_cleanup" toml:"disconnect_cleanup"`

	// IOTimeout bounds one request's receive and response. Zero
	// disables it.
	IOTimeout time.Duration `yaml:"io_timeout" toml:"io_timeout"`

	// Device selects the device implementation.
	// Default: kernel
	Device DeviceKind `yaml:"device" toml:"device"`

	// FrontendDevice is the front-end device node.
	// Default: /dev/virtio-vdmabuf
	FrontendDevice string `yaml:"frontend_device" toml:"frontend_device"`

	// BackendDevice is the back-end device node.
	// Default: /dev/virtio-vdmabuf-be
	BackendDevice string `yaml:"backend_device" toml:"backend_device"`

	// StatusSocket, when set, is the path of the CBOR control socket.
	StatusSocket string `yaml:"status_socket" toml:"status_socket"`

	// MetricsAddress, when set, is the listen address for the
	// Prometheus /metrics endpoint.
	MetricsAddress string `yaml:"metrics_address" toml:"metrics_address"`
}

// Default returns the default configuration, used as the base before
// loading a file.
func Default() *Config {
	return &Config{
		Mode:              Frontend,
		MaxSessions:       broker.DefaultMaxSessions,
		DisconnectCleanup: broker.CleanupAll.String(),
		Device:            KernelDevice,
		FrontendDevice:    device.DefaultFrontendPath,
		BackendDevice:     device.DefaultBackendPath,
	}
}

// Load loads configuration from the file named by the VDMABUF_CONFIG
// environment variable, or returns Default if it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("VDMABUF_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .toml are TOML; anything else is YAML. ${VAR} and ${VAR:-default}
// patterns in path fields are expanded after loading.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// loadFile decodes a single configuration file over the current config.
func (c *Config) loadFile(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.DecodeFile(path, c)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.SocketPath = expandVars(c.SocketPath, vars)
	c.StatusSocket = expandVars(c.StatusSocket, vars)
	c.FrontendDevice = expandVars(c.FrontendDevice, vars)
	c.BackendDevice = expandVars(c.BackendDevice, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Socket returns the listening socket path: SocketPath, or the
// well-known path for Mode.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	if c.Mode == Backend {
		return wire.DefaultBackendSocket
	}
	return wire.DefaultFrontendSocket
}

// Cleanup returns the parsed disconnect cleanup policy.
func (c *Config) Cleanup() (broker.CleanupPolicy, error) {
	return broker.ParseCleanupPolicy(c.DisconnectCleanup)
}

// ParseVMList splits a comma-separated VM name list, trimming spaces
// and dropping empty entries.
func ParseVMList(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks the configuration for errors. Every problem found is
// reported.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case Frontend:
		if len(c.VMs) > 0 {
			errs = append(errs, fmt.Errorf("vms are only used in backend mode"))
		}
	case Backend:
		if len(c.VMs) == 0 {
			errs = append(errs, fmt.Errorf("backend mode requires at least one vm"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mode: %q (want frontend or backend)", c.Mode))
	}

	if len(c.VMs) > broker.MaxVMs {
		errs = append(errs, fmt.Errorf("%d vms configured, limit %d", len(c.VMs), broker.MaxVMs))
	}
	for index, name := range c.VMs {
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("vms[%d] is empty", index))
		case len(name) > wire.MaxVMNameLength:
			errs = append(errs, fmt.Errorf("vm name %q is %d bytes, limit %d", name, len(name), wire.MaxVMNameLength))
		case slices.Index(c.VMs, name) != index:
			errs = append(errs, fmt.Errorf("vm name %q listed more than once", name))
		}
	}

	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions))
	}
	if _, err := c.Cleanup(); err != nil {
		errs = append(errs, err)
	}
	if c.IOTimeout < 0 {
		errs = append(errs, fmt.Errorf("io_timeout must not be negative, got %s", c.IOTimeout))
	}

	switch c.Device {
	case KernelDevice:
		if c.Mode == Frontend && c.FrontendDevice == "" {
			errs = append(errs, fmt.Errorf("frontend_device is required"))
		}
		if c.Mode == Backend && c.BackendDevice == "" {
			errs = append(errs, fmt.Errorf("backend_device is required"))
		}
	case MemoryDevice:
	default:
		errs = append(errs, fmt.Errorf("invalid device: %q (want kernel or memory)", c.Device))
	}

	if c.StatusSocket != "" && c.StatusSocket == c.Socket() {
		errs = append(errs, fmt.Errorf("status_socket must differ from socket_path"))
	}

	return errors.Join(errs...)
}
