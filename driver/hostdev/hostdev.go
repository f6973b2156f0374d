// Package hostdev implements a portable, in-process driver.Driver.
//
// It is not fast, but it behaves like a real device runtime: memory lives in
// per-device arenas addressed by fake device pointers, streams are FIFO
// queues drained asynchronously, modules are loaded from a small binary
// format (see BuildModule) and graph capture records the enqueued dispatches
// for later replay.
//
// Kernels are the builtin ones listed in kernels.go; the float kernels are
// backed by gonum's blas32 routines, so programs executed on hostdev compute
// real results.
package hostdev

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
)

// DriverName to be used in GDEX_DRIVER to select this driver.
const DriverName = "hostdev"

func init() {
	driver.Register(DriverName, func(config string) (driver.Driver, error) {
		opts, err := parseConfig(config)
		if err != nil {
			return nil, err
		}
		return NewDriver(opts), nil
	})
}

// DefaultCapability reported by hostdev devices unless configured otherwise.
var DefaultCapability = driver.Capability{Major: 7, Minor: 5}

// Options configure a hostdev Driver.
type Options struct {
	// NumDevices to expose. Defaults to 1.
	NumDevices int

	// Capability reported by every device. Defaults to DefaultCapability.
	Capability driver.Capability
}

// parseConfig accepts "" or "devices=N,cap=MAJOR.MINOR", comma-separated in
// any order.
func parseConfig(config string) (Options, error) {
	var opts Options
	if config == "" {
		return opts, nil
	}
	for _, part := range strings.Split(config, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("driver %q: invalid configuration part %q in %q", DriverName, part, config)
		}
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return opts, errors.Errorf("driver %q: invalid devices count %q", DriverName, value)
			}
			opts.NumDevices = n
		case "cap":
			major, minor, found := strings.Cut(value, ".")
			if !found {
				return opts, errors.Errorf("driver %q: invalid capability %q, want MAJOR.MINOR", DriverName, value)
			}
			var err1, err2 error
			opts.Capability.Major, err1 = strconv.Atoi(major)
			opts.Capability.Minor, err2 = strconv.Atoi(minor)
			if err1 != nil || err2 != nil {
				return opts, errors.Errorf("driver %q: invalid capability %q", DriverName, value)
			}
		default:
			return opts, errors.Errorf("driver %q: unknown configuration key %q", DriverName, key)
		}
	}
	return opts, nil
}

// Driver implements driver.Driver with in-process devices.
type Driver struct {
	devices []*Device
}

// Compile-time check.
var _ driver.Driver = (*Driver)(nil)

// NewDriver creates a hostdev driver with the given options.
func NewDriver(opts Options) *Driver {
	if opts.NumDevices <= 0 {
		opts.NumDevices = 1
	}
	if opts.Capability == (driver.Capability{}) {
		opts.Capability = DefaultCapability
	}
	d := &Driver{}
	for ordinal := range opts.NumDevices {
		d.devices = append(d.devices, newDevice(ordinal, opts.Capability))
	}
	return d
}

// Name returns the short name of the driver.
func (d *Driver) Name() string { return DriverName }

// Description is a longer description of the Driver.
func (d *Driver) Description() string {
	return "In-process portable device runtime"
}

// NumDevices returns the number of devices available.
func (d *Driver) NumDevices() int { return len(d.devices) }

// Device returns the device with the given ordinal.
func (d *Driver) Device(ordinal int) (driver.Device, error) {
	if ordinal < 0 || ordinal >= len(d.devices) {
		return nil, errors.Errorf("driver %q: no device with ordinal %d (have %d)",
			DriverName, ordinal, len(d.devices))
	}
	return d.devices[ordinal], nil
}

// Finalize releases all devices. The driver and its devices become invalid.
func (d *Driver) Finalize() {
	for _, dev := range d.devices {
		dev.finalize()
	}
	d.devices = nil
}
