// Package driver defines the interface a device runtime needs to implement to
// be used by the gdex execution core.
//
// The core consumes devices through a deliberately narrow surface: streams to
// enqueue work on, an allocator for device regions, a module loader to bring a
// compiled program binary onto a device, and (optionally) a graph
// capture/replay primitive. Anything device specific -- how memory is backed,
// how kernels are dispatched -- lives behind these interfaces.
//
// A portable in-process implementation lives in driver/hostdev; it is also
// what the core's tests run against.
package driver

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Driver is the entry point of a device runtime: it enumerates the devices it
// manages and hands them out by ordinal.
type Driver interface {
	// Name returns the short name of the driver. E.g.: "hostdev" for the
	// in-process portable runtime.
	Name() string

	// Description is a longer description of the Driver that can be used to
	// pretty-print.
	Description() string

	// NumDevices returns the number of devices available.
	NumDevices() int

	// Device returns the device with the given ordinal, in [0, NumDevices).
	Device(ordinal int) (Device, error)

	// Finalize releases all the associated resources immediately, and makes
	// the driver invalid. Devices obtained from it must no longer be used.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Driver.
type Constructor func(config string) (Driver, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a driver with the given name and a constructor that takes as input
// a configuration string passed along to the driver constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the driver configuration to use if GDEX_DRIVER is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GDEX_DRIVER is the environment variable with the default driver
// configuration to use.
//
// The format of the configuration is "<driver_name>:<driver_configuration>".
// "<driver_name>" is the name of a registered driver (e.g.: "hostdev") and
// "<driver_configuration>" is driver specific.
const GDEX_DRIVER = "GDEX_DRIVER"

// New returns a new default Driver.
//
// The default is:
//
// 1. The environment GDEX_DRIVER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered driver is used with an empty configuration.
func New() (Driver, error) {
	if config, found := os.LookupEnv(GDEX_DRIVER); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Driver from a configuration string formatted as
// "<driver_name>:<driver_configuration>".
//
// "<driver_name>" is the name of a registered driver (e.g.: "hostdev") and
// "<driver_configuration>" is driver specific.
func NewWithConfig(config string) (Driver, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(
			`no registered drivers for gdex -- maybe import the portable one with import _ "github.com/gdex/gdex/driver/hostdev"?`)
	}
	driverName := firstRegistered
	driverConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		driverName = config[:idx]
		driverConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[driverName]
	if !found {
		return nil, errors.Errorf("can't find driver %q for configuration %q given", driverName, config)
	}
	return constructor(driverConfig)
}
