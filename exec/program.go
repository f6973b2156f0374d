// Package exec implements the execution core for precompiled device
// programs: a run loop that drives a schedule of thunks over device buffers,
// a per-device cache of loaded program state (resolved constants, replayable
// execution graphs), and the buffer bookkeeping in between.
//
// The compiler backend that produces a Program and the device runtime that
// executes it are external: the former hands the core an immutable Program,
// the latter is consumed through the narrow interfaces of package
// github.com/gdex/gdex/driver.
package exec

import (
	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
)

// Allocation describes one device memory slot of a program, identified by a
// stable index into the program's allocation table.
//
// An allocation is either a constant (read-only data embedded in the program
// binary, resolved per device via its Symbol), or a parameter slot: input,
// output, both (in-place update), or neither (a temporary the core allocates
// for the duration of one run).
type Allocation struct {
	// Index of the allocation in the program's table.
	Index int

	// Size in bytes.
	Size int64

	// Constant marks a read-only region embedded in the program binary.
	Constant bool

	// Symbol is the module symbol name the constant resolves to.
	// Only meaningful when Constant.
	Symbol string

	// Input marks an allocation the caller must supply.
	Input bool

	// Output marks an allocation returned to the caller. If the caller does
	// not supply it, the core allocates it and the caller owns the result.
	Output bool
}

// IsTemp reports whether the allocation is a scratch region private to one
// run: not constant, not an input, not an output.
func (a Allocation) IsTemp() bool {
	return !a.Constant && !a.Input && !a.Output
}

// Kind returns a short human-readable kind tag for diagnostics.
func (a Allocation) Kind() string {
	switch {
	case a.Constant:
		return "constant"
	case a.Input && a.Output:
		return "input/output"
	case a.Input:
		return "input"
	case a.Output:
		return "output"
	default:
		return "temp"
	}
}

// Program is the immutable compiled artifact the core executes. It is
// produced by a compiler backend (out of scope) and owns no device state:
// per-device state lives in the Executable created from it.
type Program struct {
	// Name of the computation, used in diagnostics.
	Name string

	// Binary is the device machine code, loaded onto each device on first
	// use via driver.Device.LoadModule.
	Binary []byte

	// Capability the binary was compiled for. Execution requires an exact
	// match with the target device.
	Capability driver.Capability

	// Allocations is the program's memory slot table, indexed by
	// Allocation.Index (Allocations[i].Index must be i).
	Allocations []Allocation

	// Schedule is the ordered thunk sequence to execute.
	Schedule Schedule
}

// validate checks the internal consistency of the program: allocation table
// indexing, schedule references, and stream/sync-edge sanity.
func (p *Program) validate() error {
	if p.Name == "" {
		return errors.Errorf("program has no name")
	}
	for i, alloc := range p.Allocations {
		if alloc.Index != i {
			return errors.Errorf("program %q: allocation #%d has index %d, table must be dense",
				p.Name, i, alloc.Index)
		}
		if alloc.Size < 0 {
			return errors.Errorf("program %q: allocation #%d has negative size %d", p.Name, i, alloc.Size)
		}
		if alloc.Constant && alloc.Symbol == "" {
			return errors.Errorf("program %q: constant allocation #%d has no symbol", p.Name, i)
		}
		if alloc.Constant && (alloc.Input || alloc.Output) {
			return errors.Errorf("program %q: allocation #%d is both constant and a parameter", p.Name, i)
		}
	}
	return p.Schedule.validate(p)
}
