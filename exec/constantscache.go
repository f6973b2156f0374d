package exec

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/gdex/gdex/driver"
)

// loadedProgram is the per-device state of a program once its binary has
// been loaded onto that device: the module handle, the resolved constant
// regions (by allocation index) and the resolved kernel entry points.
type loadedProgram struct {
	device  driver.Device
	module  driver.Module
	globals map[int]driver.Memory
	kernels map[string]driver.Kernel
}

// constantsCache performs the one-time, per-device loading of the program
// binary and resolution of its constant allocations. Entries live until the
// owning Executable is finalized; the cache is bounded only by the number of
// distinct devices in use.
//
// Resolution is single-flight per device: concurrent first-time callers for
// the same device share one binary load, the losers block until the winner
// populates the entry and then reuse it.
type constantsCache struct {
	flight singleflight.Group

	mu sync.Mutex
	// Keyed by device identity: ordinals repeat across Driver instances, and
	// a loaded module is only valid on the device it was loaded onto.
	loaded map[driver.Device]*loadedProgram
}

func newConstantsCache() *constantsCache {
	return &constantsCache{loaded: make(map[driver.Device]*loadedProgram)}
}

// resolve returns the loaded program state for the device, populating the
// cache on first use.
func (c *constantsCache) resolve(device driver.Device, program *Program) (*loadedProgram, error) {
	c.mu.Lock()
	if lp, found := c.loaded[device]; found {
		c.mu.Unlock()
		return lp, nil
	}
	c.mu.Unlock()

	// The flight key is the device's pointer identity, for the same reason
	// the cache is: two devices sharing an ordinal must not share a flight.
	v, err, _ := c.flight.Do(fmt.Sprintf("%p", device), func() (any, error) {
		// Re-check: a previous flight may have populated the entry.
		c.mu.Lock()
		if lp, found := c.loaded[device]; found {
			c.mu.Unlock()
			return lp, nil
		}
		c.mu.Unlock()

		lp, err := loadProgram(device, program)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.loaded[device] = lp
		c.mu.Unlock()
		return lp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadedProgram), nil
}

// loadProgram loads the binary onto the device and resolves every constant
// allocation's symbol and every kernel the schedule launches.
func loadProgram(device driver.Device, program *Program) (*loadedProgram, error) {
	module, err := device.LoadModule(program.Binary)
	if err != nil {
		return nil, errors.WithMessagef(ErrConstantResolution,
			"program %q on %s: loading module: %v", program.Name, device.Name(), err)
	}
	lp := &loadedProgram{
		device:  device,
		module:  module,
		globals: make(map[int]driver.Memory),
		kernels: make(map[string]driver.Kernel),
	}
	for _, alloc := range program.Allocations {
		if !alloc.Constant {
			continue
		}
		mem, err := module.Symbol(alloc.Symbol)
		if err != nil {
			lp.unload()
			return nil, errors.WithMessagef(ErrConstantResolution,
				"program %q on %s: resolving constant allocation #%d (symbol %q): %v",
				program.Name, device.Name(), alloc.Index, alloc.Symbol, err)
		}
		lp.globals[alloc.Index] = mem
	}
	for _, name := range kernelNames(program.Schedule.Thunks) {
		kernel, err := module.Kernel(name)
		if err != nil {
			lp.unload()
			return nil, errors.WithMessagef(ErrConstantResolution,
				"program %q on %s: resolving kernel %q: %v",
				program.Name, device.Name(), name, err)
		}
		lp.kernels[name] = kernel
	}
	klog.V(1).Infof("program %q: loaded %s onto %s, %d constants, %d kernels",
		program.Name, humanize.IBytes(uint64(len(program.Binary))), device.Name(),
		len(lp.globals), len(lp.kernels))
	return lp, nil
}

// kernelNames collects the distinct kernel names launched by the thunk
// sequence, descending into control-flow bodies.
func kernelNames(thunks []Thunk) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(thunks []Thunk)
	walk = func(thunks []Thunk) {
		for i := range thunks {
			t := &thunks[i]
			if t.Kind == ThunkKernelLaunch && !seen[t.Kernel] {
				seen[t.Kernel] = true
				names = append(names, t.Kernel)
			}
			for _, seq := range t.nested() {
				walk(seq)
			}
		}
	}
	walk(thunks)
	return names
}

// unload releases the module of one loadedProgram.
func (lp *loadedProgram) unload() {
	if err := lp.module.Unload(); err != nil {
		klog.Warningf("failed to unload module from %s: %+v", lp.device.Name(), err)
	}
}

// finalize unloads every per-device entry. The cache becomes empty but
// remains usable.
func (c *constantsCache) finalize() {
	c.mu.Lock()
	loaded := c.loaded
	c.loaded = make(map[driver.Device]*loadedProgram)
	c.mu.Unlock()
	for _, lp := range loaded {
		lp.unload()
	}
}
