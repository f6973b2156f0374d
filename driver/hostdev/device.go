package hostdev

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
)

// allocationAlignment of region base addresses, mimicking real device
// allocators. It also guarantees distinct regions never share an address.
const allocationAlignment = 256

// region is one live device allocation.
type region struct {
	base uintptr
	data []byte
}

// Device implements driver.Device backed by host memory.
type Device struct {
	ordinal    int
	capability driver.Capability

	mu       sync.Mutex
	regions  []*region // Sorted by base address.
	nextAddr uintptr

	streams xsyncStreams

	// moduleLoads counts LoadModule calls; see ModuleLoadCount.
	moduleLoads atomic.Int64

	finalized atomic.Bool
}

// xsyncStreams holds the lazily created logical streams of a device.
type xsyncStreams struct {
	mu      sync.Mutex
	streams map[int]*stream
}

// Compile-time checks.
var (
	_ driver.Device        = (*Device)(nil)
	_ driver.GraphCapturer = (*Device)(nil)
)

func newDevice(ordinal int, capability driver.Capability) *Device {
	return &Device{
		ordinal:    ordinal,
		capability: capability,
		nextAddr:   allocationAlignment, // Address 0 is the null region.
		streams:    xsyncStreams{streams: make(map[int]*stream)},
	}
}

// Ordinal of the device within its Driver.
func (d *Device) Ordinal() int { return d.ordinal }

// Name of the device.
func (d *Device) Name() string {
	return fmt.Sprintf("%s #%d", DriverName, d.ordinal)
}

// Capability the device implements.
func (d *Device) Capability() driver.Capability { return d.capability }

// ModuleLoadCount returns how many times LoadModule was called on this
// device. Useful to assert that program loading is not duplicated.
func (d *Device) ModuleLoadCount() int64 { return d.moduleLoads.Load() }

// RegionCount returns the number of live device regions. Useful to assert
// that allocations and frees pair up.
func (d *Device) RegionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regions)
}

// Allocate a device region of n bytes.
func (d *Device) Allocate(n int64) (driver.Memory, error) {
	if n < 0 {
		return driver.Memory{}, errors.Errorf("%s: Allocate of negative size %d", d.Name(), n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized.Load() {
		return driver.Memory{}, errors.Errorf("%s: Allocate on finalized device", d.Name())
	}
	r := &region{base: d.nextAddr, data: make([]byte, n)}
	d.nextAddr += uintptr((n + allocationAlignment) / allocationAlignment * allocationAlignment)
	d.regions = append(d.regions, r) // nextAddr grows monotonically, so regions stay sorted.
	return driver.Memory{Ptr: r.base, Size: n}, nil
}

// Free a region previously returned by Allocate. The handle must be the
// original region handle, not a slice of it.
func (d *Device) Free(m driver.Memory) error {
	if m.IsNull() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].base >= m.Ptr })
	if idx == len(d.regions) || d.regions[idx].base != m.Ptr {
		return errors.Errorf("%s: Free of unknown region %s", d.Name(), m)
	}
	d.regions = append(d.regions[:idx], d.regions[idx+1:]...)
	return nil
}

// resolve returns the host bytes backing the device range [m.Ptr,
// m.Ptr+m.Size). The range may be a slice of a live region.
func (d *Device) resolve(m driver.Memory) ([]byte, error) {
	if m.Size == 0 {
		return nil, nil
	}
	if m.IsNull() {
		return nil, errors.Errorf("%s: access through null device pointer", d.Name())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Find the last region whose base is <= m.Ptr.
	idx := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].base > m.Ptr })
	if idx == 0 {
		return nil, errors.Errorf("%s: invalid device pointer 0x%x", d.Name(), m.Ptr)
	}
	r := d.regions[idx-1]
	offset := int64(m.Ptr - r.base)
	if offset+m.Size > int64(len(r.data)) {
		return nil, errors.Errorf("%s: device range [0x%x, +%d) overruns its region of %d bytes",
			d.Name(), m.Ptr, m.Size, len(r.data))
	}
	return r.data[offset : offset+m.Size], nil
}

// MemcpyDtoH copies len(dst) bytes from device region src to the host.
func (d *Device) MemcpyDtoH(dst []byte, src driver.Memory) error {
	data, err := d.resolve(driver.Memory{Ptr: src.Ptr, Size: int64(len(dst))})
	if err != nil {
		return errors.WithMessagef(err, "%s: MemcpyDtoH", d.Name())
	}
	copy(dst, data)
	return nil
}

// MemcpyHtoD copies len(src) bytes from the host to device region dst.
func (d *Device) MemcpyHtoD(dst driver.Memory, src []byte) error {
	data, err := d.resolve(driver.Memory{Ptr: dst.Ptr, Size: int64(len(src))})
	if err != nil {
		return errors.WithMessagef(err, "%s: MemcpyHtoD", d.Name())
	}
	copy(data, src)
	return nil
}

// MemcpyDtoD copies dst.Size bytes between device regions.
func (d *Device) MemcpyDtoD(dst, src driver.Memory) error {
	if dst.Size != src.Size {
		return errors.Errorf("%s: MemcpyDtoD with mismatched sizes, dst=%d src=%d",
			d.Name(), dst.Size, src.Size)
	}
	srcData, err := d.resolve(src)
	if err != nil {
		return errors.WithMessagef(err, "%s: MemcpyDtoD source", d.Name())
	}
	dstData, err := d.resolve(dst)
	if err != nil {
		return errors.WithMessagef(err, "%s: MemcpyDtoD destination", d.Name())
	}
	copy(dstData, srcData)
	return nil
}

// Stream returns the logical stream with the given ordinal, creating it if
// needed.
func (d *Device) Stream(ordinal int) driver.Stream {
	d.streams.mu.Lock()
	defer d.streams.mu.Unlock()
	s, found := d.streams.streams[ordinal]
	if !found {
		s = newStream(d)
		d.streams.streams[ordinal] = s
	}
	return s
}

// finalize stops all streams and drops all memory.
func (d *Device) finalize() {
	if d.finalized.Swap(true) {
		return
	}
	d.streams.mu.Lock()
	streams := d.streams.streams
	d.streams.streams = make(map[int]*stream)
	d.streams.mu.Unlock()
	for _, s := range streams {
		s.stop()
	}
	d.mu.Lock()
	d.regions = nil
	d.mu.Unlock()
}
