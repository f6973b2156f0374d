package driver

import "fmt"

// Capability identifies the compute capability a device implements and a
// program binary is compiled for. Execution requires an exact match.
type Capability struct {
	Major, Minor int
}

// Equal reports whether both capabilities are exactly the same.
func (c Capability) Equal(other Capability) bool {
	return c.Major == other.Major && c.Minor == other.Minor
}

// String implements fmt.Stringer. E.g.: "sm_75" for {7, 5}.
func (c Capability) String() string {
	return fmt.Sprintf("sm_%d%d", c.Major, c.Minor)
}

// Memory is an opaque handle to a region of device memory.
//
// Ptr is a device address: it is stable for the lifetime of the region and
// two distinct live regions never share an address, but it is not
// (necessarily) dereferenceable by the host. The zero Memory is the null
// region.
type Memory struct {
	Ptr  uintptr
	Size int64
}

// IsNull reports whether the handle refers to no region.
func (m Memory) IsNull() bool { return m.Ptr == 0 }

// Slice returns a view of a sub-range of the region.
// It panics if the range falls outside the region.
func (m Memory) Slice(offset, size int64) Memory {
	if offset < 0 || size < 0 || offset+size > m.Size {
		panic(fmt.Sprintf("driver.Memory.Slice: range [%d, %d) out of region of %d bytes",
			offset, offset+size, m.Size))
	}
	return Memory{Ptr: m.Ptr + uintptr(offset), Size: size}
}

// String implements fmt.Stringer.
func (m Memory) String() string {
	return fmt.Sprintf("Memory{ptr=0x%x, size=%d}", m.Ptr, m.Size)
}

// Device is one accelerator managed by a Driver.
//
// All methods must be safe for concurrent use. Implementations must be
// comparable (a pointer receiver is the norm): the execution core keys its
// per-device caches by Device identity, since ordinals repeat across Driver
// instances.
type Device interface {
	// Ordinal of the device within its Driver, in [0, Driver.NumDevices).
	Ordinal() int

	// Name of the device, for diagnostics. E.g.: "hostdev #0".
	Name() string

	// Capability the device implements.
	Capability() Capability

	// Allocate a device region of n bytes. The returned handle is usable as a
	// buffer-allocations entry.
	Allocate(n int64) (Memory, error)

	// Free a region previously returned by Allocate.
	Free(m Memory) error

	// LoadModule loads a compiled program binary onto the device, making its
	// kernels launchable and its constant symbols resolvable.
	LoadModule(binary []byte) (Module, error)

	// MemcpyDtoH copies len(dst) bytes from device region src to the host.
	MemcpyDtoH(dst []byte, src Memory) error

	// MemcpyDtoD copies dst.Size bytes between device regions. dst and src
	// must have the same size and must not overlap.
	MemcpyDtoD(dst, src Memory) error

	// MemcpyHtoD copies len(src) bytes from the host to device region dst.
	MemcpyHtoD(dst Memory, src []byte) error

	// Stream returns the logical stream with the given ordinal, creating it
	// if needed. Streams are owned by the device and released with it.
	Stream(ordinal int) Stream
}

// Module is a program binary loaded onto one device.
type Module interface {
	// Symbol resolves the device address of a named constant region embedded
	// in the module.
	Symbol(name string) (Memory, error)

	// Kernel returns the named kernel entry point.
	Kernel(name string) (Kernel, error)

	// Unload releases the module and everything resolved from it.
	Unload() error
}

// Dim3 is a 3-dimensional launch extent.
type Dim3 struct {
	X, Y, Z int
}

// Total returns the total number of elements covered, with zero components
// treated as 1. A negative component yields a non-positive total, which
// launch validation rejects.
func (d Dim3) Total() int {
	total := 1
	for _, v := range [3]int{d.X, d.Y, d.Z} {
		if v != 0 {
			total *= v
		}
	}
	return total
}

// Kernel is one launchable entry point of a loaded Module.
type Kernel interface {
	// Name of the kernel inside its module.
	Name() string

	// Launch enqueues one execution of the kernel on the stream, with the
	// given grid/block extents and device memory arguments. It returns as
	// soon as the work is enqueued.
	Launch(s Stream, grid, block Dim3, args []Memory) error
}
