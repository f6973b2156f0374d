package exec

import (
	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/internal/xslices"
)

// ConfigKey identifies one concrete binding of device memory to a program's
// allocation table: the canonical FNV-1a hash over the ordered tuple of
// bound device-pointer values.
//
// Two BufferAllocations with the same bindings always produce the same key.
// The converse does not hold (the hash can collide), so the replay cache
// re-checks the full pointer tuple on every hit before replaying.
type ConfigKey uint64

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// BufferAllocations binds every allocation index of one program to a device
// memory region for the duration of one execution. It references the
// regions, it never owns them.
type BufferAllocations struct {
	memories []driver.Memory
}

// newBufferAllocations wraps a dense table of bound regions.
func newBufferAllocations(memories []driver.Memory) *BufferAllocations {
	return &BufferAllocations{memories: memories}
}

// NumAllocations returns the size of the table.
func (b *BufferAllocations) NumAllocations() int { return len(b.memories) }

// Memory returns the region bound to the given allocation index.
func (b *BufferAllocations) Memory(index int) (driver.Memory, error) {
	if index < 0 || index >= len(b.memories) {
		return driver.Memory{}, errors.Errorf(
			"no buffer bound for allocation #%d (table has %d entries)", index, len(b.memories))
	}
	return b.memories[index], nil
}

// Pointers returns the ordered device-pointer tuple of the binding. The
// returned slice is a copy.
func (b *BufferAllocations) Pointers() []uintptr {
	return xslices.Map(b.memories, func(m driver.Memory) uintptr { return m.Ptr })
}

// Key computes the ConfigKey of this binding.
func (b *BufferAllocations) Key() ConfigKey {
	var h uint64 = fnvOffset64
	for _, m := range b.memories {
		ptr := uint64(m.Ptr)
		for shift := 0; shift < 64; shift += 8 {
			h ^= (ptr >> shift) & 0xFF
			h *= fnvPrime64
		}
	}
	return ConfigKey(h)
}

// pointersEqual reports whether the binding's pointer tuple matches ptrs.
func (b *BufferAllocations) pointersEqual(ptrs []uintptr) bool {
	if len(ptrs) != len(b.memories) {
		return false
	}
	for i, m := range b.memories {
		if m.Ptr != ptrs[i] {
			return false
		}
	}
	return true
}
