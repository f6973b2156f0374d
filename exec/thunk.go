package exec

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
)

// ThunkKind tags the variant of a Thunk.
type ThunkKind int

//go:generate go tool enumer -type=ThunkKind -trimprefix=Thunk -output=gen_thunkkind_enumer.go thunk.go

const (
	ThunkInvalid ThunkKind = iota
	ThunkKernelLaunch
	ThunkDeviceCopy
	ThunkCollective
	ThunkConditional
	ThunkWhile
	ThunkHostCallback

	ThunkKindLast
)

// CollectiveKind tags the operation of a Collective thunk.
type CollectiveKind int

//go:generate go tool enumer -type=CollectiveKind -trimprefix=Collective -output=gen_collectivekind_enumer.go thunk.go

const (
	CollectiveInvalid CollectiveKind = iota
	CollectiveAllReduceSum
	CollectiveAllGather

	CollectiveKindLast
)

// HostCallbackFn is the body of a ThunkHostCallback: arbitrary host work run
// in stream order, with read/write access to the run's buffers through the
// device's memcpy primitives.
type HostCallbackFn func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error

// Thunk is one schedulable unit of device work: a tagged variant over
// {kernel launch, device-to-device copy, collective, conditional, while
// loop, host callback}, dispatched by Kind. Only the fields of the active
// variant are meaningful.
//
// Thunks reference the buffers they read and write by allocation index; the
// concrete device memory is bound per run through a BufferAllocations.
type Thunk struct {
	Kind ThunkKind

	// ThunkKernelLaunch: launch kernel Kernel from the program's module with
	// the given geometry; Args are allocation indices bound as kernel
	// arguments, in order.
	Kernel      string
	Grid, Block driver.Dim3
	Args        []int

	// ThunkDeviceCopy: copy NumBytes from Src+SrcOffset to Dst+DstOffset,
	// both allocation indices.
	Dst, Src             int
	DstOffset, SrcOffset int64
	NumBytes             int64

	// ThunkCollective: combine Inputs into Output according to Collective.
	// Element type is float32.
	Collective CollectiveKind
	Inputs     []int
	Output     int

	// ThunkConditional / ThunkWhile: Pred is the allocation index holding the
	// predicate (first 4 bytes, non-zero = true). A conditional runs Then or
	// Else; a while loop alternates Cond (which must write Pred) and Body
	// until Pred reads false.
	Pred       int
	Then, Else []Thunk
	Cond, Body []Thunk

	// ThunkHostCallback: host work executed in stream order.
	Callback HostCallbackFn
}

// references returns every allocation index the thunk reads or writes,
// not descending into nested sequences.
func (t *Thunk) references() []int {
	switch t.Kind {
	case ThunkKernelLaunch:
		return t.Args
	case ThunkDeviceCopy:
		return []int{t.Dst, t.Src}
	case ThunkCollective:
		return append([]int{t.Output}, t.Inputs...)
	case ThunkConditional, ThunkWhile:
		return []int{t.Pred}
	default:
		return nil
	}
}

// nested returns the thunk sequences a control-flow thunk owns.
func (t *Thunk) nested() [][]Thunk {
	switch t.Kind {
	case ThunkConditional:
		return [][]Thunk{t.Then, t.Else}
	case ThunkWhile:
		return [][]Thunk{t.Cond, t.Body}
	default:
		return nil
	}
}

// checkPreconditions validates the thunk against the program's allocation
// table, recursively for control-flow bodies.
func (t *Thunk) checkPreconditions(p *Program) error {
	checkIndex := func(index int) error {
		if index < 0 || index >= len(p.Allocations) {
			return errors.Errorf("references allocation #%d, program has %d allocations",
				index, len(p.Allocations))
		}
		return nil
	}
	for _, index := range t.references() {
		if err := checkIndex(index); err != nil {
			return err
		}
	}
	switch t.Kind {
	case ThunkKernelLaunch:
		if t.Kernel == "" {
			return errors.Errorf("kernel launch without a kernel name")
		}
	case ThunkDeviceCopy:
		if t.NumBytes < 0 || t.SrcOffset < 0 || t.DstOffset < 0 {
			return errors.Errorf("device copy with negative extent")
		}
		if t.SrcOffset+t.NumBytes > p.Allocations[t.Src].Size {
			return errors.Errorf("device copy reads past allocation #%d (%d bytes)",
				t.Src, p.Allocations[t.Src].Size)
		}
		if t.DstOffset+t.NumBytes > p.Allocations[t.Dst].Size {
			return errors.Errorf("device copy writes past allocation #%d (%d bytes)",
				t.Dst, p.Allocations[t.Dst].Size)
		}
		if p.Allocations[t.Dst].Constant {
			return errors.Errorf("device copy writes constant allocation #%d", t.Dst)
		}
	case ThunkCollective:
		if !t.Collective.valid() {
			return errors.Errorf("collective thunk with invalid operation %d", int(t.Collective))
		}
		if len(t.Inputs) == 0 {
			return errors.Errorf("collective thunk with no inputs")
		}
		if p.Allocations[t.Output].Constant {
			return errors.Errorf("collective writes constant allocation #%d", t.Output)
		}
	case ThunkConditional, ThunkWhile:
		if p.Allocations[t.Pred].Size < predicateBytes {
			return errors.Errorf("predicate allocation #%d has %d bytes, need at least %d",
				t.Pred, p.Allocations[t.Pred].Size, predicateBytes)
		}
		for _, seq := range t.nested() {
			for i := range seq {
				if err := seq[i].checkPreconditions(p); err != nil {
					return errors.WithMessagef(err, "nested thunk #%d", i)
				}
			}
		}
	case ThunkHostCallback:
		if t.Callback == nil {
			return errors.Errorf("host callback thunk without a callback")
		}
	default:
		return errors.Errorf("invalid thunk kind %d", int(t.Kind))
	}
	return nil
}

// valid reports whether k is a concrete collective operation.
func (k CollectiveKind) valid() bool {
	return k > CollectiveInvalid && k < CollectiveKindLast
}

// disqualifiesReplay reports whether this thunk kind prevents capturing the
// program into a replay graph: host callbacks and control flow read or run
// host-side state per iteration, so their dispatch sequence is not a fixed
// function of the buffer configuration.
func (t *Thunk) disqualifiesReplay() bool {
	switch t.Kind {
	case ThunkHostCallback, ThunkConditional, ThunkWhile:
		return true
	}
	return false
}
