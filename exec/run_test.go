package exec

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/driver/hostdev"
)

var one = driver.Dim3{X: 1, Y: 1, Z: 1}

func f32bytes(values ...float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func newTestDevice(t *testing.T, opts hostdev.Options) *hostdev.Device {
	t.Helper()
	d := hostdev.NewDriver(opts)
	t.Cleanup(d.Finalize)
	dev, err := d.Device(0)
	require.NoError(t, err)
	return dev.(*hostdev.Device)
}

func deviceUpload(t *testing.T, dev *hostdev.Device, data []byte) driver.Memory {
	t.Helper()
	mem, err := dev.Allocate(int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, dev.MemcpyHtoD(mem, data))
	return mem
}

func readF32(t *testing.T, dev *hostdev.Device, m driver.Memory, n int) []float32 {
	t.Helper()
	buf := make([]byte, 4*n)
	require.NoError(t, dev.MemcpyDtoH(buf, m))
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// axpyProgram computes y += 2*x with alpha=2 embedded as a constant.
// Allocation #0 is the constant, #1 the input x, #2 the in-place y.
func axpyProgram() *Program {
	return &Program{
		Name:       "axpy",
		Binary:     hostdev.BuildModule([]hostdev.ConstantDef{{Name: "alpha", Data: f32bytes(2)}}, []string{"axpy_f32"}),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 4, Constant: true, Symbol: "alpha"},
			{Index: 1, Size: 16, Input: true},
			{Index: 2, Size: 16, Input: true, Output: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkKernelLaunch, Kernel: "axpy_f32", Grid: one, Block: one, Args: []int{0, 1, 2}},
			},
		},
	}
}

func TestRunComputes(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()

	x := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	y := deviceUpload(t, dev, f32bytes(10, 20, 30, 40))
	outputs, err := e.Run(context.Background(), dev, map[int]driver.Memory{1: x, 2: y}, RunOptions{})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, y, outputs[2])
	require.Equal(t, []float32{12, 24, 36, 48}, readF32(t, dev, y, 4))
}

func TestRunCapabilityMismatch(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{Capability: driver.Capability{Major: 8, Minor: 0}})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()

	_, err = e.Run(context.Background(), dev, nil, RunOptions{})
	require.ErrorIs(t, err, ErrCapabilityMismatch)
	// Rejected before any buffer or module was touched.
	require.EqualValues(t, 0, dev.ModuleLoadCount())
}

func TestRunConstantResolutionFailure(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})

	p := axpyProgram()
	p.Binary = []byte("garbage")
	e, err := NewExecutable(p)
	require.NoError(t, err)
	defer e.Finalize()
	_, err = e.Run(context.Background(), dev, nil, RunOptions{})
	require.ErrorIs(t, err, ErrConstantResolution)

	p = axpyProgram()
	p.Allocations[0].Symbol = "no_such_symbol"
	e2, err := NewExecutable(p)
	require.NoError(t, err)
	defer e2.Finalize()
	_, err = e2.Run(context.Background(), dev, nil, RunOptions{})
	require.ErrorIs(t, err, ErrConstantResolution)
}

func TestRunBufferValidation(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()
	ctx := context.Background()
	x := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	y := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))

	// Missing input.
	_, err = e.Run(ctx, dev, map[int]driver.Memory{2: y}, RunOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "input allocation #1")

	// Binding a constant.
	_, err = e.Run(ctx, dev, map[int]driver.Memory{0: x, 1: x, 2: y}, RunOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "constant")

	// Unknown allocation index.
	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: y, 9: x}, RunOptions{})
	require.Error(t, err)

	// Undersized buffer.
	short, err := dev.Allocate(8)
	require.NoError(t, err)
	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: short, 2: y}, RunOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "need 16")
}

func TestRunSingleFlight(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()

	x := deviceUpload(t, dev, f32bytes(1, 1, 1, 1))
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		y := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Run(context.Background(), dev, map[int]driver.Memory{1: x, 2: y}, RunOptions{})
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
	}
	require.EqualValues(t, 1, dev.ModuleLoadCount())
}

func TestRunReplayBitIdentity(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()
	require.True(t, e.canReplay)
	ctx := context.Background()

	x := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	y := deviceUpload(t, dev, f32bytes(5, 5, 5, 5))
	buffers := map[int]driver.Memory{1: x, 2: y}

	// First run captures.
	_, err = e.Run(ctx, dev, buffers, RunOptions{})
	require.NoError(t, err)
	first := readF32(t, dev, y, 4)
	require.Equal(t, 1, e.replayCacheFor(dev).len())

	// Second run replays the captured graph and must be bit-identical.
	require.NoError(t, dev.MemcpyHtoD(y, f32bytes(5, 5, 5, 5)))
	_, err = e.Run(ctx, dev, buffers, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, first, readF32(t, dev, y, 4))
	require.Equal(t, 1, e.replayCacheFor(dev).len())
}

func TestRunReplayEviction(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram(), WithReplayCapacity(1))
	require.NoError(t, err)
	defer e.Finalize()
	ctx := context.Background()

	x := deviceUpload(t, dev, f32bytes(1, 1, 1, 1))
	yA := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	yB := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))

	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yA}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, e.replayCacheFor(dev).len())

	// A different buffer configuration evicts the first graph.
	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yB}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, e.replayCacheFor(dev).len())

	// The evicted configuration still runs correctly (re-captured).
	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yA}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []float32{4, 4, 4, 4}, readF32(t, dev, yA, 4))
	require.Equal(t, []float32{2, 2, 2, 2}, readF32(t, dev, yB, 4))
}

func TestRunDisableReplay(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()

	x := deviceUpload(t, dev, f32bytes(1, 1, 1, 1))
	y := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	_, err = e.Run(context.Background(), dev, map[int]driver.Memory{1: x, 2: y},
		RunOptions{DisableReplay: true})
	require.NoError(t, err)
	require.Equal(t, 0, e.replayCacheFor(dev).len())

	e2, err := NewExecutable(axpyProgram(), WithReplayDisabled())
	require.NoError(t, err)
	defer e2.Finalize()
	_, err = e2.Run(context.Background(), dev, map[int]driver.Memory{1: x, 2: y}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, e2.replayCacheFor(dev).len())
}

// copyChain copies input #0 through temp #1 into output #2.
func copyChain() *Program {
	return &Program{
		Name:       "copy-chain",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 16, Input: true},
			{Index: 1, Size: 16},
			{Index: 2, Size: 16, Output: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkDeviceCopy, Dst: 1, Src: 0, NumBytes: 16},
				{Kind: ThunkDeviceCopy, Dst: 2, Src: 1, NumBytes: 16},
			},
		},
	}
}

func TestRunAllocatesOutputsAndTemps(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(copyChain())
	require.NoError(t, err)
	defer e.Finalize()

	src := deviceUpload(t, dev, f32bytes(7, 8, 9, 10))
	outputs, err := e.Run(context.Background(), dev, map[int]driver.Memory{0: src}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []float32{7, 8, 9, 10}, readF32(t, dev, outputs[2], 4))
	// The caller owns the allocated output and frees it.
	require.NoError(t, dev.Free(outputs[2]))
}

func TestRunDontBlockHost(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(copyChain())
	require.NoError(t, err)
	defer e.Finalize()
	ctx := context.Background()
	src := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))

	// Without a caller-supplied temp the mode is rejected: the core cannot
	// free its own temporaries without blocking for completion.
	_, err = e.Run(ctx, dev, map[int]driver.Memory{0: src}, RunOptions{DontBlockHost: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "caller-supplied")

	temp, err := dev.Allocate(16)
	require.NoError(t, err)
	dst, err := dev.Allocate(16)
	require.NoError(t, err)
	outputs, err := e.Run(ctx, dev,
		map[int]driver.Memory{0: src, 1: temp, 2: dst}, RunOptions{DontBlockHost: true})
	require.NoError(t, err)
	require.Equal(t, dst, outputs[2])

	// Completion ordering is the caller's job in this mode.
	require.NoError(t, dev.Stream(0).Sync(ctx))
	require.Equal(t, []float32{1, 2, 3, 4}, readF32(t, dev, dst, 4))
}

func collectiveProgram(kind CollectiveKind, outputSize int64) *Program {
	return &Program{
		Name:       "collective",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 8, Input: true},
			{Index: 1, Size: 8, Input: true},
			{Index: 2, Size: outputSize, Output: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkCollective, Collective: kind, Inputs: []int{0, 1}, Output: 2},
			},
		},
	}
}

func TestRunCollectives(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	ctx := context.Background()
	a := deviceUpload(t, dev, f32bytes(1, 2))
	b := deviceUpload(t, dev, f32bytes(10, 20))

	e, err := NewExecutable(collectiveProgram(CollectiveAllReduceSum, 8))
	require.NoError(t, err)
	defer e.Finalize()
	outputs, err := e.Run(ctx, dev, map[int]driver.Memory{0: a, 1: b}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []float32{11, 22}, readF32(t, dev, outputs[2], 2))

	e2, err := NewExecutable(collectiveProgram(CollectiveAllGather, 16))
	require.NoError(t, err)
	defer e2.Finalize()
	outputs, err = e2.Run(ctx, dev, map[int]driver.Memory{0: a, 1: b}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 10, 20}, readF32(t, dev, outputs[2], 4))
}

func writePredicate(value uint32) HostCallbackFn {
	return func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
		mem, err := allocs.Memory(0)
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		return device.MemcpyHtoD(mem, buf[:])
	}
}

func TestRunConditional(t *testing.T) {
	// Allocation #0 is the predicate, #1/#2 the branch sources, #3 the output.
	program := func() *Program {
		return &Program{
			Name:       "conditional",
			Binary:     hostdev.BuildModule(nil, nil),
			Capability: hostdev.DefaultCapability,
			Allocations: []Allocation{
				{Index: 0, Size: 4, Input: true},
				{Index: 1, Size: 8, Input: true},
				{Index: 2, Size: 8, Input: true},
				{Index: 3, Size: 8, Output: true},
			},
			Schedule: Schedule{
				Thunks: []Thunk{{
					Kind: ThunkConditional, Pred: 0,
					Then: []Thunk{{Kind: ThunkDeviceCopy, Dst: 3, Src: 1, NumBytes: 8}},
					Else: []Thunk{{Kind: ThunkDeviceCopy, Dst: 3, Src: 2, NumBytes: 8}},
				}},
			},
		}
	}
	dev := newTestDevice(t, hostdev.Options{})
	ctx := context.Background()
	thenSrc := deviceUpload(t, dev, f32bytes(1, 1))
	elseSrc := deviceUpload(t, dev, f32bytes(2, 2))

	for _, tc := range []struct {
		pred uint32
		want []float32
	}{
		{pred: 1, want: []float32{1, 1}},
		{pred: 0, want: []float32{2, 2}},
	} {
		predBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(predBuf, tc.pred)
		pred := deviceUpload(t, dev, predBuf)
		e, err := NewExecutable(program())
		require.NoError(t, err)
		require.False(t, e.canReplay)
		outputs, err := e.Run(ctx, dev,
			map[int]driver.Memory{0: pred, 1: thenSrc, 2: elseSrc}, RunOptions{})
		require.NoError(t, err)
		require.Equal(t, tc.want, readF32(t, dev, outputs[3], 2))
		e.Finalize()
	}
}

func TestRunWhile(t *testing.T) {
	var mu sync.Mutex
	counter := 3
	iterations := 0

	program := &Program{
		Name:       "while",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 4, Input: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{{
				Kind: ThunkWhile, Pred: 0,
				Cond: []Thunk{{Kind: ThunkHostCallback,
					Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
						mu.Lock()
						remaining := counter
						mu.Unlock()
						var value uint32
						if remaining > 0 {
							value = 1
						}
						return writePredicate(value)(ctx, device, allocs)
					}}},
				Body: []Thunk{{Kind: ThunkHostCallback,
					Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
						mu.Lock()
						counter--
						iterations++
						mu.Unlock()
						return nil
					}}},
			}},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	pred := deviceUpload(t, dev, make([]byte, 4))
	_, err = e.Run(context.Background(), dev, map[int]driver.Memory{0: pred}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, iterations)
	require.Equal(t, 0, counter)
}

func TestRunSyncEdgeOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int
	record := func(step int) HostCallbackFn {
		return func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
			mu.Lock()
			order = append(order, step)
			mu.Unlock()
			return nil
		}
	}
	program := &Program{
		Name:       "two-streams",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkHostCallback, Callback: record(0)},
				{Kind: ThunkHostCallback, Callback: record(1)},
				{Kind: ThunkHostCallback, Callback: record(2)},
				{Kind: ThunkHostCallback, Callback: record(3)},
			},
			StreamAssignment: []int{0, 1, 0, 1},
			SyncEdges:        []SyncEdge{{From: 0, To: 1}, {From: 1, To: 2}, {From: 2, To: 3}},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()
	require.False(t, e.canReplay)

	_, err = e.Run(context.Background(), dev, nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestRunDeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	program := &Program{
		Name:       "stuck",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Schedule: Schedule{
			Thunks: []Thunk{{Kind: ThunkHostCallback,
				Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
					<-release
					return nil
				}}},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Run(ctx, dev, nil, RunOptions{})
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	// The device work outlives the timed-out call.
	close(release)
	require.NoError(t, dev.Stream(0).Sync(context.Background()))
}

func TestRunHostCallbackFailure(t *testing.T) {
	program := &Program{
		Name:       "failing",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Schedule: Schedule{
			Thunks: []Thunk{{Kind: ThunkHostCallback,
				Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
					return errors.New("device rejected the request")
				}}},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	_, err = e.Run(context.Background(), dev, nil, RunOptions{})
	require.ErrorIs(t, err, ErrThunkExecution)
	require.Contains(t, err.Error(), "device rejected the request")
}

func TestRunGuardLogsOnce(t *testing.T) {
	// The constant allocation declares 8 bytes but its symbol only carries 4:
	// the launch-time bounds guard fires (once) and execution continues.
	program := &Program{
		Name:       "short-constant",
		Binary:     hostdev.BuildModule([]hostdev.ConstantDef{{Name: "v", Data: f32bytes(3)}}, []string{"fill_f32"}),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 8, Constant: true, Symbol: "v"},
			{Index: 1, Size: 16, Output: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkKernelLaunch, Kernel: "fill_f32", Grid: one, Block: one, Args: []int{0, 1}},
			},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()
	require.False(t, e.guardLatch.Test())

	outputs, err := e.Run(context.Background(), dev, nil, RunOptions{})
	require.NoError(t, err)
	require.True(t, e.guardLatch.Test())
	require.Equal(t, []float32{3, 3, 3, 3}, readF32(t, dev, outputs[1], 4))

	// A second run does not re-arm the latch.
	_, err = e.Run(context.Background(), dev, nil, RunOptions{})
	require.NoError(t, err)
	require.True(t, e.guardLatch.Test())
}

func TestRunAfterFinalizePanics(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	e.Finalize()
	require.Panics(t, func() {
		_, _ = e.Run(context.Background(), dev, nil, RunOptions{})
	})
}

func TestCaptureGateSerializesDispatch(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	gate := captureGateFor(dev)
	require.Same(t, gate, captureGateFor(dev))

	// Devices do not share gates, even with equal ordinals.
	other := newTestDevice(t, hostdev.Options{})
	require.NotSame(t, gate, captureGateFor(other))

	// While a capture holds the gate, per-thunk dispatch on the same device
	// stays out.
	gate.Lock()
	acquired := make(chan struct{})
	go func() {
		g := captureGateFor(dev)
		g.RLock()
		g.RUnlock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("dispatch acquired the gate during a capture")
	case <-time.After(50 * time.Millisecond):
	}
	gate.Unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never acquired the gate after the capture released it")
	}
}

func TestRunConcurrentWithCaptureStaysIsolated(t *testing.T) {
	// One goroutine keeps capturing (capacity 1 with two alternating buffer
	// configurations forces a capture on every run) while another dispatches
	// per-thunk on the same stream. Work of the concurrent runs must never
	// end up inside a captured graph: replaying the graph afterwards must
	// not touch the other run's buffers.
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram(), WithReplayCapacity(1))
	require.NoError(t, err)
	defer e.Finalize()
	ctx := context.Background()

	x := deviceUpload(t, dev, f32bytes(1, 1, 1, 1))
	yA1 := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	yA2 := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	xB := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	yB := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))

	const iterations = 40
	errA := make([]error, 0, 2*iterations)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range iterations {
			_, err := e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yA1}, RunOptions{})
			errA = append(errA, err)
			_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yA2}, RunOptions{})
			errA = append(errA, err)
		}
	}()
	errB := make([]error, 0, iterations)
	var wrongB [][]float32
	go func() {
		defer wg.Done()
		for range iterations {
			if err := dev.MemcpyHtoD(yB, f32bytes(5, 5, 5, 5)); err != nil {
				errB = append(errB, err)
				return
			}
			_, err := e.Run(ctx, dev, map[int]driver.Memory{1: xB, 2: yB},
				RunOptions{DisableReplay: true})
			if err != nil {
				errB = append(errB, err)
				return
			}
			buf := make([]byte, 16)
			if err := dev.MemcpyDtoH(buf, yB); err != nil {
				errB = append(errB, err)
				return
			}
			got := make([]float32, 4)
			for i := range got {
				got[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
			if got[0] != 7 || got[1] != 9 || got[2] != 11 || got[3] != 13 {
				wrongB = append(wrongB, got)
			}
		}
	}()
	wg.Wait()
	for _, err := range errA {
		require.NoError(t, err)
	}
	for _, err := range errB {
		require.NoError(t, err)
	}
	require.Empty(t, wrongB)

	// Replay the last captured graph; the concurrent runs' buffers must not
	// move.
	require.NoError(t, dev.MemcpyHtoD(yB, f32bytes(9, 9, 9, 9)))
	_, err = e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: yA2}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, []float32{9, 9, 9, 9}, readF32(t, dev, yB, 4))
}

func TestRunDevicesSharingOrdinal(t *testing.T) {
	// Two drivers hand out devices with equal ordinals; loaded modules,
	// resolved constants and replay graphs must not alias across them.
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()
	ctx := context.Background()

	run := func(dev *hostdev.Device) {
		x := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
		y := deviceUpload(t, dev, f32bytes(10, 20, 30, 40))
		_, err := e.Run(ctx, dev, map[int]driver.Memory{1: x, 2: y}, RunOptions{})
		require.NoError(t, err)
		require.Equal(t, []float32{12, 24, 36, 48}, readF32(t, dev, y, 4))
	}
	devA := newTestDevice(t, hostdev.Options{})
	devB := newTestDevice(t, hostdev.Options{})
	require.Equal(t, devA.Ordinal(), devB.Ordinal())
	run(devA)
	run(devB)

	// Each device loaded the program itself and owns its own replay cache.
	require.EqualValues(t, 1, devA.ModuleLoadCount())
	require.EqualValues(t, 1, devB.ModuleLoadCount())
	require.NotSame(t, e.replayCacheFor(devA), e.replayCacheFor(devB))
	require.Equal(t, 1, e.replayCacheFor(devA).len())
	require.Equal(t, 1, e.replayCacheFor(devB).len())
}

func TestRunDontBlockHostSurfacesAsyncError(t *testing.T) {
	program := &Program{
		Name:       "failing-async",
		Binary:     hostdev.BuildModule(nil, nil),
		Capability: hostdev.DefaultCapability,
		Schedule: Schedule{
			Thunks: []Thunk{{Kind: ThunkHostCallback,
				Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
					return errors.New("backing store lost")
				}}},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	_, err = e.Run(context.Background(), dev, nil, RunOptions{DontBlockHost: true})
	require.NoError(t, err)

	// The failure is recorded on the stream, where the caller's completion
	// wait observes it.
	err = dev.Stream(0).Sync(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "host callback")
	require.Contains(t, err.Error(), "backing store lost")
}

func TestRunFailedEnqueueDrainsPendingWork(t *testing.T) {
	// Thunk #0 writes the temporary from stream-ordered work after a delay;
	// thunk #1 fails to enqueue (wrong kernel arity). The temporary must
	// stay alive until the pending work completed, and be freed after.
	var wrote atomic.Bool
	program := &Program{
		Name:       "late-temp-writer",
		Binary:     hostdev.BuildModule(nil, []string{"iota_f32"}),
		Capability: hostdev.DefaultCapability,
		Allocations: []Allocation{
			{Index: 0, Size: 16},
			{Index: 1, Size: 16, Input: true},
		},
		Schedule: Schedule{
			Thunks: []Thunk{
				{Kind: ThunkHostCallback,
					Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
						time.Sleep(30 * time.Millisecond)
						mem, err := allocs.Memory(0)
						if err != nil {
							return err
						}
						if err := device.MemcpyHtoD(mem, f32bytes(1, 1, 1, 1)); err != nil {
							return err
						}
						wrote.Store(true)
						return nil
					}},
				{Kind: ThunkKernelLaunch, Kernel: "iota_f32", Grid: one, Block: one, Args: []int{0, 1}},
			},
		},
	}
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	in := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	before := dev.RegionCount()
	_, err = e.Run(context.Background(), dev, map[int]driver.Memory{1: in}, RunOptions{})
	require.ErrorIs(t, err, ErrThunkExecution)
	require.Contains(t, err.Error(), "got 2")

	// The delayed write completed against a live temporary before Run
	// returned, and the temporary is gone now.
	require.True(t, wrote.Load())
	require.Equal(t, before, dev.RegionCount())
	require.NoError(t, dev.Stream(0).Sync(context.Background()))
}

func TestRunExecErrorFreesTemps(t *testing.T) {
	// The copy chain runs, then a callback fails asynchronously: the streams
	// complete, so the core-allocated temporary and output are freed.
	program := copyChain()
	program.Schedule.Thunks = append(program.Schedule.Thunks,
		Thunk{Kind: ThunkHostCallback,
			Callback: func(ctx context.Context, device driver.Device, allocs *BufferAllocations) error {
				return errors.New("checksum mismatch")
			}})
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(program)
	require.NoError(t, err)
	defer e.Finalize()

	src := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	before := dev.RegionCount()
	_, err = e.Run(context.Background(), dev, map[int]driver.Memory{0: src}, RunOptions{})
	require.ErrorIs(t, err, ErrThunkExecution)
	require.Contains(t, err.Error(), "checksum mismatch")
	require.Equal(t, before, dev.RegionCount())
}

func TestRunReplayStats(t *testing.T) {
	dev := newTestDevice(t, hostdev.Options{})
	e, err := NewExecutable(axpyProgram())
	require.NoError(t, err)
	defer e.Finalize()
	require.Equal(t, ReplayStats{}, e.ReplayStats(dev))
	ctx := context.Background()

	x := deviceUpload(t, dev, f32bytes(1, 2, 3, 4))
	y := deviceUpload(t, dev, f32bytes(0, 0, 0, 0))
	buffers := map[int]driver.Memory{1: x, 2: y}

	// The cold run looks the cache up twice, once before the capture gate
	// and once under it, then captures.
	_, err = e.Run(ctx, dev, buffers, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Lookups: 2, Misses: 2, Captures: 1}, e.ReplayStats(dev))

	// The warm run hits.
	_, err = e.Run(ctx, dev, buffers, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Lookups: 3, Hits: 1, Misses: 2, Captures: 1}, e.ReplayStats(dev))
}
