package exec

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/internal/xsync"
)

// predicateBytes is how much of a predicate allocation the control-flow
// thunks read: the first 4 bytes, non-zero meaning true.
const predicateBytes = 4

// RunOptions tune one Run invocation.
type RunOptions struct {
	// DontBlockHost makes Run return as soon as all work is enqueued,
	// leaving completion ordering to the caller. In this mode the caller
	// must supply every temporary buffer the program needs, since the core
	// cannot free its own temporaries before completion.
	DontBlockHost bool

	// DisableReplay forces per-thunk dispatch for this invocation even if
	// the program qualifies for replay-graph execution.
	DisableReplay bool
}

// execContext carries the per-invocation state through the thunk executors.
//
// Failures of stream-ordered host work (callbacks, copies, collectives) are
// not collected here: the enqueued closures may outlive the invocation, and
// under replay they re-execute long after it. They go to Stream.Fail, where
// any later synchronizer of the stream observes them.
type execContext struct {
	ctx    context.Context
	e      *Executable
	device driver.Device
	loaded *loadedProgram
	allocs *BufferAllocations
	runID  string
}

// Run executes the program on the device.
//
// buffers binds caller-supplied device regions by allocation index: every
// Input allocation must be bound; Output and temporary allocations may be
// bound, and are otherwise allocated from the device (returned outputs are
// then owned by the caller, temporaries are freed by the core). Constant
// allocations must not be bound, they resolve from the loaded program.
//
// The returned map holds the region of every Output allocation. The
// execution is not transactional: on failure, buffers may be left partially
// updated. Run never retries; retry policy belongs to the caller.
//
// Failures of asynchronous host-staged work are recorded on the stream that
// ran it. A blocking Run surfaces them itself; under DontBlockHost the
// caller observes them through the stream's Sync.
//
// Run is safe for concurrent use, including concurrent first-time use of
// the same device (single-flight program loading).
func (e *Executable) Run(ctx context.Context, device driver.Device, buffers map[int]driver.Memory, opts RunOptions) (map[int]driver.Memory, error) {
	e.AssertValid()
	e.ran.Store(true)
	program := e.program

	// Capability check happens before any buffer is touched; a mismatch is
	// fatal and not retryable.
	if got := device.Capability(); !got.Equal(program.Capability) {
		return nil, errors.Wrapf(ErrCapabilityMismatch,
			"program %q compiled for %s, device %s has %s",
			program.Name, program.Capability, device.Name(), got)
	}

	loaded, err := e.constants.resolve(device, program)
	if err != nil {
		return nil, err
	}

	allocs, outputs, temps, err := e.assembleBuffers(device, loaded, buffers, opts)
	if err != nil {
		return nil, err
	}
	// Outputs the core allocated become the caller's on success. On failure
	// the caller never sees them, so they are released with the temporaries.
	ownedOutputs := make(map[int]driver.Memory)
	for index, mem := range outputs {
		if _, supplied := buffers[index]; !supplied {
			ownedOutputs[index] = mem
		}
	}

	ec := &execContext{
		ctx:    ctx,
		e:      e,
		device: device,
		loaded: loaded,
		allocs: allocs,
		runID:  uuid.NewString(),
	}
	if klog.V(2).Enabled() {
		klog.Infof("run %s: program %q on %s, config key %#x",
			ec.runID, program.Name, device.Name(), uint64(allocs.Key()))
	}

	streams, err := e.dispatch(ec, opts)
	if err != nil {
		// Work enqueued by earlier thunks may still be in flight and
		// referencing the temporaries; drain the streams before freeing.
		// If the context expired the work keeps running, and the
		// temporaries must leak with it.
		if syncErr := waitStreams(ctx, streams); syncErr == nil ||
			(!errors.Is(syncErr, context.DeadlineExceeded) && !errors.Is(syncErr, context.Canceled)) {
			e.freeTemps(device, temps)
			e.freeTemps(device, ownedOutputs)
		}
		return nil, err
	}

	if !opts.DontBlockHost {
		if err := waitStreams(ctx, streams); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// Temps are not freed here: the timed-out device work may
				// still reference them, and they must survive until it
				// completes.
				return nil, errors.Wrapf(ErrDeadlineExceeded,
					"run %s of program %q on %s: %v", ec.runID, program.Name, device.Name(), err)
			}
			// The streams completed; the failure is an execution error and
			// nothing references the temporaries anymore.
			e.freeTemps(device, temps)
			e.freeTemps(device, ownedOutputs)
			return nil, errors.Wrapf(ErrThunkExecution,
				"run %s of program %q on %s: %v", ec.runID, program.Name, device.Name(), err)
		}
		e.freeTemps(device, temps)
	}
	return outputs, nil
}

// assembleBuffers merges resolved constants with caller-supplied regions
// into one BufferAllocations, allocating missing outputs and temporaries.
func (e *Executable) assembleBuffers(device driver.Device, loaded *loadedProgram, buffers map[int]driver.Memory, opts RunOptions) (allocs *BufferAllocations, outputs, temps map[int]driver.Memory, err error) {
	program := e.program
	memories := make([]driver.Memory, len(program.Allocations))
	outputs = make(map[int]driver.Memory)
	temps = make(map[int]driver.Memory)

	freeOnError := func() {
		for _, mem := range temps {
			_ = device.Free(mem)
		}
		for index, mem := range outputs {
			if _, supplied := buffers[index]; !supplied {
				_ = device.Free(mem)
			}
		}
	}

	for index := range buffers {
		if index < 0 || index >= len(program.Allocations) {
			return nil, nil, nil, errors.Errorf(
				"program %q: buffer bound for allocation #%d, program has %d allocations",
				program.Name, index, len(program.Allocations))
		}
		if program.Allocations[index].Constant {
			return nil, nil, nil, errors.Errorf(
				"program %q: allocation #%d is a constant, it cannot be bound by the caller",
				program.Name, index)
		}
	}

	for i, alloc := range program.Allocations {
		if alloc.Constant {
			memories[i] = loaded.globals[i]
			continue
		}
		if mem, supplied := buffers[i]; supplied {
			if mem.Size < alloc.Size {
				freeOnError()
				return nil, nil, nil, errors.Errorf(
					"program %q: buffer for %s allocation #%d has %d bytes, need %d",
					program.Name, alloc.Kind(), i, mem.Size, alloc.Size)
			}
			memories[i] = mem
			if alloc.Output {
				outputs[i] = mem
			}
			continue
		}
		if alloc.Input {
			freeOnError()
			return nil, nil, nil, errors.Errorf(
				"program %q: no buffer bound for input allocation #%d", program.Name, i)
		}
		if alloc.IsTemp() && opts.DontBlockHost {
			freeOnError()
			return nil, nil, nil, errors.Errorf(
				"program %q: temporary allocation #%d must be caller-supplied when DontBlockHost is set",
				program.Name, i)
		}
		mem, allocErr := device.Allocate(alloc.Size)
		if allocErr != nil {
			freeOnError()
			return nil, nil, nil, errors.WithMessagef(allocErr,
				"program %q: allocating %s allocation #%d (%d bytes)",
				program.Name, alloc.Kind(), i, alloc.Size)
		}
		memories[i] = mem
		if alloc.Output {
			outputs[i] = mem
		} else {
			temps[i] = mem
		}
	}
	return newBufferAllocations(memories), outputs, temps, nil
}

// freeTemps releases core-allocated regions of one run.
func (e *Executable) freeTemps(device driver.Device, regions map[int]driver.Memory) {
	for index, mem := range regions {
		if err := device.Free(mem); err != nil {
			klog.Warningf("program %q: failed to free allocation #%d: %+v",
				e.program.Name, index, err)
		}
	}
}

// captureGates serializes graph capture per device. Anything enqueued on a
// capturing stream between BeginCapture and EndCapture gets recorded, so a
// concurrent run's work would end up inside the capturing run's graph and
// re-execute on every later replay. While a capture holds the write side,
// every other dispatch on the device holds the read side. The map grows by
// one mutex per device and is never pruned; devices are few and long-lived.
var captureGates xsync.SyncMap[driver.Device, *sync.RWMutex]

func captureGateFor(device driver.Device) *sync.RWMutex {
	if gate, found := captureGates.Load(device); found {
		return gate
	}
	gate, _ := captureGates.LoadOrStore(device, new(sync.RWMutex))
	return gate
}

// dispatch runs the schedule, through a replay graph when permitted, and
// returns the streams that received work.
func (e *Executable) dispatch(ec *execContext, opts RunOptions) ([]driver.Stream, error) {
	capturer, captureSupported := ec.device.(driver.GraphCapturer)
	if !captureSupported {
		return e.executeThunks(ec)
	}
	gate := captureGateFor(ec.device)
	if !e.canReplay || opts.DisableReplay {
		gate.RLock()
		defer gate.RUnlock()
		return e.executeThunks(ec)
	}

	// Replayable programs are single-stream (see replayable).
	stream := ec.device.Stream(0)
	key := ec.allocs.Key()
	ptrs := ec.allocs.Pointers()
	cache := e.replayCacheFor(ec.device)

	if graph, hit := cache.get(key, ptrs); hit {
		gate.RLock()
		defer gate.RUnlock()
		return e.replayGraph(ec, graph, key, stream)
	}

	gate.Lock()
	defer gate.Unlock()
	// A concurrent run may have captured this configuration while we waited
	// on the gate.
	if graph, hit := cache.get(key, ptrs); hit {
		return e.replayGraph(ec, graph, key, stream)
	}

	if err := capturer.BeginCapture(stream); err != nil {
		if e.captureLatch.TriggerAndTest() {
			klog.Warningf("program %q: graph capture unavailable on %s (%v); "+
				"falling back to per-thunk dispatch. This message is only printed once.",
				e.program.Name, ec.device.Name(), err)
		}
		return e.executeThunks(ec)
	}
	streams, err := e.executeThunks(ec)
	graph, captureErr := capturer.EndCapture(stream)
	if err != nil {
		if captureErr == nil {
			_ = graph.Destroy()
		}
		return streams, err
	}
	if captureErr != nil {
		if e.captureLatch.TriggerAndTest() {
			klog.Warningf("program %q: graph capture failed on %s (%v); result of the plain "+
				"execution is kept. This message is only printed once.",
				e.program.Name, ec.device.Name(), captureErr)
		}
		return streams, nil
	}
	cache.put(key, ptrs, graph)
	klog.V(2).Infof("run %s: captured replay graph for config key %#x", ec.runID, uint64(key))
	return streams, nil
}

// replayGraph launches a cached graph on the stream.
func (e *Executable) replayGraph(ec *execContext, graph driver.ExecGraph, key ConfigKey, stream driver.Stream) ([]driver.Stream, error) {
	klog.V(2).Infof("run %s: replaying graph for config key %#x", ec.runID, uint64(key))
	if err := graph.Launch(stream); err != nil {
		return nil, errors.Wrapf(ErrThunkExecution,
			"run %s of program %q: launching replay graph: %v", ec.runID, e.program.Name, err)
	}
	return []driver.Stream{stream}, nil
}

// executeThunks drives per-thunk dispatch in schedule order, honoring the
// stream assignment and the cross-stream synchronization edges.
func (e *Executable) executeThunks(ec *execContext) ([]driver.Stream, error) {
	schedule := &e.program.Schedule

	used := make(map[int]driver.Stream)
	var order []driver.Stream
	streamFor := func(ordinal int) driver.Stream {
		if s, found := used[ordinal]; found {
			return s
		}
		s := ec.device.Stream(ordinal)
		used[ordinal] = s
		order = append(order, s)
		return s
	}

	// One latch per sync edge, per run: the edge's source stream triggers
	// it after the source thunk, the target stream waits on it before the
	// target thunk.
	latches := make([]*xsync.Latch, len(schedule.SyncEdges))
	incoming := make(map[int][]int)
	outgoing := make(map[int][]int)
	for i, edge := range schedule.SyncEdges {
		latches[i] = xsync.NewLatch()
		outgoing[edge.From] = append(outgoing[edge.From], i)
		incoming[edge.To] = append(incoming[edge.To], i)
	}

	for i := range schedule.Thunks {
		thunk := &schedule.Thunks[i]
		stream := streamFor(schedule.streamOf(i))
		for _, edgeIdx := range incoming[i] {
			stream.Do(latches[edgeIdx].Wait)
		}
		if err := executeThunk(ec, thunk, stream); err != nil {
			return order, errors.Wrapf(ErrThunkExecution,
				"run %s of program %q: thunk #%d (%s): %v",
				ec.runID, e.program.Name, i, thunk.Kind, err)
		}
		for _, edgeIdx := range outgoing[i] {
			stream.Do(latches[edgeIdx].Trigger)
		}
	}
	return order, nil
}

// waitStreams blocks until every stream completed or ctx is done.
func waitStreams(ctx context.Context, streams []driver.Stream) error {
	if len(streams) == 1 {
		return streams[0].Sync(ctx)
	}
	g := new(errgroup.Group)
	for _, stream := range streams {
		g.Go(func() error { return stream.Sync(ctx) })
	}
	return g.Wait()
}

// thunkExecutor enqueues one thunk's work on the stream. Executors return
// synchronous enqueue failures; asynchronous failures travel through the
// stream's Sync after being recorded with Stream.Fail.
type thunkExecutor func(ec *execContext, t *Thunk, s driver.Stream) error

// thunkExecutors is populated during initialization, indexed by ThunkKind.
var thunkExecutors [ThunkKindLast]thunkExecutor

func init() {
	thunkExecutors[ThunkKernelLaunch] = executeKernelLaunch
	thunkExecutors[ThunkDeviceCopy] = executeDeviceCopy
	thunkExecutors[ThunkCollective] = executeCollective
	thunkExecutors[ThunkConditional] = executeConditional
	thunkExecutors[ThunkWhile] = executeWhile
	thunkExecutors[ThunkHostCallback] = executeHostCallback
}

func executeThunk(ec *execContext, t *Thunk, s driver.Stream) error {
	if t.Kind <= ThunkInvalid || t.Kind >= ThunkKindLast || thunkExecutors[t.Kind] == nil {
		return errors.Errorf("no executor for thunk kind %s", t.Kind)
	}
	return thunkExecutors[t.Kind](ec, t, s)
}

func executeKernelLaunch(ec *execContext, t *Thunk, s driver.Stream) error {
	kernel, found := ec.loaded.kernels[t.Kernel]
	if !found {
		return errors.Errorf("kernel %q was not resolved at load time", t.Kernel)
	}
	args := make([]driver.Memory, len(t.Args))
	for i, index := range t.Args {
		mem, err := ec.allocs.Memory(index)
		if err != nil {
			return err
		}
		// Best-effort out-of-bounds guard: a short region here means the
		// binding does not cover the allocation it stands for. Degrade with
		// a single warning rather than aborting the caller's execution.
		if mem.Size < ec.e.program.Allocations[index].Size {
			if ec.e.guardLatch.TriggerAndTest() {
				klog.Warningf("program %q: kernel %q argument #%d covers %d of %d bytes of "+
					"allocation #%d; skipping further bounds diagnostics. This message is only "+
					"printed once.", ec.e.program.Name, t.Kernel, i, mem.Size,
					ec.e.program.Allocations[index].Size, index)
			}
		}
		args[i] = mem
	}
	return kernel.Launch(s, t.Grid, t.Block, args)
}

func executeDeviceCopy(ec *execContext, t *Thunk, s driver.Stream) error {
	srcMem, err := ec.allocs.Memory(t.Src)
	if err != nil {
		return err
	}
	dstMem, err := ec.allocs.Memory(t.Dst)
	if err != nil {
		return err
	}
	src := srcMem.Slice(t.SrcOffset, t.NumBytes)
	dst := dstMem.Slice(t.DstOffset, t.NumBytes)
	// The closure may re-execute under replay, long after this invocation:
	// it must only capture run-independent state, and report failures to the
	// stream, not to the invocation.
	device := ec.device
	srcIdx, dstIdx := t.Src, t.Dst
	s.Do(func() {
		if err := device.MemcpyDtoD(dst, src); err != nil {
			s.Fail(errors.WithMessagef(err, "device copy #%d -> #%d", srcIdx, dstIdx))
		}
	})
	return nil
}

// executeCollective stages the collective through the host: inputs are read
// back, combined, and the result written to the output region. A driver with
// native collectives would intercept this at the thunk level; the core only
// guarantees the semantics.
func executeCollective(ec *execContext, t *Thunk, s driver.Stream) error {
	inputs := make([]driver.Memory, len(t.Inputs))
	for i, index := range t.Inputs {
		mem, err := ec.allocs.Memory(index)
		if err != nil {
			return err
		}
		inputs[i] = mem
	}
	output, err := ec.allocs.Memory(t.Output)
	if err != nil {
		return err
	}
	// Run-independent captures only, see executeDeviceCopy.
	device := ec.device
	op := t.Collective
	s.Do(func() {
		if err := runCollective(device, op, inputs, output); err != nil {
			s.Fail(errors.WithMessagef(err, "collective %s", op))
		}
	})
	return nil
}

func runCollective(device driver.Device, op CollectiveKind, inputs []driver.Memory, output driver.Memory) error {
	switch op {
	case CollectiveAllReduceSum:
		accum := make([]float32, output.Size/4)
		staging := make([]byte, output.Size)
		for _, input := range inputs {
			if err := device.MemcpyDtoH(staging, input); err != nil {
				return err
			}
			for i := range accum {
				accum[i] += float32frombytes(staging[i*4:])
			}
		}
		for i, v := range accum {
			float32tobytes(staging[i*4:], v)
		}
		return device.MemcpyHtoD(output, staging)

	case CollectiveAllGather:
		var offset int64
		for _, input := range inputs {
			if offset+input.Size > output.Size {
				return errors.Errorf("all-gather output of %d bytes too small for %d inputs",
					output.Size, len(inputs))
			}
			if err := device.MemcpyDtoD(output.Slice(offset, input.Size), input); err != nil {
				return err
			}
			offset += input.Size
		}
		return nil
	}
	return errors.Errorf("unsupported collective %s", op)
}

// executeConditional synchronizes the stream, reads the predicate and runs
// the selected branch inline. The host round trip is why conditionals
// disqualify a program from replay capture.
func executeConditional(ec *execContext, t *Thunk, s driver.Stream) error {
	pred, err := readPredicate(ec, t.Pred, s)
	if err != nil {
		return err
	}
	branch := t.Else
	if pred {
		branch = t.Then
	}
	return executeNested(ec, branch, s)
}

// executeWhile alternates the condition sequence (which must write the
// predicate allocation) and the body, until the predicate reads false.
func executeWhile(ec *execContext, t *Thunk, s driver.Stream) error {
	for iteration := 0; ; iteration++ {
		if err := executeNested(ec, t.Cond, s); err != nil {
			return errors.WithMessagef(err, "while condition, iteration %d", iteration)
		}
		pred, err := readPredicate(ec, t.Pred, s)
		if err != nil {
			return errors.WithMessagef(err, "while predicate, iteration %d", iteration)
		}
		if !pred {
			return nil
		}
		if err := executeNested(ec, t.Body, s); err != nil {
			return errors.WithMessagef(err, "while body, iteration %d", iteration)
		}
	}
}

func executeNested(ec *execContext, thunks []Thunk, s driver.Stream) error {
	for i := range thunks {
		if err := executeThunk(ec, &thunks[i], s); err != nil {
			return errors.WithMessagef(err, "nested thunk #%d (%s)", i, thunks[i].Kind)
		}
	}
	return nil
}

// readPredicate drains the stream and reads the first 4 bytes of the
// predicate allocation. Non-zero means true.
func readPredicate(ec *execContext, index int, s driver.Stream) (bool, error) {
	if err := s.Sync(ec.ctx); err != nil {
		return false, errors.WithMessagef(err, "syncing before predicate read")
	}
	mem, err := ec.allocs.Memory(index)
	if err != nil {
		return false, err
	}
	var buf [predicateBytes]byte
	if err := ec.device.MemcpyDtoH(buf[:], mem); err != nil {
		return false, errors.WithMessagef(err, "reading predicate allocation #%d", index)
	}
	return binary.LittleEndian.Uint32(buf[:]) != 0, nil
}

// executeHostCallback may capture the invocation's context and buffers:
// callbacks disqualify a program from replay, so the closure never outlives
// the run that enqueued it.
func executeHostCallback(ec *execContext, t *Thunk, s driver.Stream) error {
	callback := t.Callback
	s.Do(func() {
		if err := callback(ec.ctx, ec.device, ec.allocs); err != nil {
			s.Fail(errors.WithMessage(err, "host callback"))
		}
	})
	return nil
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func float32tobytes(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
