package exec

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/internal/xsync"
)

// Executable orchestrates runs of one Program: it validates device
// compatibility, resolves constants through its per-device constants cache,
// decides between replay-graph execution and per-thunk dispatch, and drives
// the schedule against the run's BufferAllocations.
//
// An Executable is immutable after creation (except SetText, allowed before
// the first Run) and safe for concurrent Run calls, on the same or different
// devices. All per-device caches it owns are created at construction and
// torn down with Finalize; nothing is shared across Executable instances.
type Executable struct {
	program *Program

	// canReplay is decided at construction: host callbacks and control flow
	// disqualify a program from graph capture, and so does a multi-stream
	// schedule (capture records a single stream's dispatch order).
	canReplay      bool
	replayCapacity int

	constants *constantsCache

	// replays holds one replayCache per device, created lazily and keyed by
	// device identity (ordinals repeat across Driver instances).
	replays xsync.SyncMap[driver.Device, *replayCache]

	// One-shot diagnostics latches; each fires at most one log line per
	// Executable lifetime.
	guardLatch   *xsync.Latch
	captureLatch *xsync.Latch

	textMu sync.Mutex
	text   string

	ran       atomic.Bool
	finalized atomic.Bool
}

// ExecutableOption configures NewExecutable.
type ExecutableOption func(*Executable)

// WithReplayCapacity sets the per-device bound on cached replay graphs.
// Values <= 0 select DefaultReplayCapacity.
func WithReplayCapacity(capacity int) ExecutableOption {
	return func(e *Executable) { e.replayCapacity = capacity }
}

// WithReplayDisabled turns replay-graph capture and reuse off for every run
// of this executable.
func WithReplayDisabled() ExecutableOption {
	return func(e *Executable) { e.canReplay = false }
}

// NewExecutable validates the program and builds an Executable for it.
func NewExecutable(program *Program, options ...ExecutableOption) (*Executable, error) {
	if program == nil {
		return nil, errors.Errorf("NewExecutable with nil program")
	}
	if err := program.validate(); err != nil {
		return nil, err
	}
	e := &Executable{
		program:        program,
		canReplay:      replayable(&program.Schedule),
		replayCapacity: DefaultReplayCapacity,
		constants:      newConstantsCache(),
		guardLatch:     xsync.NewLatch(),
		captureLatch:   xsync.NewLatch(),
	}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// replayable reports whether the schedule qualifies for graph capture.
func replayable(s *Schedule) bool {
	if s.numStreams() > 1 || len(s.SyncEdges) > 0 {
		return false
	}
	for i := range s.Thunks {
		if s.Thunks[i].disqualifiesReplay() {
			return false
		}
	}
	return true
}

// AssertValid panics if the executable is nil or has been finalized.
func (e *Executable) AssertValid() {
	if e == nil || e.program == nil {
		exceptions.Panicf("executable is nil")
	}
	if e.finalized.Load() {
		exceptions.Panicf("executable %q has already been finalized", e.program.Name)
	}
}

// Name of the program this executable runs.
func (e *Executable) Name() string {
	e.AssertValid()
	return e.program.Name
}

// Program returns the immutable program this executable runs.
func (e *Executable) Program() *Program {
	e.AssertValid()
	return e.program
}

// SizeOfGeneratedCode returns the size in bytes of the program binary.
// Informational only.
func (e *Executable) SizeOfGeneratedCode() int64 {
	e.AssertValid()
	return int64(len(e.program.Binary))
}

// Text returns the textual representation of the program (e.g. the assembly
// the binary was generated from). Empty if never set.
func (e *Executable) Text() string {
	e.AssertValid()
	e.textMu.Lock()
	defer e.textMu.Unlock()
	return e.text
}

// SetText attaches the textual representation of the program. It must be
// called before the first Run; calling it later is a programming error and
// panics.
func (e *Executable) SetText(text string) {
	e.AssertValid()
	if e.ran.Load() {
		exceptions.Panicf("executable %q: SetText after the first Run", e.program.Name)
	}
	e.textMu.Lock()
	defer e.textMu.Unlock()
	e.text = text
}

// String implements fmt.Stringer.
func (e *Executable) String() string {
	if e == nil || e.program == nil {
		return "Executable(nil)"
	}
	return "Executable(" + e.program.Name + ", " +
		humanize.IBytes(uint64(len(e.program.Binary))) + " of generated code)"
}

// replayCacheFor returns the device's replay cache, creating it lazily.
// Each device has its own cache and its own lock; no lock spans devices.
func (e *Executable) replayCacheFor(device driver.Device) *replayCache {
	if cache, found := e.replays.Load(device); found {
		return cache
	}
	cache, _ := e.replays.LoadOrStore(device, newReplayCache(e.replayCapacity))
	return cache
}

// ReplayStats returns the replay-cache counters accumulated for the device.
// All zeros if the executable never ran on the device.
func (e *Executable) ReplayStats(device driver.Device) ReplayStats {
	e.AssertValid()
	if cache, found := e.replays.Load(device); found {
		return cache.statsSnapshot()
	}
	return ReplayStats{}
}

// Finalize releases all per-device state owned by the executable: loaded
// modules are unloaded and cached replay graphs destroyed. The executable
// becomes invalid. Finalize is idempotent.
func (e *Executable) Finalize() {
	if e == nil || e.finalized.Swap(true) {
		return
	}
	e.replays.Range(func(device driver.Device, cache *replayCache) bool {
		cache.drop()
		e.replays.Delete(device)
		return true
	})
	e.constants.finalize()
}
