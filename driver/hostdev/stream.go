package hostdev

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/internal/xsync"
)

// streamQueueDepth bounds how much work can be enqueued ahead of execution
// before Do starts blocking, like a real driver's command queue.
const streamQueueDepth = 128

// stream is a FIFO of closures drained by a dedicated goroutine.
type stream struct {
	device *Device
	queue  chan func()
	done   chan struct{}

	mu        sync.Mutex
	capturing *execGraph // Non-nil while in capture mode.

	// execErr is the first asynchronous execution failure on this stream.
	// Like a real device context error it is sticky: once set, every Sync
	// reports it.
	errMu   sync.Mutex
	execErr error
}

// Compile-time check.
var _ driver.Stream = (*stream)(nil)

func newStream(device *Device) *stream {
	s := &stream{
		device: device,
		queue:  make(chan func(), streamQueueDepth),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *stream) drain() {
	defer close(s.done)
	for work := range s.queue {
		work()
	}
}

// Do enqueues a host-side closure on the stream.
func (s *stream) Do(work func()) {
	s.mu.Lock()
	if s.capturing != nil {
		s.capturing.works = append(s.capturing.works, work)
	}
	s.mu.Unlock()
	s.queue <- work
}

// Sync blocks until all work enqueued so far has completed or ctx is done.
func (s *stream) Sync(ctx context.Context) error {
	latch := xsync.NewLatch()
	s.Do(latch.Trigger)
	select {
	case <-latch.WaitChan():
		s.errMu.Lock()
		defer s.errMu.Unlock()
		return s.execErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail stores the first asynchronous execution failure of the stream.
// Implements driver.Stream.
func (s *stream) Fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.execErr == nil {
		s.execErr = err
	}
}

// Device the stream belongs to.
func (s *stream) Device() driver.Device { return s.device }

// stop terminates the drain goroutine after the pending work completes.
func (s *stream) stop() {
	close(s.queue)
	<-s.done
}

// execGraph records the closures enqueued on a stream between BeginCapture
// and EndCapture, replaying them in order on Launch.
type execGraph struct {
	device *Device

	mu        sync.Mutex
	works     []func()
	destroyed bool
}

// Compile-time check.
var _ driver.ExecGraph = (*execGraph)(nil)

// BeginCapture puts the stream in capture mode. Implements
// driver.GraphCapturer.
func (d *Device) BeginCapture(ds driver.Stream) error {
	s, ok := ds.(*stream)
	if !ok || s.device != d {
		return errors.Errorf("%s: BeginCapture on a stream from another device", d.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing != nil {
		return errors.Errorf("%s: BeginCapture while already capturing", d.Name())
	}
	s.capturing = &execGraph{device: d}
	return nil
}

// EndCapture leaves capture mode and returns the captured graph. Implements
// driver.GraphCapturer.
func (d *Device) EndCapture(ds driver.Stream) (driver.ExecGraph, error) {
	s, ok := ds.(*stream)
	if !ok || s.device != d {
		return nil, errors.Errorf("%s: EndCapture on a stream from another device", d.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing == nil {
		return nil, errors.Errorf("%s: EndCapture without BeginCapture", d.Name())
	}
	graph := s.capturing
	s.capturing = nil
	return graph, nil
}

// Launch enqueues one replay of the recorded work on the stream.
func (g *execGraph) Launch(ds driver.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return errors.Errorf("%s: Launch of a destroyed exec graph", g.device.Name())
	}
	for _, work := range g.works {
		ds.Do(work)
	}
	return nil
}

// Destroy releases the graph.
func (g *execGraph) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return errors.Errorf("%s: exec graph destroyed twice", g.device.Name())
	}
	g.destroyed = true
	g.works = nil
	return nil
}
