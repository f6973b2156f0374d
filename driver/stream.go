package driver

import "context"

// Stream is an ordered queue of device work.
//
// Work enqueued on one stream executes in enqueue order; work on different
// streams has no mutual ordering unless the caller synchronizes explicitly.
type Stream interface {
	// Do enqueues a host-side closure on the stream. It executes after all
	// previously enqueued work and before anything enqueued later, and it
	// returns immediately.
	Do(work func())

	// Fail records an asynchronous execution failure on the stream. Like a
	// device context error it is sticky: every later Sync reports the first
	// recorded failure. Layers that run host-side work through Do use it to
	// surface failures to whoever eventually synchronizes the stream.
	Fail(err error)

	// Sync blocks until all work enqueued so far has completed, or until the
	// context is done, whichever comes first. On a context timeout the
	// in-flight device work is NOT cancelled; it keeps running and the stream
	// must not be reused until a later Sync confirms completion.
	Sync(ctx context.Context) error

	// Device the stream belongs to.
	Device() Device
}

// GraphCapturer is implemented by devices that support capturing the work
// enqueued on a stream into a replayable execution graph.
//
// Contract: work enqueued between BeginCapture and EndCapture is both
// executed normally and recorded, so the capturing run still produces its
// outputs. A captured graph replays the recorded dispatches against the same
// device addresses it was captured with.
type GraphCapturer interface {
	// BeginCapture puts the stream in capture mode.
	BeginCapture(s Stream) error

	// EndCapture leaves capture mode and returns the captured graph.
	EndCapture(s Stream) (ExecGraph, error)
}

// ExecGraph is a captured, directly re-executable recording of a dispatch
// sequence for one fixed buffer configuration.
type ExecGraph interface {
	// Launch enqueues one replay of the recorded work on the stream.
	Launch(s Stream) error

	// Destroy releases the device-side state held by the graph.
	Destroy() error
}
