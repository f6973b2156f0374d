package exec

import (
	"github.com/pkg/errors"
)

// SyncEdge is an explicit ordering constraint between two thunks on
// different logical streams: the thunk at To must not start before the thunk
// at From has completed.
type SyncEdge struct {
	From, To int
}

// Schedule is an immutable, ordered sequence of thunks plus an optional
// stream assignment and the synchronization edges between streams.
//
// Thunks on the same logical stream execute in the recorded order;
// cross-stream ordering holds only at SyncEdges. A nil StreamAssignment puts
// everything on stream 0.
type Schedule struct {
	Thunks []Thunk

	// StreamAssignment maps each thunk (by position) to a logical stream
	// ordinal. Nil means all thunks run on stream 0; otherwise it must have
	// the same length as Thunks.
	StreamAssignment []int

	// SyncEdges are the explicit cross-stream ordering constraints.
	SyncEdges []SyncEdge
}

// streamOf returns the logical stream ordinal of the thunk at position i.
func (s *Schedule) streamOf(i int) int {
	if s.StreamAssignment == nil {
		return 0
	}
	return s.StreamAssignment[i]
}

// numStreams returns how many logical streams the schedule uses.
func (s *Schedule) numStreams() int {
	if s.StreamAssignment == nil {
		return 1
	}
	highest := 0
	for _, ordinal := range s.StreamAssignment {
		highest = max(highest, ordinal)
	}
	return highest + 1
}

// validate checks thunk preconditions and the stream/edge structure.
func (s *Schedule) validate(p *Program) error {
	if len(s.Thunks) == 0 {
		return errors.Errorf("program %q: schedule has no thunks", p.Name)
	}
	for i := range s.Thunks {
		if err := s.Thunks[i].checkPreconditions(p); err != nil {
			return errors.WithMessagef(err, "program %q: thunk #%d (%s)",
				p.Name, i, s.Thunks[i].Kind)
		}
	}
	if s.StreamAssignment != nil {
		if len(s.StreamAssignment) != len(s.Thunks) {
			return errors.Errorf("program %q: stream assignment covers %d thunks, schedule has %d",
				p.Name, len(s.StreamAssignment), len(s.Thunks))
		}
		for i, ordinal := range s.StreamAssignment {
			if ordinal < 0 {
				return errors.Errorf("program %q: thunk #%d assigned to negative stream %d",
					p.Name, i, ordinal)
			}
		}
	}
	for _, edge := range s.SyncEdges {
		if edge.From < 0 || edge.From >= len(s.Thunks) || edge.To < 0 || edge.To >= len(s.Thunks) {
			return errors.Errorf("program %q: sync edge %d->%d out of schedule range",
				p.Name, edge.From, edge.To)
		}
		if edge.From >= edge.To {
			return errors.Errorf("program %q: sync edge %d->%d does not respect schedule order",
				p.Name, edge.From, edge.To)
		}
		if s.streamOf(edge.From) == s.streamOf(edge.To) {
			return errors.Errorf("program %q: sync edge %d->%d connects thunks on the same stream %d",
				p.Name, edge.From, edge.To, s.streamOf(edge.From))
		}
	}
	return nil
}
