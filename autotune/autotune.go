// Copyright 2026 The gdex Authors. SPDX-License-Identifier: Apache-2.0

// Package autotune picks the winning kernel variant from a set of timed
// candidate measurements.
//
// The measurements themselves come from a profiling pass outside this
// package. Pick consumes them and returns a primary choice plus, when one
// exists, the fastest variant that needs no scratch memory. The no-scratch
// fallback matters to callers running close to the device memory limit.
package autotune

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNoAlgorithmWorked reports that every candidate failed. Callers must
// treat it as fatal for the operation shape being tuned and fall back to a
// default variant at a higher layer.
var ErrNoAlgorithmWorked = errors.New("no working algorithm")

// FailureKind classifies why a candidate was rejected during profiling.
type FailureKind int

//go:generate go tool enumer -type=FailureKind -trimprefix=Failure -output=gen_failurekind_enumer.go autotune.go

const (
	FailureUnknown FailureKind = iota
	FailureTimeout
	FailureRedzoneModified
	FailureWrongResult

	// FailureKindLast marks the end of the enumeration.
	FailureKindLast
)

// Failure carries the detail of one rejected candidate.
type Failure struct {
	Kind FailureKind
	Msg  string

	// BufferAddress is the device address implicated by a redzone
	// modification, zero otherwise.
	BufferAddress uint64
}

func (f *Failure) String() string {
	if f.BufferAddress != 0 {
		return fmt.Sprintf("%s at %#x: %s", f.Kind, f.BufferAddress, f.Msg)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// CandidateResult is one timed or failed attempt of a kernel variant.
type CandidateResult struct {
	// Algorithm identifies the variant; opaque to this package.
	Algorithm int64

	// TensorOps is set when the variant uses tensor-core math.
	TensorOps bool

	Duration     time.Duration
	ScratchBytes int64

	// Failure is nil for successful attempts.
	Failure *Failure
}

// Ok reports whether the candidate completed successfully.
func (r *CandidateResult) Ok() bool { return r.Failure == nil }

func (r *CandidateResult) config() AlgorithmConfig {
	return AlgorithmConfig{Algorithm: r.Algorithm, TensorOps: r.TensorOps}
}

// AlgorithmConfig is the persisted outcome of a selection: enough to rebuild
// the chosen variant at the next compilation.
type AlgorithmConfig struct {
	Algorithm int64
	TensorOps bool
}

func (c AlgorithmConfig) String() string {
	if c.TensorOps {
		return fmt.Sprintf("algo %d (tensor ops)", c.Algorithm)
	}
	return fmt.Sprintf("algo %d", c.Algorithm)
}

// PickOptions tune the selection policy.
type PickOptions struct {
	// Deterministic selects the first working candidate in input order
	// instead of the fastest, trading speed for run-to-run reproducibility.
	Deterministic bool
}

// Decision is the outcome of Pick. NoScratch is nil when no surviving
// candidate runs without scratch memory; that is an expected condition for
// callers, not an error.
type Decision struct {
	Primary   AlgorithmConfig
	NoScratch *AlgorithmConfig
}

// Pick chooses the primary variant among the successful candidates and,
// independently, the best variant with zero scratch requirement.
//
// Selection is stable: among equal durations the earlier candidate in input
// order wins, so a given result set always yields the same decision.
func Pick(results []CandidateResult, opts PickOptions) (Decision, error) {
	idx, idxNoScratch, err := PickIndices(results, opts)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Primary: results[idx].config()}
	if idxNoScratch >= 0 {
		config := results[idxNoScratch].config()
		decision.NoScratch = &config
	}
	return decision, nil
}

// PickIndices is the positional variant of Pick, for callers that key their
// execution plans by candidate position rather than algorithm id. It returns
// the index of the primary choice and the index of the best zero-scratch
// choice, the latter -1 when absent.
func PickIndices(results []CandidateResult, opts PickOptions) (idx, idxNoScratch int, err error) {
	idx, idxNoScratch = -1, -1
	for i := range results {
		r := &results[i]
		if !r.Ok() {
			continue
		}
		if idx < 0 || (!opts.Deterministic && r.Duration < results[idx].Duration) {
			idx = i
		}
		if r.ScratchBytes == 0 &&
			(idxNoScratch < 0 || (!opts.Deterministic && r.Duration < results[idxNoScratch].Duration)) {
			idxNoScratch = i
		}
	}
	if idx < 0 {
		return -1, -1, errors.WithMessagef(ErrNoAlgorithmWorked,
			"all %d candidates failed: %s", len(results), describeFailures(results))
	}
	return idx, idxNoScratch, nil
}

func describeFailures(results []CandidateResult) string {
	parts := make([]string, 0, len(results))
	for i := range results {
		r := &results[i]
		if r.Failure == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("algo %d: %s", r.Algorithm, r.Failure))
	}
	if len(parts) == 0 {
		return "no candidates measured"
	}
	return strings.Join(parts, "; ")
}
