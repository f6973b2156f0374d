// Copyright 2026 The gdex Authors. SPDX-License-Identifier: Apache-2.0

package autotune

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func ok(algo int64, d time.Duration, scratch int64) CandidateResult {
	return CandidateResult{Algorithm: algo, Duration: d, ScratchBytes: scratch}
}

func failed(algo int64, kind FailureKind, msg string) CandidateResult {
	return CandidateResult{Algorithm: algo, Failure: &Failure{Kind: kind, Msg: msg}}
}

func TestPickAllFailed(t *testing.T) {
	results := []CandidateResult{
		failed(1, FailureTimeout, "exceeded 2s"),
		failed(2, FailureWrongResult, "mismatch at element 17"),
	}
	_, err := Pick(results, PickOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoAlgorithmWorked))
	require.Contains(t, err.Error(), "algo 1")
	require.Contains(t, err.Error(), "Timeout")

	_, _, err = PickIndices(nil, PickOptions{})
	require.True(t, errors.Is(err, ErrNoAlgorithmWorked))
}

func TestPickFastestWins(t *testing.T) {
	results := []CandidateResult{
		ok(10, 8*time.Millisecond, 0),
		ok(11, 5*time.Millisecond, 128),
		failed(12, FailureRedzoneModified, "buffer overrun"),
		ok(13, 6*time.Millisecond, 0),
	}
	decision, err := Pick(results, PickOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(11), decision.Primary.Algorithm)
	require.NotNil(t, decision.NoScratch)
	require.Equal(t, int64(13), decision.NoScratch.Algorithm)
}

func TestPickTieBreaksByInputOrder(t *testing.T) {
	results := []CandidateResult{
		ok(1, 10*time.Millisecond, 0),
		ok(2, 10*time.Millisecond, 0),
	}
	decision, err := Pick(results, PickOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), decision.Primary.Algorithm)
	require.NotNil(t, decision.NoScratch)
	require.Equal(t, int64(1), decision.NoScratch.Algorithm)
}

func TestPickScratchPartition(t *testing.T) {
	results := []CandidateResult{
		ok(1, 5*time.Millisecond, 128),
		ok(2, 8*time.Millisecond, 0),
	}
	decision, err := Pick(results, PickOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), decision.Primary.Algorithm)
	require.NotNil(t, decision.NoScratch)
	require.Equal(t, int64(2), decision.NoScratch.Algorithm)
}

func TestPickNoScratchAbsent(t *testing.T) {
	results := []CandidateResult{
		ok(1, 5*time.Millisecond, 64),
		ok(2, 7*time.Millisecond, 32),
	}
	decision, err := Pick(results, PickOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), decision.Primary.Algorithm)
	require.Nil(t, decision.NoScratch)
}

func TestPickDeterministic(t *testing.T) {
	results := []CandidateResult{
		failed(1, FailureTimeout, "exceeded 2s"),
		ok(2, 20*time.Millisecond, 128),
		ok(3, 1*time.Millisecond, 0),
	}
	decision, err := Pick(results, PickOptions{Deterministic: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), decision.Primary.Algorithm)
	require.NotNil(t, decision.NoScratch)
	require.Equal(t, int64(3), decision.NoScratch.Algorithm)
}

func TestPickIndices(t *testing.T) {
	results := []CandidateResult{
		ok(7, 9*time.Millisecond, 256),
		ok(8, 3*time.Millisecond, 256),
	}
	idx, idxNoScratch, err := PickIndices(results, PickOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Equal(t, -1, idxNoScratch)
}

func TestPickPreservesTensorOps(t *testing.T) {
	results := []CandidateResult{
		{Algorithm: 4, TensorOps: true, Duration: 2 * time.Millisecond, ScratchBytes: 0},
	}
	decision, err := Pick(results, PickOptions{})
	require.NoError(t, err)
	require.True(t, decision.Primary.TensorOps)
	require.Equal(t, "algo 4 (tensor ops)", decision.Primary.String())
}
