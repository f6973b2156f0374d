// Copyright 2026 The gdex Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices collects small generic slice helpers shared across the
// execution core.
package xslices

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Copy returns a copy of the slice.
func Copy[T any](slice []T) []T {
	s := make([]T, len(slice))
	copy(s, slice)
	return s
}
