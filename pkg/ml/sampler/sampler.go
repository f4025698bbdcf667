// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler generates the dataset positions that make up each batch.
//
// The two batch samplers are:
//
//   - Balanced: draws each batch round-robin across the classes of the dataset, so that even
//     heavily imbalanced datasets are seen with near-uniform per-class representation.
//   - Sequential: walks the dataset in order (or in a shuffled order), optionally dropping the
//     last incomplete batch. Used for evaluation.
//
// Both implement BatchSampler, which follows the same conventions as train.Dataset: Next returns
// io.EOF at the end of a pass, and Reset starts a new pass.
//
// The building block of Balanced is the CyclicIterator, an index source that never runs out.
package sampler

import (
	"iter"
	"math/rand"
	"time"
)

// BatchSampler yields the dataset positions of each batch.
type BatchSampler interface {
	// Next returns the positions of the next batch, or io.EOF if the current pass is over.
	Next() ([]int, error)

	// Reset starts a new pass.
	Reset()

	// NumBatches returns the number of batches yielded per pass.
	NumBatches() int
}

// All returns an iterator over one full pass of the sampler. It calls Reset before starting.
//
// Errors other than io.EOF cannot happen with the samplers of this package, so they simply end the
// iteration.
func All(s BatchSampler) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		s.Reset()
		for {
			batch, err := s.Next()
			if err != nil {
				return
			}
			if !yield(batch) {
				return
			}
		}
	}
}

// newRand returns a time-seeded random source, used when the caller doesn't provide one.
func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
}
