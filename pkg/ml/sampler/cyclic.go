// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"math/rand"

	"github.com/pkg/errors"
)

// CyclicIterator is an infinite source of indices drawn from a fixed collection.
//
// It keeps a shuffled private copy of the collection and a cursor. Each call to Next returns the
// `step` indices at the cursor and advances it. Whenever the next advance would reach or go past the
// end of the collection, the copy is reshuffled and the cursor set back to 0, so the iterator never
// runs out.
//
// It is not safe for concurrent use: it is meant to be owned by one Balanced slot.
type CyclicIterator struct {
	indices      []int
	cursor, step int
	rng          *rand.Rand
}

// NewCyclicIterator creates a CyclicIterator over a copy of indices, yielding `step` indices per call.
//
// If rng is nil, a time-seeded random source is used.
//
// It returns an error if indices is empty, if step <= 0 or if step is larger than the collection.
func NewCyclicIterator(indices []int, step int, rng *rand.Rand) (*CyclicIterator, error) {
	if len(indices) == 0 {
		return nil, errors.New("CyclicIterator requires a non-empty collection of indices")
	}
	if step <= 0 {
		return nil, errors.Errorf("CyclicIterator requires step > 0, got step=%d", step)
	}
	if step > len(indices) {
		return nil, errors.Errorf("CyclicIterator step=%d is larger than the collection (%d indices)",
			step, len(indices))
	}
	if rng == nil {
		rng = newRand()
	}
	it := &CyclicIterator{
		indices: make([]int, len(indices)),
		step:    step,
		rng:     rng,
	}
	copy(it.indices, indices)
	it.shuffle()
	return it, nil
}

func (it *CyclicIterator) shuffle() {
	it.rng.Shuffle(len(it.indices), func(i, j int) {
		it.indices[i], it.indices[j] = it.indices[j], it.indices[i]
	})
}

// Next returns the next `step` indices. It never fails and never returns an empty slice.
//
// The returned slice is owned by the caller.
func (it *CyclicIterator) Next() []int {
	next := make([]int, it.step)
	copy(next, it.indices[it.cursor:it.cursor+it.step])
	it.cursor += it.step
	if it.cursor+it.step >= len(it.indices) {
		it.cursor = 0
		it.shuffle()
	}
	return next
}

// Len returns the size of the underlying collection.
func (it *CyclicIterator) Len() int {
	return len(it.indices)
}

// Step returns the number of indices returned by each call to Next.
func (it *CyclicIterator) Step() int {
	return it.step
}
