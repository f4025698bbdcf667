// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// Sequential is a BatchSampler that walks the positions `0..n-1` in order, or in a new random
// order for each pass if shuffle is set, and cuts them in batches of batchSize.
//
// The last batch of a pass may be smaller than batchSize, unless dropLast is set, in which case it
// is dropped.
//
// Sequential is safe for concurrent use.
type Sequential struct {
	n, batchSize      int
	shuffle, dropLast bool

	mu        sync.Mutex
	rng       *rand.Rand
	positions []int
	cursor    int
}

var _ BatchSampler = (*Sequential)(nil)

// NewSequential creates a Sequential sampler over n positions.
//
// It returns an error if n < 0 or batchSize <= 0.
func NewSequential(n, batchSize int, shuffle, dropLast bool) (*Sequential, error) {
	if n < 0 {
		return nil, errors.Errorf("Sequential sampler requires n >= 0, got %d", n)
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("Sequential sampler requires batchSize > 0, got %d", batchSize)
	}
	s := &Sequential{
		n:         n,
		batchSize: batchSize,
		shuffle:   shuffle,
		dropLast:  dropLast,
		rng:       newRand(),
		positions: make([]int, n),
	}
	s.Reset()
	return s, nil
}

// WithRand sets the random source used to shuffle, and resets the sampler.
//
// It returns itself, so calls can be cascaded.
func (s *Sequential) WithRand(rng *rand.Rand) *Sequential {
	s.mu.Lock()
	s.rng = rng
	s.mu.Unlock()
	s.Reset()
	return s
}

// Reset implements BatchSampler. If shuffling, a new permutation is drawn.
func (s *Sequential) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ii := range s.positions {
		s.positions[ii] = ii
	}
	if s.shuffle {
		s.rng.Shuffle(len(s.positions), func(i, j int) {
			s.positions[i], s.positions[j] = s.positions[j], s.positions[i]
		})
	}
	s.cursor = 0
}

// Next implements BatchSampler.
func (s *Sequential) Next() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.n - s.cursor
	if remaining <= 0 || (s.dropLast && remaining < s.batchSize) {
		return nil, io.EOF
	}
	size := min(remaining, s.batchSize)
	batch := make([]int, size)
	copy(batch, s.positions[s.cursor:s.cursor+size])
	s.cursor += size
	return batch, nil
}

// NumBatches implements BatchSampler.
func (s *Sequential) NumBatches() int {
	if s.dropLast {
		return s.n / s.batchSize
	}
	return (s.n + s.batchSize - 1) / s.batchSize
}

// Len is an alias to NumBatches.
func (s *Sequential) Len() int {
	return s.NumBatches()
}
