// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Balanced is a BatchSampler that draws class-balanced batches from an imbalanced dataset.
//
// The dataset positions are grouped by label, and the groups are sorted by decreasing population.
// The round-robin over the classes carries on across batches: slot `i` of a batch draws one
// position from the CyclicIterator of class `(cursor + i) % numClasses`, and the cursor advances
// by batchSize after each batch. So with batchSize = 10 and 4 classes, the first batch gives 3 slots
// to the two most populous classes and 2 to the others, and the following batch the other way
// around. When batchSize < numClasses, not every class is present in every batch, but successive
// batches cover all the classes evenly.
//
// Since the per-class iterators are cyclic, rare classes are repeated (with reshuffling) as often
// as needed, and the number of batches per pass is fixed at `N / batchSize` (floor division).
//
// Balanced is safe for concurrent use.
type Balanced struct {
	batchSize    int
	numPositions int
	numBatches   int
	batchShuffle bool

	classes   []int         // Class labels in round-robin order (decreasing population).
	groups    map[int][]int // Positions per class label: a private copy, never aliased.
	iterators []*CyclicIterator

	mu    sync.Mutex // Protects everything below.
	rng      *rand.Rand
	count    int // Batches yielded in the current pass.
	rrCursor int // Class of the first slot of the next batch, in [0, numClasses).
}

var _ BatchSampler = (*Balanced)(nil)

// NewBalanced creates a class-balanced batch sampler for a dataset whose position `i` has label
// `labels[i]`. The labels are only read during construction: the caller is free to change them
// afterward.
//
// It returns an error if batchSize <= 0 or if labels is empty.
//
// See Balanced for details, and WithRand and WithBatchShuffle for further configuration.
func NewBalanced(batchSize int, labels []int) (*Balanced, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("Balanced sampler requires batchSize > 0, got %d", batchSize)
	}
	if len(labels) == 0 {
		return nil, errors.New("Balanced sampler requires at least one labeled position: " +
			"a class with no members cannot contribute to a round-robin slot")
	}
	b := &Balanced{
		batchSize:    batchSize,
		numPositions: len(labels),
		numBatches:   len(labels) / batchSize,
		batchShuffle: true,
		groups:       make(map[int][]int),
		rng:          newRand(),
	}

	// Single pass grouping positions by label.
	for position, label := range labels {
		group, found := b.groups[label]
		if !found {
			b.classes = append(b.classes, label)
		}
		b.groups[label] = append(group, position)
	}
	slices.SortStableFunc(b.classes, func(a, c int) int {
		if diff := len(b.groups[c]) - len(b.groups[a]); diff != 0 {
			return diff
		}
		return a - c
	})
	if err := b.buildIterators(); err != nil {
		return nil, err
	}
	if b.numBatches == 0 {
		klog.Warningf("Balanced sampler with %d positions and batchSize=%d yields no batches",
			b.numPositions, b.batchSize)
	}
	return b, nil
}

// MustNewBalanced is like NewBalanced, but panics on error.
func MustNewBalanced(batchSize int, labels []int) *Balanced {
	return must.M1(NewBalanced(batchSize, labels))
}

// buildIterators (re-)creates one CyclicIterator per class, using the current random source.
func (b *Balanced) buildIterators() error {
	b.iterators = make([]*CyclicIterator, 0, len(b.classes))
	for _, label := range b.classes {
		it, err := NewCyclicIterator(b.groups[label], 1, b.rng)
		if err != nil {
			return errors.WithMessagef(err, "building iterator for class %d", label)
		}
		b.iterators = append(b.iterators, it)
	}
	return nil
}

// WithRand sets the random source used to shuffle the per-class iterators and the batches.
// It resets the sampler: the per-class iterators are rebuilt with the new source.
//
// It returns itself, so calls can be cascaded.
func (b *Balanced) WithRand(rng *rand.Rand) *Balanced {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rng
	must.M(b.buildIterators())
	b.count = 0
	b.rrCursor = 0
	return b
}

// WithBatchShuffle configures whether the positions of each batch are shuffled after being drawn
// round-robin from the classes. It defaults to true.
//
// Without the shuffle, the positions of a batch follow the round-robin order of Classes(), starting
// where the previous batch left off, which is handy for reproducibility-sensitive tests.
//
// It returns itself, so calls can be cascaded.
func (b *Balanced) WithBatchShuffle(shuffle bool) *Balanced {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchShuffle = shuffle
	return b
}

// Next implements BatchSampler. It returns batchSize positions, or io.EOF if NumBatches batches
// were already yielded in the current pass.
func (b *Balanced) Next() ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count >= b.numBatches {
		return nil, io.EOF
	}
	b.count++
	numClasses := len(b.iterators)
	batch := make([]int, 0, b.batchSize)
	for slot := range b.batchSize {
		batch = append(batch, b.iterators[(b.rrCursor+slot)%numClasses].Next()...)
	}
	b.rrCursor = (b.rrCursor + b.batchSize) % numClasses
	if b.batchShuffle {
		b.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}
	return batch, nil
}

// Reset implements BatchSampler. Neither the per-class iterators nor the round-robin cursor are
// reset: they carry on cycling through the classes across passes.
func (b *Balanced) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
}

// NumBatches implements BatchSampler: it is `N / batchSize`, fixed at construction.
func (b *Balanced) NumBatches() int {
	return b.numBatches
}

// Len is an alias to NumBatches.
func (b *Balanced) Len() int {
	return b.numBatches
}

// BatchSize returns the number of positions per batch.
func (b *Balanced) BatchSize() int {
	return b.batchSize
}

// NumClasses returns the number of distinct labels.
func (b *Balanced) NumClasses() int {
	return len(b.classes)
}

// Classes returns the class labels in round-robin order, that is, sorted by decreasing population.
// Ties are ordered by increasing label.
func (b *Balanced) Classes() []int {
	return slices.Clone(b.classes)
}

// ClassCount returns the number of positions with the given label, 0 if the label is unknown.
func (b *Balanced) ClassCount(label int) int {
	return len(b.groups[label])
}
