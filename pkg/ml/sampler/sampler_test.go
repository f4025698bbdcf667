// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"io"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCyclicIterator(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	collection := []int{3, 5, 7, 11, 13, 17, 19}
	for step := 1; step <= len(collection); step++ {
		it, err := NewCyclicIterator(collection, step, rng)
		require.NoError(t, err)
		require.Equal(t, len(collection), it.Len())
		seen := make(map[int]int)
		for range 10_000 {
			next := it.Next()
			require.Len(t, next, step)
			for _, idx := range next {
				require.Contains(t, collection, idx)
				seen[idx]++
			}
		}
		if step < len(collection) {
			// Shuffling between passes means that, eventually, every index is visited.
			assert.Len(t, seen, len(collection), "step=%d", step)
		}
	}

	// The iterator works on a private copy.
	original := []int{1, 2, 3}
	it, err := NewCyclicIterator(original, 1, rng)
	require.NoError(t, err)
	original[0], original[1], original[2] = -1, -1, -1
	for range 100 {
		assert.NotEqual(t, -1, it.Next()[0])
	}

	// A single element collection is fine.
	it, err = NewCyclicIterator([]int{9}, 1, nil)
	require.NoError(t, err)
	for range 10 {
		require.Equal(t, []int{9}, it.Next())
	}
}

func TestCyclicIteratorErrors(t *testing.T) {
	_, err := NewCyclicIterator(nil, 1, nil)
	require.Error(t, err)
	_, err = NewCyclicIterator([]int{1, 2}, 0, nil)
	require.Error(t, err)
	_, err = NewCyclicIterator([]int{1, 2}, 3, nil)
	require.Error(t, err)
}

// imbalancedLabels returns labels for a dataset with the given population per class,
// with labels interleaved so positions and labels are not trivially correlated.
func imbalancedLabels(populations map[int]int) []int {
	var labels []int
	remaining := make(map[int]int)
	for label, count := range populations {
		remaining[label] = count
	}
	for len(remaining) > 0 {
		keys := make([]int, 0, len(remaining))
		for label := range remaining {
			keys = append(keys, label)
		}
		slices.Sort(keys)
		for _, label := range keys {
			labels = append(labels, label)
			remaining[label]--
			if remaining[label] == 0 {
				delete(remaining, label)
			}
		}
	}
	return labels
}

func TestBalancedNumBatches(t *testing.T) {
	labels := imbalancedLabels(map[int]int{0: 50, 1: 7, 2: 3})
	for _, batchSize := range []int{1, 2, 3, 7, 10, 32, 60} {
		b, err := NewBalanced(batchSize, labels)
		require.NoError(t, err)
		wantBatches := len(labels) / batchSize
		require.Equal(t, wantBatches, b.NumBatches())
		require.Equal(t, wantBatches, b.Len())
		for pass := range 3 {
			count := 0
			for batch := range All(b) {
				require.Len(t, batch, batchSize)
				for _, position := range batch {
					require.GreaterOrEqual(t, position, 0)
					require.Less(t, position, len(labels))
				}
				count++
			}
			require.Equal(t, wantBatches, count, "batchSize=%d, pass=%d", batchSize, pass)
			_, err = b.Next()
			require.ErrorIs(t, err, io.EOF)
		}
	}

	// Fewer positions than a batch: valid but empty.
	b, err := NewBalanced(100, labels)
	require.NoError(t, err)
	require.Equal(t, 0, b.NumBatches())
	_, err = b.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestBalancedClassOrder(t *testing.T) {
	labels := imbalancedLabels(map[int]int{4: 3, 1: 50, 7: 3, 2: 10})
	b := MustNewBalanced(8, labels)
	// Decreasing population, ties by increasing label.
	assert.Equal(t, []int{1, 2, 4, 7}, b.Classes())
	assert.Equal(t, 4, b.NumClasses())
	assert.Equal(t, 50, b.ClassCount(1))
	assert.Equal(t, 0, b.ClassCount(99))

	// Without batch shuffle, slot i holds class Classes()[i % numClasses]: batchSize is a multiple
	// of the number of classes, so every batch starts at the first class.
	b.WithBatchShuffle(false).WithRand(rand.New(rand.NewSource(1)))
	classes := b.Classes()
	for batch := range All(b) {
		for slot, position := range batch {
			require.Equal(t, classes[slot%len(classes)], labels[position])
		}
	}

	// Otherwise each batch starts where the previous one left off.
	b = MustNewBalanced(3, labels).WithBatchShuffle(false)
	next := 0
	for batch := range All(b) {
		for _, position := range batch {
			require.Equal(t, classes[next], labels[position])
			next = (next + 1) % len(classes)
		}
	}
}

func TestBalancedFrequencies(t *testing.T) {
	populations := map[int]int{0: 500, 1: 40, 2: 5, 3: 1}
	labels := imbalancedLabels(populations)
	const batchSize = 16
	b := MustNewBalanced(batchSize, labels).WithRand(rand.New(rand.NewSource(7)))
	counts := make(map[int]int)
	total := 0
	for range 20 {
		for batch := range All(b) {
			for _, position := range batch {
				counts[labels[position]]++
				total++
			}
		}
	}
	numClasses := len(populations)
	for label := range populations {
		freq := float64(counts[label]) / float64(total)
		assert.InDelta(t, 1.0/float64(numClasses), freq, 1e-9,
			"class %d frequency %.4f, batchSize divisible by the number of classes", label, freq)
	}

	// Uneven division: the first batch gives the extra slots to the most populous classes, the
	// following one to the others, so over an even number of batches the frequencies are uniform.
	b = MustNewBalanced(10, labels).WithRand(rand.New(rand.NewSource(7)))
	batch, err := b.Next()
	require.NoError(t, err)
	firstCounts := make(map[int]int)
	for _, position := range batch {
		firstCounts[labels[position]]++
	}
	assert.Equal(t, map[int]int{0: 3, 1: 3, 2: 2, 3: 2}, firstCounts)

	b = MustNewBalanced(10, labels).WithRand(rand.New(rand.NewSource(7)))
	require.Equal(t, 0, b.NumBatches()%2)
	counts = make(map[int]int)
	total = 0
	for range 20 {
		for batch := range All(b) {
			for _, position := range batch {
				counts[labels[position]]++
				total++
			}
		}
	}
	for label := range populations {
		assert.InDelta(t, 0.25, float64(counts[label])/float64(total), 1e-9, "class %d", label)
	}
}

func TestBalancedSmallBatches(t *testing.T) {
	// batchSize < numClasses: every class still shows up, spread over successive batches.
	labels := imbalancedLabels(map[int]int{0: 20, 1: 20, 2: 20, 3: 20, 4: 20})
	b := MustNewBalanced(2, labels).WithRand(rand.New(rand.NewSource(3)))
	for pass := range 50 {
		seen := make(map[int]int)
		for batch := range All(b) {
			for _, position := range batch {
				seen[labels[position]]++
			}
		}
		// 50 batches of 2 cycle 20 times through the 5 classes.
		require.Equal(t, map[int]int{0: 20, 1: 20, 2: 20, 3: 20, 4: 20}, seen, "pass %d", pass)
	}

	// Single slot batches visit the classes one after the other.
	b = MustNewBalanced(1, labels).WithBatchShuffle(false)
	classes := b.Classes()
	for ii := range 2 * len(classes) {
		batch, err := b.Next()
		require.NoError(t, err)
		require.Equal(t, classes[ii%len(classes)], labels[batch[0]])
	}
}

func TestBalancedPrivateLabels(t *testing.T) {
	labels := imbalancedLabels(map[int]int{0: 10, 1: 10})
	original := slices.Clone(labels)
	b := MustNewBalanced(4, labels).WithBatchShuffle(false)
	for ii := range labels {
		labels[ii] = 99
	}
	classes := b.Classes()
	for batch := range All(b) {
		for slot, position := range batch {
			require.Equal(t, classes[slot%2], original[position])
		}
	}
}

func TestBalancedErrors(t *testing.T) {
	_, err := NewBalanced(0, []int{1, 2})
	require.Error(t, err)
	_, err = NewBalanced(4, nil)
	require.Error(t, err)
	require.Panics(t, func() { MustNewBalanced(-1, []int{1}) })
}

func TestSequential(t *testing.T) {
	s, err := NewSequential(10, 3, false, false)
	require.NoError(t, err)
	require.Equal(t, 4, s.NumBatches())
	var got [][]int
	for batch := range All(s) {
		got = append(got, batch)
	}
	require.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, {9}}, got)

	s, err = NewSequential(10, 3, true, true)
	require.NoError(t, err)
	s.WithRand(rand.New(rand.NewSource(5)))
	require.Equal(t, 3, s.NumBatches())
	var all []int
	count := 0
	for batch := range All(s) {
		require.Len(t, batch, 3)
		all = append(all, batch...)
		count++
	}
	require.Equal(t, 3, count)
	slices.Sort(all)
	require.Len(t, slices.Compact(all), 9, "no position repeated within a pass")

	_, err = NewSequential(-1, 3, false, false)
	require.Error(t, err)
	_, err = NewSequential(3, 0, false, false)
	require.Error(t, err)
}
