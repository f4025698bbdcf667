// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prefetch

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// preparedBatch is the content of one double-buffer slot.
type preparedBatch struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
	err    error // io.EOF or other error, in which case the batch is empty.
}

// finalize the tensors of the batch, used when it's discarded without being yielded.
func (b *preparedBatch) finalize() {
	for _, slice := range [][]*tensors.Tensor{b.inputs, b.labels} {
		for _, t := range slice {
			if t == nil {
				continue
			}
			if err := t.FinalizeAll(); err != nil {
				klog.Errorf("prefetch: failed to finalize discarded tensor: %+v", err)
			}
		}
	}
	b.inputs, b.labels = nil, nil
}

// numSlots in the ring: one batch held by the consumer, one being prepared or ready.
const numSlots = 2

// doubleBuffer is a two-slot ring with exactly one writer (the stream goroutine) and one reader
// (Loader.Yield).
//
// A slot cycles through: free -> acquired (writer preparing it) -> full (published, waiting for
// the reader) -> held (last slot returned to the reader) -> free (when the reader comes back for
// the next one). The writer is never more than one batch ahead of the batch held by the reader.
type doubleBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots    [numSlots]preparedBatch
	full     [numSlots]bool
	held     int // Slot held by the reader, or -1.
	writeIdx int
	readIdx  int
	closed   bool
}

func newDoubleBuffer() *doubleBuffer {
	db := &doubleBuffer{held: -1}
	db.cond = sync.NewCond(&db.mu)
	return db
}

// acquire blocks until the next slot in the ring is free for writing, and returns it.
// It returns false if the buffer was closed.
func (db *doubleBuffer) acquire() (slot int, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for !db.closed && (db.full[db.writeIdx] || db.held == db.writeIdx) {
		db.cond.Wait()
	}
	if db.closed {
		return -1, false
	}
	return db.writeIdx, true
}

// publish makes the acquired slot visible to the reader. It must only be called after the batch is
// completely prepared.
//
// It returns false if the buffer was closed in the meantime, in which case the batch is finalized.
func (db *doubleBuffer) publish(slot int, batch preparedBatch) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		batch.finalize()
		return false
	}
	db.slots[slot] = batch
	db.full[slot] = true
	db.writeIdx = (slot + 1) % numSlots
	db.cond.Broadcast()
	return true
}

// next releases the slot held by the reader, if any, and blocks until the following slot is
// published. It returns false if the buffer was closed.
func (db *doubleBuffer) next() (batch preparedBatch, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.held >= 0 {
		db.slots[db.held] = preparedBatch{}
		db.held = -1
		db.cond.Broadcast()
	}
	for !db.closed && !db.full[db.readIdx] {
		db.cond.Wait()
	}
	if db.closed {
		return preparedBatch{}, false
	}
	batch = db.slots[db.readIdx]
	db.full[db.readIdx] = false
	db.held = db.readIdx
	db.readIdx = (db.readIdx + 1) % numSlots
	return batch, true
}

// close wakes up the writer and the reader, and finalizes the batches published but not yet read.
// It's a no-op if already closed.
func (db *doubleBuffer) close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}
	db.closed = true
	for slot := range numSlots {
		if db.full[slot] {
			db.slots[slot].finalize()
			db.full[slot] = false
		}
		db.slots[slot] = preparedBatch{}
	}
	db.held = -1
	db.cond.Broadcast()
}

// numReady returns the number of published batches not yet read.
func (db *doubleBuffer) numReady() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	count := 0
	for _, full := range db.full {
		if full {
			count++
		}
	}
	return count
}
