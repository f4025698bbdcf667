// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/feeder/internal/workerspool"
	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/gomlx/feeder/pkg/ml/prefetch"
	"github.com/gomlx/feeder/pkg/ml/sampler"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultReadAhead is the default number of collated batches queued ahead of the consumer.
const DefaultReadAhead = 2

// BatchLoader is a train.Dataset that yields the collated batches of a Dataset, in the order
// given by a batch sampler.
//
// One producer goroutine walks the sampler: for each batch it loads the samples in parallel, on a
// pool of workers, collates them, and queues the result for Yield. It yields the raw uint8 pixels
// and the int64 labels, on the host, usually to be fed to a prefetch.Loader.
type BatchLoader struct {
	ds        Dataset
	sampler   sampler.BatchSampler
	pool      *workerspool.Pool
	collator  collate.Collator
	name      string
	shortName string
	readAhead int

	mu       sync.Mutex
	producer *producer
	finished bool

	// keepAlive is used only to keep BatchLoader alive in the middle of long calls.
	keepAlive int64
}

var (
	_ train.Dataset       = (*BatchLoader)(nil)
	_ train.HasShortName  = (*BatchLoader)(nil)
	_ prefetch.HasLen     = (*BatchLoader)(nil)
	_ prefetch.HasSampler = (*BatchLoader)(nil)
)

// NewBatchLoader creates a BatchLoader over ds, with batches of indices given by s.
//
// numWorkers is the number of samples loaded in parallel: 0 loads them inline, in the producer
// goroutine, and a negative value uses the number of cores.
func NewBatchLoader(ds Dataset, s sampler.BatchSampler, numWorkers int) *BatchLoader {
	bl := &BatchLoader{
		ds:        ds,
		sampler:   s,
		pool:      workerspool.New(numWorkers),
		collator:  collate.Default,
		name:      "batch_loader",
		shortName: "bl",
		readAhead: DefaultReadAhead,
	}
	// If the BatchLoader is garbage collected, stop the producer goroutine.
	runtime.SetFinalizer(bl, func(bl *BatchLoader) {
		if bl.producer != nil {
			bl.producer.stop.Trigger()
		}
	})
	return bl
}

// WithName sets the name of the BatchLoader, and optionally its short name.
//
// It returns the BatchLoader, so calls can be cascaded.
func (bl *BatchLoader) WithName(name string, shortName ...string) *BatchLoader {
	bl.name = name
	if len(shortName) > 0 {
		bl.shortName = shortName[0]
	}
	return bl
}

// WithCollator replaces collate.Default by the given collator. If it implements
// prefetch.MixingSource, the mixing flag is forwarded to it.
//
// It must be called before the first Yield. It returns the BatchLoader, so calls can be cascaded.
func (bl *BatchLoader) WithCollator(collator collate.Collator) *BatchLoader {
	bl.collator = collator
	return bl
}

// ReadAhead sets the number of collated batches queued ahead of the consumer. Values < 1 are
// taken as 1. It defaults to DefaultReadAhead.
//
// It must be called before the first Yield. It returns the BatchLoader, so calls can be cascaded.
func (bl *BatchLoader) ReadAhead(n int) *BatchLoader {
	bl.readAhead = max(1, n)
	return bl
}

// Name implements train.Dataset.
func (bl *BatchLoader) Name() string { return bl.name }

// ShortName implements train.HasShortName.
func (bl *BatchLoader) ShortName() string { return bl.shortName }

// Len implements prefetch.HasLen: it returns the number of batches per pass.
func (bl *BatchLoader) Len() int { return bl.sampler.NumBatches() }

// Sampler implements prefetch.HasSampler.
func (bl *BatchLoader) Sampler() sampler.BatchSampler { return bl.sampler }

// Dataset returns the underlying Dataset.
func (bl *BatchLoader) Dataset() Dataset { return bl.ds }

// MixingEnabled returns whether the collator mixes batches. It is false if the collator doesn't
// implement prefetch.MixingSource.
func (bl *BatchLoader) MixingEnabled() bool {
	if mixing, ok := bl.collator.(prefetch.MixingSource); ok {
		return mixing.MixingEnabled()
	}
	return false
}

// SetMixingEnabled enables or disables mixing in the collator, if it implements prefetch.MixingSource.
func (bl *BatchLoader) SetMixingEnabled(enabled bool) {
	if mixing, ok := bl.collator.(prefetch.MixingSource); ok {
		mixing.SetMixingEnabled(enabled)
	}
}

// Yield implements train.Dataset. It returns the uint8 pixels as the only input and the int64
// labels as the only label, and io.EOF at the end of the pass.
//
// The first error loading or collating a batch ends the pass: it is returned once, and io.EOF
// afterward, until Reset.
func (bl *BatchLoader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	bl.mu.Lock()
	if bl.finished {
		bl.mu.Unlock()
		err = errors.Errorf("BatchLoader %q: Yield called after Done", bl.name)
		return
	}
	if bl.producer == nil {
		bl.producer = bl.startProducer()
	}
	p := bl.producer
	bl.mu.Unlock()

	result, ok := <-p.results
	switch {
	case !ok:
		err = io.EOF
	case result.err != nil:
		err = result.err
	default:
		inputs = []*tensors.Tensor{result.pixels}
		labels = []*tensors.Tensor{result.labels}
	}

	// This no-op prevents `bl` from being garbage collected and the goroutine stopped in the middle
	// of the Yield operation. Leave this at the end.
	bl.keepAlive++
	return
}

// Reset implements train.Dataset. It stops the producer goroutine, discards the queued batches
// and resets the sampler. The producer restarts with the next Yield.
func (bl *BatchLoader) Reset() {
	bl.stopProducer()
	bl.sampler.Reset()
	bl.keepAlive++
}

// Done stops the producer goroutine and finalizes the queued batches. The BatchLoader can't be
// used afterward.
func (bl *BatchLoader) Done() {
	bl.stopProducer()
	bl.mu.Lock()
	bl.finished = true
	bl.mu.Unlock()
}

func (bl *BatchLoader) stopProducer() {
	bl.mu.Lock()
	p := bl.producer
	bl.producer = nil
	bl.mu.Unlock()
	if p == nil {
		return
	}
	p.stop.Trigger()
	for result := range p.results {
		result.finalize()
	}
	p.done.Wait()
}

// batchResult is one collated batch, or the error that ended the pass.
type batchResult struct {
	pixels, labels *tensors.Tensor
	err            error
}

func (r batchResult) finalize() {
	if r.pixels != nil {
		r.pixels.FinalizeAll()
	}
	if r.labels != nil {
		r.labels.FinalizeAll()
	}
}

// producer is the state of one pass of the producer goroutine. It doesn't point back to the
// BatchLoader, so the latter can be garbage collected while the goroutine runs.
type producer struct {
	name     string
	ds       Dataset
	sampler  sampler.BatchSampler
	pool     *workerspool.Pool
	collator collate.Collator

	results    chan batchResult // Closed at the end of the pass.
	stop, done *xsync.Latch
}

func (bl *BatchLoader) startProducer() *producer {
	p := &producer{
		name:     bl.name,
		ds:       bl.ds,
		sampler:  bl.sampler,
		pool:     bl.pool,
		collator: bl.collator,
		results:  make(chan batchResult, bl.readAhead),
		stop:     xsync.NewLatch(),
		done:     xsync.NewLatch(),
	}
	if p.sampler.NumBatches() == 0 {
		klog.Warningf("BatchLoader %q: sampler yields no batches, every pass is empty", bl.name)
	}
	go p.run()
	return p
}

func (p *producer) run() {
	defer p.done.Trigger()
	defer close(p.results)
	for {
		if p.stop.Test() {
			return
		}
		indices, err := p.sampler.Next()
		if err == io.EOF {
			return
		}
		var result batchResult
		if err != nil {
			result.err = errors.WithMessagef(err, "BatchLoader %q: sampling batch", p.name)
		} else {
			result.pixels, result.labels, result.err = p.load(indices)
		}
		if result.err != nil {
			klog.Errorf("BatchLoader %q: %+v", p.name, result.err)
		}
		select {
		case p.results <- result:
		case <-p.stop.WaitChan():
			result.finalize()
			return
		}
		if result.err != nil {
			return
		}
	}
}

// load the samples at the given indices and collate them.
func (p *producer) load(indices []int) (pixels, labels *tensors.Tensor, err error) {
	items := make([]collate.Item, len(indices))
	err = p.pool.Map(len(indices), func(i int) error {
		item, err := p.ds.Item(indices[i])
		if err != nil {
			return errors.WithMessagef(err, "loading sample #%d", indices[i])
		}
		items[i] = item
		return nil
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "BatchLoader %q", p.name)
	}
	pixels, labels, err = p.collator.Collate(items)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "BatchLoader %q: collating %d samples", p.name, len(items))
	}
	return pixels, labels, nil
}
