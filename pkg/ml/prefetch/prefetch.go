// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package prefetch implements a double-buffered batch prefetcher for image training loops.
//
// A Loader wraps an upstream train.Dataset yielding raw uint8 image batches (shaped [B, C, H, W])
// and int labels (shaped [B]), such as a loader.BatchLoader. On its own goroutine, it pulls the next
// batch from upstream while the caller consumes the current one, and prepares it on the backend:
//
//  1. Transfer of pixels and labels to the device.
//  2. Conversion of the pixels to float32 (or float16, see Loader.HalfPrecision).
//  3. Normalization with per-channel mean and standard deviation (see Loader.MeanStd).
//  4. Optionally, random erasing of rectangles (see Loader.RandomErasing).
//
// Stages 2 to 4 run in one computation graph, JIT-compiled once per batch shape.
//
// At most two batches are in flight: the one held by the caller (the last one yielded) and the one
// being prepared. Batches are yielded in upstream order, and none is dropped.
package prefetch

import (
	"io"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/feeder/pkg/ml/erasing"
	"github.com/gomlx/feeder/pkg/ml/sampler"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the Loader.
type State int

const (
	// StateStart is the state before the first Yield of a pass (or after Reset).
	StateStart State = iota

	// StatePriming means the stream goroutine is preparing the first batches, none yielded yet.
	StatePriming

	// StateSteady means batches are being yielded while the following ones are prepared.
	StateSteady

	// StateDrain means upstream was already exhausted when the batch was yielded, so no more
	// batches are being prepared.
	StateDrain

	// StateDone means the pass is over: io.EOF or an error was returned, or Done was called.
	StateDone
)

//go:generate go tool enumer -type=State -trimprefix=State -transform=snake -values -text -output=gen_state_enumer.go prefetch.go

var (
	// DefaultMean per channel (RGB) of the ImageNet dataset, for pixel values in [0, 1].
	DefaultMean = []float64{0.485, 0.456, 0.406}

	// DefaultStd per channel (RGB) of the ImageNet dataset, for pixel values in [0, 1].
	DefaultStd = []float64{0.229, 0.224, 0.225}
)

// MaxPixelValue multiplies mean and std, since the pixels are normalized straight from uint8 values.
const MaxPixelValue = 255.0

// ErrHalfPrecisionUnsupported is returned (wrapped) when half precision is requested on a backend
// that doesn't support float16.
var ErrHalfPrecisionUnsupported = errors.New("backend doesn't support float16")

// SupportsHalfPrecision returns whether backend can prepare float16 batches.
func SupportsHalfPrecision(backend backends.Backend) bool {
	return backend.Capabilities().DTypes[dtypes.Float16]
}

// HasLen is implemented by upstream datasets that know their number of batches per pass.
type HasLen interface {
	Len() int
}

// HasSampler is implemented by upstream datasets driven by a batch sampler.
type HasSampler interface {
	Sampler() sampler.BatchSampler
}

// MixingSource is implemented by upstream datasets that can enable or disable batch mixing
// augmentations (like mixup or cutmix).
type MixingSource interface {
	MixingEnabled() bool
	SetMixingEnabled(enabled bool)
}

// Loader is a train.Dataset that prefetches and prepares the batches of an upstream dataset on
// the backend. See package documentation for details.
//
// Create it with New, configure it with the builder methods (which must be called before the
// first Yield), and call Done when no longer needed to stop its goroutine.
type Loader struct {
	backend backends.Backend
	source  train.Dataset

	// Configuration, frozen at the first Yield.
	name, shortName string
	mean, std       []float64
	halfPrecision   bool
	erasing         *erasing.RandomErasing

	mu       sync.Mutex
	state    State
	pipeline *pipeline
	stream   *stream
	finished bool // Set by Done.

	// keepAlive is used only to keep Loader alive in the middle of long calls.
	keepAlive int64
}

var _ train.Dataset = (*Loader)(nil)

// New creates a Loader for the given upstream dataset. It defaults to float32 and the ImageNet
// mean and standard deviation, without random erasing.
func New(backend backends.Backend, source train.Dataset) *Loader {
	l := &Loader{
		backend: backend,
		source:  source,
		name:    source.Name(),
		mean:    slices.Clone(DefaultMean),
		std:     slices.Clone(DefaultStd),
	}
	if sn, ok := source.(train.HasShortName); ok {
		l.shortName = sn.ShortName()
	} else {
		l.shortName = l.name[:min(3, len(l.name))]
	}
	// If the Loader is garbage collected, stop the stream goroutine.
	runtime.SetFinalizer(l, func(l *Loader) {
		if l.stream != nil {
			l.stream.buffer.close()
			l.stream = nil
		}
	})
	return l
}

// configurable returns whether the configuration can still be changed, and logs otherwise.
func (l *Loader) configurable(method string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pipeline != nil {
		klog.Warningf("prefetch.Loader.%s ignored: configuration can't be changed after the first Yield", method)
		return false
	}
	return true
}

// MeanStd sets the per-channel mean and standard deviation used to normalize the pixels, for
// values in [0, 1] (they are scaled by MaxPixelValue internally). Both must have one value per
// channel of the images. It defaults to DefaultMean and DefaultStd.
//
// It returns the Loader, so calls can be cascaded.
func (l *Loader) MeanStd(mean, std []float64) *Loader {
	if l.configurable("MeanStd") {
		l.mean, l.std = slices.Clone(mean), slices.Clone(std)
	}
	return l
}

// HalfPrecision selects float16 normalized pixels, instead of the default float32.
// The backend must support float16 (see SupportsHalfPrecision), otherwise the first Yield returns
// an error wrapping ErrHalfPrecisionUnsupported, without reading from the upstream dataset.
//
// It returns the Loader, so calls can be cascaded.
func (l *Loader) HalfPrecision(enabled bool) *Loader {
	if l.configurable("HalfPrecision") {
		l.halfPrecision = enabled
	}
	return l
}

// RandomErasing sets random erasing to apply to the normalized pixels. If re is nil or has
// probability 0, no erasing is done (the default).
//
// It returns the Loader, so calls can be cascaded.
func (l *Loader) RandomErasing(re *erasing.RandomErasing) *Loader {
	if l.configurable("RandomErasing") {
		if !re.Enabled() {
			re = nil
		}
		l.erasing = re
	}
	return l
}

// WithName sets the name of the Loader, and optionally its short name.
// It defaults to the upstream dataset name.
//
// It returns the Loader, so calls can be cascaded.
func (l *Loader) WithName(name string, shortName ...string) *Loader {
	l.name = name
	if len(shortName) > 0 {
		l.shortName = shortName[0]
	}
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string {
	return l.name
}

// ShortName implements train.HasShortName.
func (l *Loader) ShortName() string {
	return l.shortName
}

// State returns the current state of the Loader.
//
// StateStart and StateDone are exact. Between them State is a hint: whether a batch is reported
// as StateSteady or StateDrain depends on whether the stream goroutine had already seen the end of
// upstream when the batch was yielded, so the last batch of a pass is often reported as StateSteady.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Source returns the upstream dataset.
func (l *Loader) Source() train.Dataset {
	return l.source
}

// Len returns the number of batches per pass of the upstream dataset, or -1 if it doesn't
// implement HasLen.
func (l *Loader) Len() int {
	if hasLen, ok := l.source.(HasLen); ok {
		return hasLen.Len()
	}
	return -1
}

// Sampler returns the batch sampler of the upstream dataset, or nil if it doesn't implement
// HasSampler.
func (l *Loader) Sampler() sampler.BatchSampler {
	if hasSampler, ok := l.source.(HasSampler); ok {
		return hasSampler.Sampler()
	}
	return nil
}

// MixingEnabled returns whether batch mixing is enabled upstream. It is false if the upstream
// dataset doesn't implement MixingSource.
func (l *Loader) MixingEnabled() bool {
	if mixing, ok := l.source.(MixingSource); ok {
		return mixing.MixingEnabled()
	}
	return false
}

// SetMixingEnabled enables or disables batch mixing upstream. It is a no-op if the upstream
// dataset doesn't implement MixingSource.
func (l *Loader) SetMixingEnabled(enabled bool) {
	if mixing, ok := l.source.(MixingSource); ok {
		mixing.SetMixingEnabled(enabled)
	}
}

// Yield implements train.Dataset. It returns the normalized pixels as the only input, and the
// labels as the only label, both on the backend device.
//
// Calling Yield tells the Loader the previously yielded batch is no longer in use, which frees its
// slot for the next batch to be prepared. The ownership of the yielded tensors is transferred to the
// caller.
//
// Upstream errors, and errors preparing a batch, are returned by the Yield for that batch, after
// which the Loader is in StateDone until Reset.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		err = errors.Errorf("prefetch.Loader %q: Yield called after Done", l.name)
		return
	}
	if l.state == StateDone {
		l.mu.Unlock()
		err = io.EOF
		return
	}
	if l.state == StateStart {
		if err = l.startLocked(); err != nil {
			l.state = StateDone
			l.mu.Unlock()
			return
		}
	}
	s := l.stream
	l.mu.Unlock()

	batch, ok := s.buffer.next()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case !ok:
		// Stream stopped by Done or Reset while waiting.
		l.state = StateDone
		err = io.EOF
	case batch.err != nil:
		l.state = StateDone
		err = batch.err
	default:
		if s.exhausted.Load() {
			l.state = StateDrain
		} else {
			l.state = StateSteady
		}
		spec, inputs, labels = batch.spec, batch.inputs, batch.labels
	}

	// This no-op prevents `l` from being garbage collected and the goroutine stopped in the middle
	// of the Yield operation. Leave this at the end.
	l.keepAlive++
	return
}

// startLocked freezes the configuration, if not yet done, and starts the stream goroutine.
// It must be called with l.mu locked.
func (l *Loader) startLocked() error {
	if l.pipeline == nil {
		p, err := newPipeline(l)
		if err != nil {
			return err
		}
		l.pipeline = p
	}
	s := &stream{
		buffer: newDoubleBuffer(),
		done:   xsync.NewLatch(),
	}
	l.stream = s
	l.state = StatePriming
	klog.V(1).Infof("prefetch.Loader %q: stream started", l.name)
	go l.pipeline.run(s)
	return nil
}

// stopStream stops the stream goroutine, if one is running, and waits for it to finish.
// Batches prepared but not yielded are finalized.
func (l *Loader) stopStream() {
	l.mu.Lock()
	s := l.stream
	l.stream = nil
	l.mu.Unlock()
	if s == nil {
		return
	}
	s.buffer.close()
	s.done.Wait()
	klog.V(1).Infof("prefetch.Loader %q: stream stopped", l.name)
}

// Reset implements train.Dataset. It stops the stream goroutine, discards the prepared batches
// and resets the upstream dataset. The stream restarts with the next Yield.
func (l *Loader) Reset() {
	l.stopStream()
	l.source.Reset()
	l.mu.Lock()
	if !l.finished {
		l.state = StateStart
	}
	l.mu.Unlock()

	// This no-op prevents `l` from being garbage collected in the middle of the Reset operation.
	l.keepAlive++
}

// Done stops the stream goroutine, finalizes the prepared batches not yet yielded and releases
// the computation graphs. If the upstream dataset has a Done method (like loader.BatchLoader),
// it is called as well. The Loader can't be used afterward.
func (l *Loader) Done() {
	l.stopStream()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.finished = true
	l.state = StateDone
	if l.pipeline != nil {
		l.pipeline.finalize()
		l.pipeline = nil
	}
	if doner, ok := l.source.(interface{ Done() }); ok {
		doner.Done()
	}
}

// stream is the state of one pass of the stream goroutine.
type stream struct {
	buffer    *doubleBuffer
	done      *xsync.Latch
	exhausted atomic.Bool // Upstream returned io.EOF (or an error).
}

// pipeline prepares the batches on the backend. It doesn't point back to the Loader, so it can be
// garbage collected while the goroutine runs.
type pipeline struct {
	backend     backends.Backend
	source      train.Dataset
	name        string
	numChannels int
	dtype       dtypes.DType
	mean, std   []float64
	erasing     *erasing.RandomErasing

	exec     *Exec
	rngState *tensors.Tensor // Only used by the stream goroutine.
}

func newPipeline(l *Loader) (*pipeline, error) {
	if l.halfPrecision && !SupportsHalfPrecision(l.backend) {
		return nil, errors.Wrapf(ErrHalfPrecisionUnsupported, "prefetch.Loader %q: half precision requested on backend %s",
			l.name, l.backend.Name())
	}
	if len(l.mean) == 0 || len(l.mean) != len(l.std) {
		return nil, errors.Errorf("prefetch.Loader %q: mean (%d values) and std (%d values) must have one value per channel",
			l.name, len(l.mean), len(l.std))
	}
	for ii, std := range l.std {
		if std <= 0 {
			return nil, errors.Errorf("prefetch.Loader %q: std must be positive, got std[%d]=%g", l.name, ii, std)
		}
	}
	p := &pipeline{
		backend:     l.backend,
		source:      l.source,
		name:        l.name,
		numChannels: len(l.mean),
		dtype:       dtypes.Float32,
		erasing:     l.erasing,
	}
	if l.halfPrecision {
		p.dtype = dtypes.Float16
	}
	p.mean = make([]float64, len(l.mean))
	p.std = make([]float64, len(l.std))
	for ii := range l.mean {
		p.mean[ii] = l.mean[ii] * MaxPixelValue
		p.std[ii] = l.std[ii] * MaxPixelValue
	}
	var err error
	p.exec, err = NewExec(p.backend, p.prepareGraph)
	if err != nil {
		return nil, errors.WithMessagef(err, "prefetch.Loader %q: creating the preparation computation", l.name)
	}
	if p.erasing != nil {
		p.rngState, err = p.erasing.NewRNGState()
		if err != nil {
			p.exec.Finalize()
			return nil, errors.WithMessagef(err, "prefetch.Loader %q: creating the random erasing state", l.name)
		}
	}
	return p, nil
}

func (p *pipeline) finalize() {
	if p.exec != nil {
		p.exec.Finalize()
		p.exec = nil
	}
	if p.rngState != nil {
		p.rngState.FinalizeAll()
		p.rngState = nil
	}
}

// prepareGraph converts, normalizes and optionally erases the pixels.
// Its inputs are the pixels, and if erasing is configured, the boxes and the rngState.
// Its outputs are the prepared pixels, and if erasing is configured, the updated rngState.
func (p *pipeline) prepareGraph(inputs []*Node) []*Node {
	pixels := inputs[0]
	g := pixels.Graph()
	x := ConvertDType(pixels, p.dtype)
	mean := Reshape(ConstAsDType(g, p.dtype, p.mean), 1, p.numChannels, 1, 1)
	std := Reshape(ConstAsDType(g, p.dtype, p.std), 1, p.numChannels, 1, 1)
	x = Div(Sub(x, mean), std)
	if p.erasing == nil {
		return []*Node{x}
	}
	if len(inputs) != 3 {
		exceptions.Panicf("prefetch computation with erasing requires pixels, boxes and rngState, got %d inputs", len(inputs))
	}
	var newRngState *Node
	x, newRngState = p.erasing.Apply(x, inputs[1], inputs[2])
	return []*Node{x, newRngState}
}

// run is the stream goroutine: it fills the double buffer until upstream is exhausted, an error
// occurs or the buffer is closed.
func (p *pipeline) run(s *stream) {
	defer s.done.Trigger()
	for {
		slot, ok := s.buffer.acquire()
		if !ok {
			return
		}
		start := time.Now()
		spec, inputs, labels, err := p.source.Yield()
		if err == nil {
			loaded := time.Now()
			inputs, labels, err = p.prepare(inputs, labels)
			if err == nil && klog.V(2).Enabled() {
				klog.Infof("prefetch.Loader %q: batch loaded in %s, prepared in %s",
					p.name, loaded.Sub(start), time.Since(loaded))
			}
		}
		if err != nil {
			s.exhausted.Store(true)
			if err == io.EOF {
				klog.V(1).Infof("prefetch.Loader %q: upstream exhausted", p.name)
			} else {
				klog.V(1).Infof("prefetch.Loader %q: stream stopped with error: %v", p.name, err)
			}
			s.buffer.publish(slot, preparedBatch{err: err})
			return
		}
		if !s.buffer.publish(slot, preparedBatch{spec: spec, inputs: inputs, labels: labels}) {
			return
		}
	}
}

// prepare validates the upstream batch and prepares it on the backend. The upstream tensors
// ownership is transferred to the pipeline.
func (p *pipeline) prepare(inputs, labels []*tensors.Tensor) (preparedInputs, preparedLabels []*tensors.Tensor, err error) {
	if len(inputs) != 1 || len(labels) != 1 {
		return nil, nil, errors.Errorf("prefetch.Loader %q: upstream must yield one input (pixels) and one label tensor, got %d inputs and %d labels",
			p.name, len(inputs), len(labels))
	}
	pixels, batchLabels := inputs[0], labels[0]
	if err = p.validate(pixels, batchLabels); err != nil {
		return nil, nil, err
	}

	// Stage 1: labels go to the device as they are, pixels are transferred as inputs of the computation.
	if err = batchLabels.MaterializeOnDevice(p.backend, false, backends.DeviceNum(0)); err != nil {
		return nil, nil, errors.WithMessagef(err, "prefetch.Loader %q: transferring labels to device", p.name)
	}
	batchLabels.FinalizeLocal()

	// Stages 2 to 4.
	args := []any{pixels}
	var boxes *tensors.Tensor
	if p.erasing != nil {
		dims := pixels.Shape().Dimensions
		boxes = p.erasing.SampleBoxes(dims[0], dims[2], dims[3])
		args = append(args, boxes, p.rngState)
	}
	var outputs []*tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() { outputs, execErr = p.exec.Exec(args...) })
	if err == nil {
		err = execErr
	}
	if boxes != nil {
		boxes.FinalizeAll()
	}
	if err != nil {
		batchLabels.FinalizeAll()
		return nil, nil, errors.WithMessagef(err, "prefetch.Loader %q: preparing batch shaped %s", p.name, pixels.Shape())
	}
	// Exec only returns once the computation finished, so the slot is published only with a
	// completely prepared batch.
	if p.erasing != nil {
		p.rngState.FinalizeAll()
		p.rngState = outputs[1]
	}
	pixels.FinalizeAll()
	return outputs[:1], []*tensors.Tensor{batchLabels}, nil
}

func (p *pipeline) validate(pixels, labels *tensors.Tensor) error {
	if pixels.DType() != dtypes.Uint8 || pixels.Rank() != 4 {
		return errors.Errorf("prefetch.Loader %q: pixels must be uint8 shaped [B, C, H, W], got %s", p.name, pixels.Shape())
	}
	dims := pixels.Shape().Dimensions
	if dims[1] != p.numChannels {
		return errors.Errorf("prefetch.Loader %q: pixels shaped %s have %d channels, but mean/std have %d values",
			p.name, pixels.Shape(), dims[1], p.numChannels)
	}
	if !labels.DType().IsInt() || labels.Rank() != 1 || labels.Shape().Dimensions[0] != dims[0] {
		return errors.Errorf("prefetch.Loader %q: labels must be integers shaped [%d], got %s", p.name, dims[0], labels.Shape())
	}
	return nil
}
