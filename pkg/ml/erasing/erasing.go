// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package erasing implements Random Erasing data augmentation for batches of images.
//
// See "Random Erasing Data Augmentation" by Zhong et al., https://arxiv.org/abs/1708.04896.
//
// Each sample of the batch, with probability Config.Probability, gets from Config.MinCount to
// Config.MaxCount rectangles of random area and aspect ratio replaced by zeros (ModeConst),
// by one random normal value per channel (ModeRand), or by per-pixel random normal noise (ModePixel).
// It is meant to be applied after normalization, where random normal values are in-distribution.
//
// The rectangles are sampled on the host (SampleBoxes), and the patches are replaced on the device
// by the graph function Apply, so the image data never leaves the accelerator.
package erasing

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode defines what the erased rectangles are filled with.
type Mode int

const (
	// ModeConst fills the rectangles with zeros.
	ModeConst Mode = iota

	// ModeRand fills each rectangle with one random normal value per channel.
	ModeRand

	// ModePixel fills each pixel of the rectangles with random normal values.
	ModePixel
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -values -text -output=gen_mode_enumer.go erasing.go

// MaxAttempts is the number of times a rectangle is drawn before giving up on it, if it doesn't
// fit the image.
const MaxAttempts = 10

// BoxCoordinates is the size of the last axis of the boxes tensor: top, left, height and width.
const BoxCoordinates = 4

// Config of RandomErasing. Zero values of MaxAspect and MaxCount take the defaults derived
// from MinAspect and MinCount.
type Config struct {
	// Probability that a sample is erased.
	Probability float64

	// MinArea and MaxArea of the erased region, as a fraction of the image area. When more than one
	// rectangle is drawn, the area is split among them.
	MinArea, MaxArea float64

	// MinAspect and MaxAspect ratio of the rectangles (height/width). The ratio is sampled uniformly
	// in log-space. If MaxAspect is 0, it is set to 1/MinAspect.
	MinAspect, MaxAspect float64

	// Mode of the fill values.
	Mode Mode

	// MinCount and MaxCount of rectangles per erased sample. If MaxCount is 0 it is set to MinCount.
	MinCount, MaxCount int

	// NumSplits, if > 1, splits the batch in NumSplits parts and leaves the first part untouched.
	// Used with augmentation splits, where the first part holds the clean samples.
	NumSplits int

	// Seed for the random number generators. If 0, a time-based seed is used.
	Seed int64
}

// DefaultConfig returns the default configuration: probability 0.5, area in [0.02, 1/3],
// aspect ratio in [0.3, 1/0.3], one rectangle per erased sample filled with zeros.
func DefaultConfig() Config {
	return Config{
		Probability: 0.5,
		MinArea:     0.02,
		MaxArea:     1.0 / 3.0,
		MinAspect:   0.3,
		Mode:        ModeConst,
		MinCount:    1,
	}
}

// RandomErasing holds a validated configuration and the random sources used to sample the rectangles.
//
// It is safe for concurrent use, but Apply must be used from only one graph at a time, since it is
// that graph that owns the random state passed to it.
type RandomErasing struct {
	cfg                        Config
	logMinAspect, logMaxAspect float64

	mu       sync.Mutex
	rng      *rand.Rand
	backend  backends.Backend
	exec     *Exec
	rngState *tensors.Tensor
}

// New validates the configuration and creates a RandomErasing.
func New(cfg Config) (*RandomErasing, error) {
	if cfg.MaxAspect == 0 && cfg.MinAspect > 0 {
		cfg.MaxAspect = 1.0 / cfg.MinAspect
	}
	if cfg.MaxCount == 0 {
		cfg.MaxCount = cfg.MinCount
	}
	switch {
	case cfg.Probability < 0 || cfg.Probability > 1:
		return nil, errors.Errorf("erasing probability must be in [0, 1], got %g", cfg.Probability)
	case cfg.MinArea <= 0 || cfg.MinArea > cfg.MaxArea || cfg.MaxArea > 1:
		return nil, errors.Errorf("erasing area must satisfy 0 < MinArea <= MaxArea <= 1, got [%g, %g]",
			cfg.MinArea, cfg.MaxArea)
	case cfg.MinAspect <= 0 || cfg.MinAspect > cfg.MaxAspect:
		return nil, errors.Errorf("erasing aspect ratio must satisfy 0 < MinAspect <= MaxAspect, got [%g, %g]",
			cfg.MinAspect, cfg.MaxAspect)
	case cfg.MinCount < 1 || cfg.MinCount > cfg.MaxCount:
		return nil, errors.Errorf("erasing count must satisfy 1 <= MinCount <= MaxCount, got [%d, %d]",
			cfg.MinCount, cfg.MaxCount)
	case cfg.NumSplits < 0:
		return nil, errors.Errorf("erasing NumSplits must be >= 0, got %d", cfg.NumSplits)
	case !cfg.Mode.IsAMode():
		return nil, errors.Errorf("invalid erasing mode %s", cfg.Mode)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomErasing{
		cfg:          cfg,
		logMinAspect: math.Log(cfg.MinAspect),
		logMaxAspect: math.Log(cfg.MaxAspect),
		rng:          rand.New(rand.NewSource(seed)),
	}, nil
}

// Config returns the configuration, with the defaults filled in.
func (re *RandomErasing) Config() Config {
	return re.cfg
}

// Enabled returns whether re erases anything: false if re is nil or its probability is 0.
func (re *RandomErasing) Enabled() bool {
	return re != nil && re.cfg.Probability > 0
}

// MaxCount returns the number of box slots per sample in the boxes tensor.
func (re *RandomErasing) MaxCount() int {
	return re.cfg.MaxCount
}

// SampleBoxes draws the rectangles to erase for a batch of images of the given height and width.
//
// It returns an int32 tensor shaped `[batchSize, MaxCount, 4]` with (top, left, height, width) for
// each rectangle. Unused slots (and rectangles that didn't fit in MaxAttempts) have height and width 0.
func (re *RandomErasing) SampleBoxes(batchSize, height, width int) *tensors.Tensor {
	re.mu.Lock()
	defer re.mu.Unlock()
	boxes := tensors.FromShape(shapes.Make(dtypes.Int32, batchSize, re.cfg.MaxCount, BoxCoordinates))
	batchStart := 0
	if re.cfg.NumSplits > 1 {
		batchStart = batchSize / re.cfg.NumSplits
	}
	tensors.MustMutableFlatData(boxes, func(flat []int32) {
		for sampleIdx := batchStart; sampleIdx < batchSize; sampleIdx++ {
			if re.rng.Float64() >= re.cfg.Probability {
				continue
			}
			sampleBoxes := flat[sampleIdx*re.cfg.MaxCount*BoxCoordinates : (sampleIdx+1)*re.cfg.MaxCount*BoxCoordinates]
			re.sampleRectangles(sampleBoxes, height, width)
		}
	})
	return boxes
}

// sampleRectangles fills the box slots of one sample. It must be called with re.mu locked.
func (re *RandomErasing) sampleRectangles(sampleBoxes []int32, height, width int) {
	count := re.cfg.MinCount
	if re.cfg.MaxCount > re.cfg.MinCount {
		count += re.rng.Intn(re.cfg.MaxCount - re.cfg.MinCount + 1)
	}
	area := float64(height * width)
	for boxIdx := range count {
		for range MaxAttempts {
			targetArea := (re.cfg.MinArea + re.rng.Float64()*(re.cfg.MaxArea-re.cfg.MinArea)) * area / float64(count)
			aspect := math.Exp(re.logMinAspect + re.rng.Float64()*(re.logMaxAspect-re.logMinAspect))
			h := int(math.Round(math.Sqrt(targetArea * aspect)))
			w := int(math.Round(math.Sqrt(targetArea / aspect)))
			if h <= 0 || w <= 0 || w >= width || h >= height {
				continue
			}
			top := re.rng.Intn(height - h + 1)
			left := re.rng.Intn(width - w + 1)
			box := sampleBoxes[boxIdx*BoxCoordinates : (boxIdx+1)*BoxCoordinates]
			box[0], box[1], box[2], box[3] = int32(top), int32(left), int32(h), int32(w)
			break
		}
	}
}

// NewRNGState returns a new device random number generator state, seeded from re's random source.
// It is used as the rngState input of Apply.
func (re *RandomErasing) NewRNGState() (*tensors.Tensor, error) {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.newRNGStateLocked()
}

func (re *RandomErasing) newRNGStateLocked() (*tensors.Tensor, error) {
	return RNGStateFromSeed(re.rng.Int63())
}

// Apply is a graph function that erases the rectangles given by boxes from the images x.
//
// x must be shaped `[B, C, H, W]` with a float dtype (any dtype for ModeConst), and boxes is the
// int32 `[B, MaxCount, 4]` output of SampleBoxes. rngState is the random state for the fill values
// (see NewRNGState): it's returned updated, or unchanged for ModeConst.
//
// The output has the same shape and dtype as x.
func (re *RandomErasing) Apply(x, boxes, rngState *Node) (erased, newRngState *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("erasing requires images shaped [B, C, H, W], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize := dims[0]
	numSlots := re.cfg.MaxCount
	if err := boxes.Shape().Check(dtypes.Int32, batchSize, numSlots, BoxCoordinates); err != nil {
		exceptions.Panicf("erasing boxes don't match images shaped %s: %v", x.Shape(), err)
	}
	if re.cfg.Mode != ModeConst && !x.DType().IsFloat() {
		exceptions.Panicf("erasing mode %s requires float images, got %s", re.cfg.Mode, x.DType())
	}
	g := x.Graph()
	coordsShape := shapes.Make(dtypes.Int32, dims...)
	rows := Iota(g, coordsShape, 2)
	cols := Iota(g, coordsShape, 3)
	erased = x
	newRngState = rngState
	for slot := range numSlots {
		coord := func(coordIdx int) *Node {
			c := Slice(boxes, AxisRange(), AxisElem(slot), AxisElem(coordIdx))
			return BroadcastToDims(Reshape(c, batchSize, 1, 1, 1), dims...)
		}
		top, left, height, width := coord(0), coord(1), coord(2), coord(3)
		inRows := And(GreaterOrEqual(rows, top), LessThan(rows, Add(top, height)))
		inCols := And(GreaterOrEqual(cols, left), LessThan(cols, Add(left, width)))
		mask := And(inRows, inCols)

		var fill *Node
		switch re.cfg.Mode {
		case ModeConst:
			fill = ZerosLike(erased)
		case ModeRand:
			var perChannel *Node
			newRngState, perChannel = RandomNormal(newRngState, shapes.Make(x.DType(), batchSize, dims[1], 1, 1))
			fill = BroadcastToDims(perChannel, dims...)
		case ModePixel:
			newRngState, fill = RandomNormal(newRngState, x.Shape())
		}
		erased = Where(mask, fill, erased)
	}
	return erased, newRngState
}

// Erase applies random erasing to the images x (shaped `[B, C, H, W]`) on the given backend.
//
// It is the standalone version of Apply, for callers outside of a graph: it samples the boxes,
// and executes the erasing graph, JIT-compiled once per input shape. It keeps its own device random
// state across calls. Using a different backend from the previous call recompiles the graph.
func (re *RandomErasing) Erase(backend backends.Backend, x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 4 {
		return nil, errors.Errorf("erasing requires images shaped [B, C, H, W], got %s", x.Shape())
	}
	if re.cfg.Mode != ModeConst && !x.DType().IsFloat() {
		return nil, errors.Errorf("erasing mode %s requires float images, got %s", re.cfg.Mode, x.DType())
	}
	dims := x.Shape().Dimensions
	boxes := re.SampleBoxes(dims[0], dims[2], dims[3])
	defer boxes.FinalizeAll()

	re.mu.Lock()
	defer re.mu.Unlock()
	if re.exec == nil || re.backend != backend {
		if re.exec != nil {
			re.exec.Finalize()
		}
		var err error
		re.exec, err = NewExec(backend, re.Apply)
		if err != nil {
			re.exec = nil
			return nil, errors.WithMessage(err, "creating random erasing computation")
		}
		re.backend = backend
		klog.V(1).Infof("RandomErasing: created computation on backend %s", backend.Name())
	}
	if re.rngState == nil {
		rngState, err := re.newRNGStateLocked()
		if err != nil {
			return nil, errors.WithMessage(err, "creating random erasing state")
		}
		re.rngState = rngState
	}
	erased, newRngState, err := re.exec.Exec2(x, boxes, re.rngState)
	if err != nil {
		return nil, errors.WithMessagef(err, "random erasing of images shaped %s", x.Shape())
	}
	re.rngState.FinalizeAll()
	re.rngState = newRngState
	return erased, nil
}

// Finalize releases the computation and the device random state used by Erase.
func (re *RandomErasing) Finalize() {
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.exec != nil {
		re.exec.Finalize()
		re.exec = nil
	}
	if re.rngState != nil {
		re.rngState.FinalizeAll()
		re.rngState = nil
	}
	re.backend = nil
}
