// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loader assembles the image batch supply of a training or evaluation loop.
//
// Create puts together, for a Dataset of images:
//
//   - The image transform: random resized crop and flip for training, resize and center crop
//     for evaluation (see package transforms).
//   - The batch sampler: class-balanced for training (see sampler.Balanced), sequential otherwise.
//   - A BatchLoader that loads the samples in parallel and collates them (see package collate).
//   - A prefetch.Loader that moves the batches to the device, normalizes them and applies random
//     erasing while the previous batch is consumed.
//
// The configuration can be read from the hyperparameters of a GoMLX context, see FromContext.
package loader

import (
	"math/rand"

	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/gomlx/feeder/pkg/ml/erasing"
	"github.com/gomlx/feeder/pkg/ml/prefetch"
	"github.com/gomlx/feeder/pkg/ml/sampler"
	"github.com/gomlx/feeder/pkg/ml/transforms"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset of labeled samples, accessed by index.
//
// Item is called concurrently from the workers of the BatchLoader.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// Labels returns the label of every sample, indexed like Item.
	Labels() []int

	// Item returns the sample at the given index, in [0, Len()).
	Item(index int) (collate.Item, error)
}

// HasTransform is implemented by datasets that accept an image transform. Create sets the
// train or eval transform on them.
type HasTransform interface {
	SetTransform(transform transforms.Transform)
}

// Loader is what Create returns: either a *prefetch.Loader or, if the prefetcher is disabled,
// a *BatchLoader.
type Loader interface {
	train.Dataset
	prefetch.HasLen
	prefetch.HasSampler
	prefetch.MixingSource

	// Done stops the goroutines and releases the batches not yet yielded.
	Done()
}

var (
	_ Loader = (*BatchLoader)(nil)
	_ Loader = (*prefetch.Loader)(nil)
)

// Create assembles the loader for ds, configured by cfg. See package documentation.
//
// Random erasing is only applied when training.
func Create(backend backends.Backend, ds Dataset, cfg Config) (Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "eval"
		if cfg.Training {
			name = "train"
		}
	}

	if cfg.UsePrefetcher && cfg.HalfPrecision && !prefetch.SupportsHalfPrecision(backend) {
		return nil, errors.Wrapf(prefetch.ErrHalfPrecisionUnsupported, "loader %q: %s=true on backend %s",
			name, ParamHalfPrecision, backend.Name())
	}

	if withTransform, ok := ds.(HasTransform); ok {
		transform, err := cfg.newTransform()
		if err != nil {
			return nil, errors.WithMessagef(err, "loader %q: creating image transform", name)
		}
		withTransform.SetTransform(transform)
	}

	s, err := cfg.newSampler(ds)
	if err != nil {
		return nil, errors.WithMessagef(err, "loader %q: creating batch sampler", name)
	}
	bl := NewBatchLoader(ds, s, cfg.NumWorkers).
		ReadAhead(cfg.ReadAhead).
		WithName(name)
	if !cfg.UsePrefetcher {
		return bl, nil
	}

	re, err := cfg.newErasing()
	if err != nil {
		return nil, errors.WithMessagef(err, "loader %q: creating random erasing", name)
	}
	klog.V(1).Infof("loader %q: %d samples, %d batches of %d, training=%v, random erasing=%v",
		name, ds.Len(), s.NumBatches(), cfg.BatchSize, cfg.Training, re.Enabled())
	return prefetch.New(backend, bl).
		WithName(name).
		MeanStd(cfg.Mean, cfg.Std).
		HalfPrecision(cfg.HalfPrecision).
		RandomErasing(re), nil
}

// newErasing creates the random erasing of the prefetcher: disabled unless training, and erasing
// between 1 and RECount rectangles per sample.
func (cfg Config) newErasing() (*erasing.RandomErasing, error) {
	reCfg := erasing.DefaultConfig()
	if cfg.Training {
		reCfg.Probability = cfg.REProb
	} else {
		reCfg.Probability = 0
	}
	reCfg.Mode = cfg.REMode
	reCfg.MinCount = 1
	reCfg.MaxCount = cfg.RECount
	reCfg.NumSplits = cfg.RENumSplits
	reCfg.Seed = cfg.Seed
	return erasing.New(reCfg)
}

func (cfg Config) newTransform() (transforms.Transform, error) {
	tCfg := transforms.DefaultConfig(cfg.InputSize[1], cfg.InputSize[2])
	tCfg.Channels = cfg.InputSize[0]
	tCfg.CropPct = cfg.CropPct
	tCfg.Seed = cfg.Seed
	if cfg.Training {
		return transforms.NewTrain(tCfg)
	}
	return transforms.NewEval(tCfg)
}

func (cfg Config) newSampler(ds Dataset) (sampler.BatchSampler, error) {
	if cfg.Training && cfg.Balanced {
		b, err := sampler.NewBalanced(cfg.BatchSize, ds.Labels())
		if err != nil {
			return nil, err
		}
		b.WithBatchShuffle(cfg.BatchShuffle)
		if cfg.Seed != 0 {
			b.WithRand(rand.New(rand.NewSource(cfg.Seed)))
		}
		return b, nil
	}
	seq, err := sampler.NewSequential(ds.Len(), cfg.BatchSize, cfg.Training, cfg.Training)
	if err != nil {
		return nil, err
	}
	if cfg.Seed != 0 {
		seq.WithRand(rand.New(rand.NewSource(cfg.Seed)))
	}
	return seq, nil
}
