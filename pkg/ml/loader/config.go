// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"slices"

	"github.com/gomlx/feeder/pkg/ml/erasing"
	"github.com/gomlx/feeder/pkg/ml/prefetch"
	"github.com/gomlx/feeder/pkg/ml/transforms"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameters read by FromContext, with the defaults given by DefaultConfig.
const (
	// ParamBatchSize is the number of samples per batch.
	ParamBatchSize = "batch_size"

	// ParamImageSize is the height and width of the (square) images fed to the model.
	ParamImageSize = "image_size"

	// ParamREProb is the probability of random erasing of a training sample. 0 disables it.
	ParamREProb = "re_prob"

	// ParamREMode is the random erasing fill: "const", "rand" or "pixel".
	ParamREMode = "re_mode"

	// ParamRECount is the maximum number of rectangles erased per sample: each erased sample gets
	// a number of rectangles drawn uniformly from [1, re_count].
	ParamRECount = "re_count"

	// ParamRENumSplits is the number of augmentation splits: the first split is not erased.
	ParamRENumSplits = "re_num_splits"

	// ParamHalfPrecision selects float16 pixels.
	ParamHalfPrecision = "fp16"

	// ParamNumWorkers is the number of samples loaded in parallel. 0 loads them inline, -1 uses all cores.
	ParamNumWorkers = "num_workers"

	// ParamCropPct is the fraction of the resized image kept by the evaluation center crop.
	ParamCropPct = "crop_pct"

	// ParamBalancedSampling enables class-balanced batches for training.
	ParamBalancedSampling = "balanced_sampling"

	// ParamBatchShuffle shuffles the order of the samples within each balanced batch.
	ParamBatchShuffle = "batch_shuffle"

	// ParamReadAhead is the number of collated batches queued ahead of the prefetcher.
	ParamReadAhead = "read_ahead"

	// ParamMean is the per-channel mean used for normalization, for pixel values in [0, 1].
	ParamMean = "mean"

	// ParamStd is the per-channel standard deviation used for normalization, for pixel values in [0, 1].
	ParamStd = "std"

	// ParamSeed for the random sources. 0 uses time-based seeds.
	ParamSeed = "seed"
)

// Config of Create.
type Config struct {
	// Name of the loader. Defaults to "train" or "eval".
	Name string

	// InputSize is the shape of each image: channels, height and width.
	InputSize [3]int

	BatchSize int

	// Training selects the training configuration: train transform, balanced (or shuffled) sampling,
	// dropping of the last partial batch and random erasing.
	Training bool

	// UsePrefetcher wraps the BatchLoader in a prefetch.Loader. Without it the loader yields raw
	// uint8 pixels on the host.
	UsePrefetcher bool

	// Balanced selects class-balanced batches when training.
	Balanced bool

	// BatchShuffle shuffles the samples within each balanced batch.
	BatchShuffle bool

	// Random erasing, only applied when training.
	REProb      float64
	REMode      erasing.Mode
	RECount     int
	RENumSplits int

	// Mean and Std per channel, for pixel values in [0, 1].
	Mean, Std []float64

	HalfPrecision bool
	NumWorkers    int
	CropPct       float64
	ReadAhead     int
	Seed          int64
}

// DefaultConfig returns the configuration for evaluation of 224x224 RGB images, in batches of 32,
// with the prefetcher and ImageNet normalization. Set Training to get the training configuration,
// balanced and without random erasing.
func DefaultConfig() Config {
	return Config{
		InputSize:     [3]int{3, 224, 224},
		BatchSize:     32,
		UsePrefetcher: true,
		Balanced:      true,
		BatchShuffle:  true,
		REMode:        erasing.ModeConst,
		RECount:       1,
		Mean:          slices.Clone(prefetch.DefaultMean),
		Std:           slices.Clone(prefetch.DefaultStd),
		NumWorkers:    -1,
		CropPct:       transforms.DefaultCropPct,
		ReadAhead:     DefaultReadAhead,
	}
}

// SetContextDefaults sets the hyperparameters read by FromContext in ctx, with the values of cfg,
// so they can be configured from the command line with commandline.ParseContextSettings.
func (cfg Config) SetContextDefaults(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamBatchSize:        cfg.BatchSize,
		ParamImageSize:        cfg.InputSize[1],
		ParamREProb:           cfg.REProb,
		ParamREMode:           cfg.REMode.String(),
		ParamRECount:          cfg.RECount,
		ParamRENumSplits:      cfg.RENumSplits,
		ParamHalfPrecision:    cfg.HalfPrecision,
		ParamNumWorkers:       cfg.NumWorkers,
		ParamCropPct:          cfg.CropPct,
		ParamBalancedSampling: cfg.Balanced,
		ParamBatchShuffle:     cfg.BatchShuffle,
		ParamReadAhead:        cfg.ReadAhead,
		ParamMean:             slices.Clone(cfg.Mean),
		ParamStd:              slices.Clone(cfg.Std),
		ParamSeed:             int(cfg.Seed),
	})
}

// FromContext returns DefaultConfig updated with the hyperparameters set in ctx.
// Training and UsePrefetcher are not hyperparameters: set them on the returned Config.
//
// It returns an error if the "re_mode" hyperparameter is not a valid erasing.Mode.
func FromContext(ctx *context.Context) (Config, error) {
	cfg := DefaultConfig()
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, cfg.BatchSize)
	imageSize := context.GetParamOr(ctx, ParamImageSize, cfg.InputSize[1])
	cfg.InputSize[1], cfg.InputSize[2] = imageSize, imageSize
	cfg.REProb = context.GetParamOr(ctx, ParamREProb, cfg.REProb)
	modeName := context.GetParamOr(ctx, ParamREMode, cfg.REMode.String())
	mode, err := erasing.ModeString(modeName)
	if err != nil {
		return cfg, errors.Wrapf(err, "invalid hyperparameter %s=%q, valid values are %q",
			ParamREMode, modeName, erasing.ModeStrings())
	}
	cfg.REMode = mode
	cfg.RECount = context.GetParamOr(ctx, ParamRECount, cfg.RECount)
	cfg.RENumSplits = context.GetParamOr(ctx, ParamRENumSplits, cfg.RENumSplits)
	cfg.HalfPrecision = context.GetParamOr(ctx, ParamHalfPrecision, cfg.HalfPrecision)
	cfg.NumWorkers = context.GetParamOr(ctx, ParamNumWorkers, cfg.NumWorkers)
	cfg.CropPct = context.GetParamOr(ctx, ParamCropPct, cfg.CropPct)
	cfg.Balanced = context.GetParamOr(ctx, ParamBalancedSampling, cfg.Balanced)
	cfg.BatchShuffle = context.GetParamOr(ctx, ParamBatchShuffle, cfg.BatchShuffle)
	cfg.ReadAhead = context.GetParamOr(ctx, ParamReadAhead, cfg.ReadAhead)
	cfg.Mean = slices.Clone(context.GetParamOr(ctx, ParamMean, cfg.Mean))
	cfg.Std = slices.Clone(context.GetParamOr(ctx, ParamStd, cfg.Std))
	cfg.Seed = int64(context.GetParamOr(ctx, ParamSeed, int(cfg.Seed)))
	return cfg, nil
}

// Validate returns an error describing the first invalid value of the configuration.
func (cfg Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return errors.Errorf("loader: batch size must be positive, got %d", cfg.BatchSize)
	}
	for _, dim := range cfg.InputSize {
		if dim <= 0 {
			return errors.Errorf("loader: input size must be positive, got %v", cfg.InputSize)
		}
	}
	if cfg.UsePrefetcher {
		if len(cfg.Mean) != cfg.InputSize[0] || len(cfg.Std) != cfg.InputSize[0] {
			return errors.Errorf("loader: mean (%d values) and std (%d values) must have one value per channel (%d)",
				len(cfg.Mean), len(cfg.Std), cfg.InputSize[0])
		}
		for ii, std := range cfg.Std {
			if std <= 0 {
				return errors.Errorf("loader: std must be positive, got std[%d]=%g", ii, std)
			}
		}
	}
	if cfg.REProb < 0 || cfg.REProb > 1 {
		return errors.Errorf("loader: random erasing probability must be in [0, 1], got %g", cfg.REProb)
	}
	if cfg.RECount < 1 {
		return errors.Errorf("loader: random erasing count must be >= 1, got %d", cfg.RECount)
	}
	if cfg.CropPct <= 0 || cfg.CropPct > 1 {
		return errors.Errorf("loader: crop pct must be in (0, 1], got %g", cfg.CropPct)
	}
	return nil
}
