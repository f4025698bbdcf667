// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loader

import (
	"io"
	"sync"
	"testing"

	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/gomlx/feeder/pkg/ml/erasing"
	"github.com/gomlx/feeder/pkg/ml/prefetch"
	"github.com/gomlx/feeder/pkg/ml/sampler"
	"github.com/gomlx/feeder/pkg/ml/transforms"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

var errBadSample = errors.New("bad sample")

// memDataset has samples [3, 4, 4] filled with their index.
type memDataset struct {
	labels  []int
	failAt  int // Index that fails with errBadSample, or -1.
	muTrans sync.Mutex
	trans   transforms.Transform
}

func newMemDataset(labels ...int) *memDataset {
	return &memDataset{labels: labels, failAt: -1}
}

func (ds *memDataset) Len() int      { return len(ds.labels) }
func (ds *memDataset) Labels() []int { return ds.labels }

func (ds *memDataset) Item(index int) (collate.Item, error) {
	if index == ds.failAt {
		return collate.Item{}, errBadSample
	}
	img := collate.Image{Dimensions: []int{3, 4, 4}, Data: make([]byte, 3*4*4)}
	for ii := range img.Data {
		img.Data[ii] = byte(index)
	}
	return collate.Item{Sample: img, Label: ds.labels[index]}, nil
}

func (ds *memDataset) SetTransform(transform transforms.Transform) {
	ds.muTrans.Lock()
	defer ds.muTrans.Unlock()
	ds.trans = transform
}

// sampleIndices returns the index of each sample of a batch yielded by a BatchLoader over memDataset.
func sampleIndices(t *testing.T, pixels *tensors.Tensor) []int {
	require.Equal(t, dtypes.Uint8, pixels.DType())
	flat := tensors.MustCopyFlatData[uint8](pixels)
	batchSize := pixels.Shape().Dimensions[0]
	sampleSize := len(flat) / batchSize
	indices := make([]int, batchSize)
	for ii := range indices {
		indices[ii] = int(flat[ii*sampleSize])
	}
	return indices
}

func TestBatchLoader(t *testing.T) {
	for _, numWorkers := range []int{0, 4} {
		ds := newMemDataset(0, 1, 2, 0, 1, 2, 0, 1, 2, 0)
		s, err := sampler.NewSequential(ds.Len(), 4, false, false)
		require.NoError(t, err)
		bl := NewBatchLoader(ds, s, numWorkers).WithName("mem", "m").ReadAhead(1)
		assert.Equal(t, "mem", bl.Name())
		assert.Equal(t, "m", bl.ShortName())
		assert.Equal(t, 3, bl.Len())
		assert.Equal(t, s, bl.Sampler())
		assert.Equal(t, ds, bl.Dataset())

		for pass := range 2 {
			want := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}
			for _, wantIndices := range want {
				_, inputs, labels, err := bl.Yield()
				require.NoError(t, err, "numWorkers=%d, pass %d", numWorkers, pass)
				require.Len(t, inputs, 1)
				require.Len(t, labels, 1)
				assert.Equal(t, []int{len(wantIndices), 3, 4, 4}, inputs[0].Shape().Dimensions)
				assert.Equal(t, wantIndices, sampleIndices(t, inputs[0]))
				wantLabels := make([]int64, len(wantIndices))
				for ii, idx := range wantIndices {
					wantLabels[ii] = int64(ds.labels[idx])
				}
				assert.Equal(t, wantLabels, tensors.MustCopyFlatData[int64](labels[0]))
			}
			_, _, _, err := bl.Yield()
			require.ErrorIs(t, err, io.EOF)
			_, _, _, err = bl.Yield()
			require.ErrorIs(t, err, io.EOF)
			bl.Reset()
		}

		// Reset in the middle of a pass restarts it.
		_, _, _, err = bl.Yield()
		require.NoError(t, err)
		bl.Reset()
		_, inputs, _, err := bl.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, sampleIndices(t, inputs[0]))

		bl.Done()
		_, _, _, err = bl.Yield()
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	}
}

func TestBatchLoaderErrors(t *testing.T) {
	ds := newMemDataset(0, 1, 0, 1, 0, 1)
	ds.failAt = 3
	s, err := sampler.NewSequential(ds.Len(), 2, false, false)
	require.NoError(t, err)
	bl := NewBatchLoader(ds, s, 2)
	defer bl.Done()
	_, _, _, err = bl.Yield()
	require.NoError(t, err)
	_, _, _, err = bl.Yield()
	require.ErrorIs(t, err, errBadSample)
	assert.Contains(t, err.Error(), "sample #3")
	_, _, _, err = bl.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Recovers after Reset.
	ds.failAt = -1
	bl.Reset()
	count := 0
	for {
		_, _, _, err = bl.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)

	// Collator errors.
	collateErr := errors.New("collate failure")
	bl2 := NewBatchLoader(ds, s, 0).WithCollator(collate.Func(func([]collate.Item) (*tensors.Tensor, *tensors.Tensor, error) {
		return nil, nil, collateErr
	}))
	defer bl2.Done()
	bl2.Reset()
	_, _, _, err = bl2.Yield()
	require.ErrorIs(t, err, collateErr)
}

// mixingCollator is a collator that implements prefetch.MixingSource.
type mixingCollator struct {
	collate.Func
	enabled bool
}

func (c *mixingCollator) MixingEnabled() bool           { return c.enabled }
func (c *mixingCollator) SetMixingEnabled(enabled bool) { c.enabled = enabled }

func TestBatchLoaderMixing(t *testing.T) {
	ds := newMemDataset(0, 1)
	s, err := sampler.NewSequential(ds.Len(), 2, false, false)
	require.NoError(t, err)

	bl := NewBatchLoader(ds, s, 0)
	defer bl.Done()
	bl.SetMixingEnabled(true)
	assert.False(t, bl.MixingEnabled())

	collator := &mixingCollator{Func: collate.FastCollate}
	bl = NewBatchLoader(ds, s, 0).WithCollator(collator)
	defer bl.Done()
	assert.False(t, bl.MixingEnabled())
	bl.SetMixingEnabled(true)
	assert.True(t, bl.MixingEnabled())
	assert.True(t, collator.enabled)

	// Forwarded through the prefetcher.
	l := prefetch.New(testBackend(t), bl)
	defer l.Done()
	l.SetMixingEnabled(false)
	assert.False(t, collator.enabled)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	for name, modify := range map[string]func(cfg *Config){
		"batch size":  func(cfg *Config) { cfg.BatchSize = 0 },
		"input size":  func(cfg *Config) { cfg.InputSize[2] = 0 },
		"mean length": func(cfg *Config) { cfg.Mean = cfg.Mean[:2] },
		"std value":   func(cfg *Config) { cfg.Std[1] = 0 },
		"re prob":     func(cfg *Config) { cfg.REProb = 1.5 },
		"re count":    func(cfg *Config) { cfg.RECount = 0 },
		"crop pct":    func(cfg *Config) { cfg.CropPct = 0 },
	} {
		cfg := DefaultConfig()
		modify(&cfg)
		require.Error(t, cfg.Validate(), "invalid %s should fail validation", name)
	}

	// Without the prefetcher mean and std are not used.
	cfg = DefaultConfig()
	cfg.UsePrefetcher = false
	cfg.Mean = nil
	require.NoError(t, cfg.Validate())
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	DefaultConfig().SetContextDefaults(ctx)
	_, err = commandline.ParseContextSettings(ctx,
		"batch_size=16;image_size=64;re_prob=0.25;re_mode=pixel;re_count=2;fp16=true;"+
			"num_workers=3;batch_shuffle=false;mean=0.5,0.5,0.5;seed=7")
	require.NoError(t, err)
	cfg, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, [3]int{3, 64, 64}, cfg.InputSize)
	assert.Equal(t, 0.25, cfg.REProb)
	assert.Equal(t, erasing.ModePixel, cfg.REMode)
	assert.Equal(t, 2, cfg.RECount)
	assert.True(t, cfg.HalfPrecision)
	assert.Equal(t, 3, cfg.NumWorkers)
	assert.False(t, cfg.BatchShuffle)
	assert.True(t, cfg.Balanced)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, cfg.Mean)
	assert.Equal(t, prefetch.DefaultStd, cfg.Std)
	assert.Equal(t, int64(7), cfg.Seed)

	ctx.SetParam(ParamREMode, "circles")
	_, err = FromContext(ctx)
	require.Error(t, err)
}

func TestCreate(t *testing.T) {
	backend := testBackend(t)
	cfg := DefaultConfig()
	cfg.InputSize = [3]int{3, 4, 4}
	cfg.BatchSize = 4
	cfg.NumWorkers = 2
	cfg.Seed = 3

	// Training: balanced batches, training transform, random erasing, normalized pixels on device.
	ds := newMemDataset(0, 0, 0, 0, 0, 0, 1, 1, 1)
	trainCfg := cfg
	trainCfg.Training = true
	trainCfg.REProb = 1
	l, err := Create(backend, ds, trainCfg)
	require.NoError(t, err)
	defer l.Done()
	assert.Equal(t, "train", l.Name())
	assert.IsType(t, &prefetch.Loader{}, l)
	assert.IsType(t, &transforms.Train{}, ds.trans)
	assert.IsType(t, &sampler.Balanced{}, l.Sampler())
	assert.Equal(t, 2, l.Len())
	for range 2 {
		_, inputs, labels, err := l.Yield()
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float32, inputs[0].DType())
		assert.Equal(t, []int{4, 3, 4, 4}, inputs[0].Shape().Dimensions)
		counts := make(map[int64]int)
		for _, label := range tensors.MustCopyFlatData[int64](labels[0]) {
			counts[label]++
		}
		assert.Equal(t, map[int64]int{0: 2, 1: 2}, counts)
	}
	_, _, _, err = l.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Evaluation: sequential, last partial batch kept, eval transform.
	ds = newMemDataset(0, 0, 0, 0, 0, 0, 1, 1, 1)
	evalCfg := cfg
	evalCfg.HalfPrecision = prefetch.SupportsHalfPrecision(backend)
	wantDType := dtypes.Float32
	if evalCfg.HalfPrecision {
		wantDType = dtypes.Float16
	}
	l, err = Create(backend, ds, evalCfg)
	require.NoError(t, err)
	defer l.Done()
	assert.Equal(t, "eval", l.Name())
	assert.IsType(t, &transforms.Eval{}, ds.trans)
	assert.IsType(t, &sampler.Sequential{}, l.Sampler())
	assert.Equal(t, 3, l.Len())
	var allLabels []int64
	for {
		_, inputs, labels, err := l.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, wantDType, inputs[0].DType())
		allLabels = append(allLabels, tensors.MustCopyFlatData[int64](labels[0])...)
	}
	assert.Equal(t, []int64{0, 0, 0, 0, 0, 0, 1, 1, 1}, allLabels)

	// Without the prefetcher: raw uint8 batches.
	rawCfg := cfg
	rawCfg.UsePrefetcher = false
	rawCfg.Name = "raw"
	l, err = Create(backend, newMemDataset(0, 1), rawCfg)
	require.NoError(t, err)
	defer l.Done()
	assert.IsType(t, &BatchLoader{}, l)
	assert.Equal(t, "raw", l.Name())
	_, inputs, _, err := l.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sampleIndices(t, inputs[0]))

	// Invalid configuration.
	badCfg := cfg
	badCfg.BatchSize = -1
	_, err = Create(backend, newMemDataset(0, 1), badCfg)
	require.Error(t, err)
}

func TestCreateHalfPrecision(t *testing.T) {
	backend := testBackend(t)
	cfg := DefaultConfig()
	cfg.InputSize = [3]int{3, 4, 4}
	cfg.BatchSize = 2
	cfg.HalfPrecision = true
	ds := newMemDataset(0, 1, 0, 1)
	l, err := Create(backend, ds, cfg)
	if !prefetch.SupportsHalfPrecision(backend) {
		// Reported by Create, before anything is set up.
		require.ErrorIs(t, err, prefetch.ErrHalfPrecisionUnsupported)
		assert.Nil(t, ds.trans)

		// Raw batches don't need float16 support.
		cfg.UsePrefetcher = false
		l, err = Create(backend, ds, cfg)
		require.NoError(t, err)
		l.Done()
		return
	}
	require.NoError(t, err)
	defer l.Done()
	_, inputs, _, err := l.Yield()
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float16, inputs[0].DType())
}

func TestCreateErasingCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Training = true
	cfg.REProb = 1
	cfg.RECount = 3
	cfg.Seed = 5
	re, err := cfg.newErasing()
	require.NoError(t, err)
	assert.Equal(t, 1, re.Config().MinCount)
	assert.Equal(t, 3, re.Config().MaxCount)

	// The number of rectangles per sample varies in [1, RECount].
	const batchSize = 200
	boxes := re.SampleBoxes(batchSize, 64, 64)
	flat := tensors.MustCopyFlatData[int32](boxes)
	seenCounts := make(map[int]int)
	for sampleIdx := range batchSize {
		count := 0
		for slot := range 3 {
			box := flat[(sampleIdx*3+slot)*erasing.BoxCoordinates:]
			if box[2] > 0 && box[3] > 0 {
				count++
			}
		}
		seenCounts[count]++
	}
	assert.Greater(t, seenCounts[1], 0, "counts seen: %v", seenCounts)
	assert.Greater(t, seenCounts[3], 0, "counts seen: %v", seenCounts)

	// Not training: no erasing.
	cfg.Training = false
	re, err = cfg.newErasing()
	require.NoError(t, err)
	assert.False(t, re.Enabled())
}
