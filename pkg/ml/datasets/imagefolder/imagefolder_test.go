// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/gomlx/feeder/pkg/ml/loader"
	"github.com/gomlx/feeder/pkg/ml/transforms"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// classColors of the synthetic dataset: every image of a class is filled with its color.
var classColors = map[string]color.NRGBA{
	"cat":  {R: 200, G: 10, B: 10, A: 255},
	"dog":  {R: 10, G: 200, B: 10, A: 255},
	"fish": {R: 10, G: 10, B: 200, A: 255},
}

// createImageFolder creates a dataset with the given number of images per class.
func createImageFolder(t *testing.T, counts map[string]int) string {
	root := t.TempDir()
	for class, count := range counts {
		classDir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		for ii := range count {
			// Alternate formats and sizes.
			name := filepath.Join(classDir, fmt.Sprintf("img%02d.%s", ii, []string{"png", "jpg", "bmp"}[ii%3]))
			img := imaging.New(20+ii, 16, classColors[class])
			require.NoError(t, imaging.Save(img, name))
		}
	}
	return root
}

func TestNew(t *testing.T) {
	root := createImageFolder(t, map[string]int{"dog": 2, "cat": 3})
	// Files and directories that are not images, or hidden, are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "README.txt"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", ".hidden.png"), []byte("not an image"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "labels.csv"), []byte("cat,dog"), 0o644))

	ds, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, root, ds.Root())
	assert.Equal(t, []string{"cat", "dog"}, ds.Classes())
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, []int{0, 0, 0, 1, 1}, ds.Labels())
	assert.Equal(t, filepath.Join(root, "cat", "img00.png"), ds.Path(0))
	assert.Equal(t, filepath.Join(root, "dog", "img01.jpg"), ds.Path(4))
	assert.IsType(t, &transforms.Eval{}, ds.Transform())

	// Default transform.
	item, err := ds.Item(0)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Label)
	img, ok := item.Sample.(collate.Image)
	require.True(t, ok)
	assert.Equal(t, []int{3, DefaultImageSize, DefaultImageSize}, img.Dimensions)

	// Custom transform, check colors.
	cfg := transforms.DefaultConfig(8, 8)
	cfg.CropPct = 1
	eval, err := transforms.NewEval(cfg)
	require.NoError(t, err)
	ds.SetTransform(eval)
	for index := range ds.Len() {
		item, err := ds.Item(index)
		require.NoError(t, err)
		img := item.Sample.(collate.Image)
		require.Equal(t, []int{3, 8, 8}, img.Dimensions)
		want := classColors[ds.Classes()[item.Label]]
		planeSize := 8 * 8
		for channel, value := range []uint8{want.R, want.G, want.B} {
			// JPEG is lossy.
			assert.InDelta(t, int(value), int(img.Data[channel*planeSize+planeSize/2]), 12,
				"image %q, channel %d", ds.Path(index), channel)
		}
	}

	_, err = ds.Item(5)
	require.Error(t, err)
	_, err = ds.Item(-1)
	require.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	// No class directories.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.png"), []byte("x"), 0o644))
	_, err = New(root)
	require.Error(t, err)

	// Class directories without images.
	root = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	_, err = New(root)
	require.Error(t, err)

	// Corrupted image: error reported by Item.
	root = createImageFolder(t, map[string]int{"cat": 1})
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "zz.png"), []byte("corrupted"), 0o644))
	ds, err := New(root)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	_, err = ds.Item(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zz.png")
}

func TestWithLoader(t *testing.T) {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	ds, err := New(createImageFolder(t, map[string]int{"cat": 5, "dog": 3, "fish": 2}))
	require.NoError(t, err)

	cfg := loader.DefaultConfig()
	cfg.InputSize = [3]int{3, 12, 12}
	cfg.BatchSize = 3
	cfg.Training = true
	cfg.REProb = 0.5
	cfg.NumWorkers = 4
	cfg.Seed = 11
	l, err := loader.Create(backend, ds, cfg)
	require.NoError(t, err)
	defer l.Done()
	assert.IsType(t, &transforms.Train{}, ds.Transform())
	assert.Equal(t, 3, l.Len())

	seen := make(map[int64]int)
	for range 2 {
		numBatches := 0
		for {
			_, inputs, labels, err := l.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			numBatches++
			assert.Equal(t, dtypes.Float32, inputs[0].DType())
			assert.Equal(t, []int{3, 3, 12, 12}, inputs[0].Shape().Dimensions)
			for _, label := range tensors.MustCopyFlatData[int64](labels[0]) {
				seen[label]++
			}
			inputs[0].FinalizeAll()
			labels[0].FinalizeAll()
		}
		assert.Equal(t, 3, numBatches)
		l.Reset()
	}
	// Every batch of 3 has one sample of each class.
	assert.Equal(t, map[int64]int{0: 6, 1: 6, 2: 6}, seen)
}
