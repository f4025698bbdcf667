// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms converts decoded images to raw channels-first uint8 samples, with the
// resizing, cropping and flipping used for training and evaluation of image classifiers.
//
// The output is a collate.Image shaped [C, H, W], ready to be collated with collate.FastCollate.
// Conversion to float and normalization are left to the device (see package prefetch).
package transforms

import (
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/pkg/errors"
)

// Transform converts a decoded image to a raw sample.
//
// Implementations must be safe for concurrent use, since samples are loaded in parallel.
type Transform interface {
	Transform(img image.Image) (collate.Image, error)
}

// DefaultCropPct is the fraction of the resized image kept by the evaluation center crop.
const DefaultCropPct = 0.875

var (
	// DefaultScale is the range of the area fraction of the image cropped by the training transform.
	DefaultScale = [2]float64{0.08, 1.0}

	// DefaultRatio is the range of aspect ratios (width/height) of the training crops.
	DefaultRatio = [2]float64{3.0 / 4.0, 4.0 / 3.0}
)

// CropAttempts is the number of random crops tried by the training transform before falling back
// to a center crop.
const CropAttempts = 10

// Config of the transforms.
type Config struct {
	// Channels of the output: 3 for RGB, 1 for grayscale.
	Channels int

	// Height and Width of the output.
	Height, Width int

	// CropPct used by the evaluation transform: the image is resized so the crop of the output
	// size keeps this fraction of it.
	CropPct float64

	// Scale and Ratio ranges of the training random resized crop.
	Scale, Ratio [2]float64

	// FlipProb is the probability of a horizontal flip by the training transform.
	FlipProb float64

	// Seed of the random source of the training transform. If 0, a time-based seed is used.
	Seed int64
}

// DefaultConfig returns the configuration for RGB outputs of the given size, with DefaultCropPct,
// DefaultScale, DefaultRatio and a flip probability of 0.5.
func DefaultConfig(height, width int) Config {
	return Config{
		Channels: 3,
		Height:   height,
		Width:    width,
		CropPct:  DefaultCropPct,
		Scale:    DefaultScale,
		Ratio:    DefaultRatio,
		FlipProb: 0.5,
	}
}

func (cfg Config) validate() error {
	if cfg.Channels != 1 && cfg.Channels != 3 {
		return errors.Errorf("transforms support 1 or 3 channels, got %d", cfg.Channels)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return errors.Errorf("transforms require a positive output size, got %dx%d", cfg.Height, cfg.Width)
	}
	return nil
}

// Eval is the evaluation transform: it resizes the image so its shorter side is `size / CropPct`,
// and takes the center crop of the output size.
type Eval struct {
	cfg Config
}

var _ Transform = (*Eval)(nil)

// NewEval creates the evaluation transform.
func NewEval(cfg Config) (*Eval, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.CropPct <= 0 || cfg.CropPct > 1 {
		return nil, errors.Errorf("CropPct must be in (0, 1], got %g", cfg.CropPct)
	}
	return &Eval{cfg: cfg}, nil
}

// Transform implements Transform.
func (e *Eval) Transform(img image.Image) (collate.Image, error) {
	size := img.Bounds().Size()
	if size.X <= 0 || size.Y <= 0 {
		return collate.Image{}, errors.Errorf("cannot transform empty image of size %v", size)
	}
	var resized *image.NRGBA
	if e.cfg.Height == e.cfg.Width {
		scaleSize := int(math.Floor(float64(e.cfg.Height) / e.cfg.CropPct))
		if size.X <= size.Y {
			resized = imaging.Resize(img, scaleSize, 0, imaging.Lanczos)
		} else {
			resized = imaging.Resize(img, 0, scaleSize, imaging.Lanczos)
		}
	} else {
		resized = imaging.Resize(img,
			int(math.Floor(float64(e.cfg.Width)/e.cfg.CropPct)),
			int(math.Floor(float64(e.cfg.Height)/e.cfg.CropPct)),
			imaging.Lanczos)
	}
	return ToCHW(imaging.CropCenter(resized, e.cfg.Width, e.cfg.Height), e.cfg.Channels), nil
}

// Train is the training transform: a random resized crop followed by a random horizontal flip.
type Train struct {
	cfg                      Config
	logMinRatio, logMaxRatio float64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Transform = (*Train)(nil)

// NewTrain creates the training transform.
func NewTrain(cfg Config) (*Train, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Scale[0] <= 0 || cfg.Scale[0] > cfg.Scale[1] || cfg.Scale[1] > 1 {
		return nil, errors.Errorf("Scale must satisfy 0 < min <= max <= 1, got %v", cfg.Scale)
	}
	if cfg.Ratio[0] <= 0 || cfg.Ratio[0] > cfg.Ratio[1] {
		return nil, errors.Errorf("Ratio must satisfy 0 < min <= max, got %v", cfg.Ratio)
	}
	if cfg.FlipProb < 0 || cfg.FlipProb > 1 {
		return nil, errors.Errorf("FlipProb must be in [0, 1], got %g", cfg.FlipProb)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Train{
		cfg:         cfg,
		logMinRatio: math.Log(cfg.Ratio[0]),
		logMaxRatio: math.Log(cfg.Ratio[1]),
		rng:         rand.New(rand.NewSource(seed)),
	}, nil
}

// WithRand sets the random source. It returns itself, so calls can be cascaded.
func (tr *Train) WithRand(rng *rand.Rand) *Train {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.rng = rng
	return tr
}

// Transform implements Transform.
func (tr *Train) Transform(img image.Image) (collate.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return collate.Image{}, errors.Errorf("cannot transform empty image of size %v", bounds.Size())
	}
	rect, flip := tr.sample(bounds.Dx(), bounds.Dy())
	rect = rect.Add(bounds.Min)
	cropped := imaging.Resize(imaging.Crop(img, rect), tr.cfg.Width, tr.cfg.Height, imaging.Linear)
	if flip {
		cropped = imaging.FlipH(cropped)
	}
	return ToCHW(cropped, tr.cfg.Channels), nil
}

// sample the crop rectangle (relative to the image origin) and whether to flip.
func (tr *Train) sample(width, height int) (rect image.Rectangle, flip bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	rect = tr.randomResizedCropLocked(width, height)
	flip = tr.rng.Float64() < tr.cfg.FlipProb
	return
}

// randomResizedCropLocked must be called with tr.mu locked.
func (tr *Train) randomResizedCropLocked(width, height int) image.Rectangle {
	area := float64(width * height)
	for range CropAttempts {
		targetArea := area * (tr.cfg.Scale[0] + tr.rng.Float64()*(tr.cfg.Scale[1]-tr.cfg.Scale[0]))
		aspect := math.Exp(tr.logMinRatio + tr.rng.Float64()*(tr.logMaxRatio-tr.logMinRatio))
		w := int(math.Round(math.Sqrt(targetArea * aspect)))
		h := int(math.Round(math.Sqrt(targetArea / aspect)))
		if w > 0 && w <= width && h > 0 && h <= height {
			top := tr.rng.Intn(height - h + 1)
			left := tr.rng.Intn(width - w + 1)
			return image.Rect(left, top, left+w, top+h)
		}
	}

	// Fallback to a center crop, with the aspect ratio clamped to the Ratio range.
	w, h := width, height
	inRatio := float64(width) / float64(height)
	if inRatio < tr.cfg.Ratio[0] {
		h = int(math.Round(float64(w) / tr.cfg.Ratio[0]))
	} else if inRatio > tr.cfg.Ratio[1] {
		w = int(math.Round(float64(h) * tr.cfg.Ratio[1]))
	}
	w, h = max(1, min(w, width)), max(1, min(h, height))
	top := (height - h) / 2
	left := (width - w) / 2
	return image.Rect(left, top, left+w, top+h)
}

// ToCHW converts an image to a channels-first uint8 sample, dropping the alpha channel.
// With channels == 1 it converts to grayscale (ITU-R 601 luma), otherwise it returns RGB.
func ToCHW(img *image.NRGBA, channels int) collate.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	planeSize := width * height
	sample := collate.Image{
		Dimensions: []int{channels, height, width},
		Data:       make([]byte, channels*planeSize),
	}
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := range width {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			pos := y*width + x
			if channels == 1 {
				sample.Data[pos] = uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
				continue
			}
			sample.Data[pos] = r
			sample.Data[planeSize+pos] = g
			sample.Data[2*planeSize+pos] = b
		}
	}
	return sample
}
