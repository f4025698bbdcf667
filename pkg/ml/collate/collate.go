// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collate merges individually loaded samples into batch tensors.
//
// FastCollate is optimized for uint8 images and integer labels: it allocates the batch tensor once,
// and copies each sample straight into its row, without intermediate buffers. Conversion to floating
// point and normalization are left to the device (see package prefetch).
//
// A sample is one of three variants of the closed sum type Sample:
//
//   - Image: one raw uint8 array, typically shaped [C, H, W].
//   - Views: a K-tuple of Image, e.g. multiple crops/augmentations of the same image.
//   - TensorSample: an already materialized tensor, of any numeric dtype.
//
// All the samples of a batch must be of the same variant, and have the same shape (and arity, for
// Views). Otherwise, FastCollate returns an error wrapping ErrContract, and no batch is produced.
package collate

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ErrContract is wrapped by all errors caused by a malformed batch. Check for it with errors.Is.
var ErrContract = errors.New("collate contract violation")

// Kind enumerates the variants of Sample.
type Kind int

const (
	KindImage Kind = iota
	KindViews
	KindTensor
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "Image"
	case KindViews:
		return "Views"
	case KindTensor:
		return "TensorSample"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sample is the closed set of sample encodings accepted by FastCollate: Image, Views and TensorSample.
type Sample interface {
	// Kind of the sample.
	Kind() Kind

	// sealed prevents implementations outside this package.
	sealed()
}

// Image is a raw uint8 array with the given dimensions (usually [C, H, W]), stored in row-major order.
type Image struct {
	Dimensions []int
	Data       []byte
}

// Kind implements Sample.
func (Image) Kind() Kind { return KindImage }
func (Image) sealed()    {}

// Size returns the number of elements (bytes) in the image, given by its dimensions.
func (img Image) Size() int {
	size := 1
	for _, dim := range img.Dimensions {
		size *= dim
	}
	return size
}

// check that the data matches the dimensions.
func (img Image) check() error {
	for _, dim := range img.Dimensions {
		if dim <= 0 {
			return errors.Wrapf(ErrContract, "image has invalid dimensions %v", img.Dimensions)
		}
	}
	if len(img.Data) != img.Size() {
		return errors.Wrapf(ErrContract, "image with dimensions %v should have %d bytes, got %d",
			img.Dimensions, img.Size(), len(img.Data))
	}
	return nil
}

// Views is a tuple of K images of the same shape, for instance multiple augmented crops of the same
// image. When collated, view `j` of sample `i` goes to row `i + j*B`.
type Views []Image

// Kind implements Sample.
func (Views) Kind() Kind { return KindViews }
func (Views) sealed()    {}

// TensorSample is a sample already materialized as a tensor. Its values are converted element-wise
// to uint8 when collated.
type TensorSample struct {
	Tensor *tensors.Tensor
}

// Kind implements Sample.
func (TensorSample) Kind() Kind { return KindTensor }
func (TensorSample) sealed()    {}

// Item is a sample with its label.
type Item struct {
	Sample Sample
	Label  int
}

// Collator merges a slice of items into a pixels tensor and a labels tensor.
type Collator interface {
	Collate(items []Item) (pixels, labels *tensors.Tensor, err error)
}

// Func adapts a function to the Collator interface.
type Func func(items []Item) (pixels, labels *tensors.Tensor, err error)

// Collate implements Collator.
func (fn Func) Collate(items []Item) (pixels, labels *tensors.Tensor, err error) {
	return fn(items)
}

// Default is the Collator that uses FastCollate.
var Default Collator = Func(FastCollate)

// FastCollate merges the items into one uint8 pixels tensor and one int64 labels tensor.
//
// For B items of Image (or TensorSample) with dimensions `dims`, pixels is shaped `[B, dims...]` and
// labels `[B]`. For B items of Views with K images each, pixels is shaped `[B*K, dims...]` and
// labels `[B*K]`, with view `j` of item `i` in row `i + j*B`, labeled with item `i`'s label. So
// splitting pixels along the first axis in K parts (see Split) gives back the K views.
//
// The variant is selected once per batch, from the first item. It returns an error wrapping
// ErrContract if the items are empty, of mixed variants, shapes or arities.
func FastCollate(items []Item) (pixels, labels *tensors.Tensor, err error) {
	if len(items) == 0 {
		return nil, nil, errors.Wrap(ErrContract, "cannot collate an empty batch")
	}
	first := items[0].Sample
	if first == nil {
		return nil, nil, errors.Wrap(ErrContract, "item #0 has no sample")
	}
	switch first.Kind() {
	case KindImage:
		return collateImages(items)
	case KindViews:
		return collateViews(items)
	case KindTensor:
		return collateTensors(items)
	}
	return nil, nil, errors.Wrapf(ErrContract, "unknown sample kind %s", first.Kind())
}

// MustFastCollate is like FastCollate, but panics on error.
func MustFastCollate(items []Item) (pixels, labels *tensors.Tensor) {
	return must.M2(FastCollate(items))
}

// mixedKindError reports item #i with a different variant than item #0.
func mixedKindError(items []Item, i int) error {
	if items[i].Sample == nil {
		return errors.Wrapf(ErrContract, "item #%d has no sample", i)
	}
	return errors.Wrapf(ErrContract, "item #0 is a %s, but item #%d is a %s",
		items[0].Sample.Kind(), i, items[i].Sample.Kind())
}

func collateImages(items []Item) (pixels, labels *tensors.Tensor, err error) {
	images := make([]Image, len(items))
	for ii, item := range items {
		img, ok := item.Sample.(Image)
		if !ok {
			return nil, nil, mixedKindError(items, ii)
		}
		if err = img.check(); err != nil {
			return nil, nil, errors.WithMessagef(err, "item #%d", ii)
		}
		if ii > 0 && !slices.Equal(img.Dimensions, images[0].Dimensions) {
			return nil, nil, errors.Wrapf(ErrContract, "item #0 has dimensions %v, but item #%d has dimensions %v",
				images[0].Dimensions, ii, img.Dimensions)
		}
		images[ii] = img
	}

	batchSize := len(images)
	pixels = newPixels(batchSize, images[0].Dimensions)
	rowSize := images[0].Size()
	err = pixels.MutableBytes(func(data []byte) {
		for ii, img := range images {
			copy(data[ii*rowSize:(ii+1)*rowSize], img.Data)
		}
	})
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, errors.WithMessage(err, "filling batch pixels")
	}
	labels, err = newLabels(items, 1)
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, err
	}
	return pixels, labels, nil
}

func collateViews(items []Item) (pixels, labels *tensors.Tensor, err error) {
	allViews := make([]Views, len(items))
	for ii, item := range items {
		views, ok := item.Sample.(Views)
		if !ok {
			return nil, nil, mixedKindError(items, ii)
		}
		if len(views) == 0 {
			return nil, nil, errors.Wrapf(ErrContract, "item #%d has an empty tuple of views", ii)
		}
		if ii > 0 && len(views) != len(allViews[0]) {
			return nil, nil, errors.Wrapf(ErrContract, "item #0 has %d views, but item #%d has %d views",
				len(allViews[0]), ii, len(views))
		}
		for jj, view := range views {
			if err = view.check(); err != nil {
				return nil, nil, errors.WithMessagef(err, "item #%d, view #%d", ii, jj)
			}
			reference := views[0].Dimensions
			if ii > 0 {
				reference = allViews[0][0].Dimensions
			}
			if !slices.Equal(view.Dimensions, reference) {
				return nil, nil, errors.Wrapf(ErrContract,
					"item #0, view #0 has dimensions %v, but item #%d, view #%d has dimensions %v",
					reference, ii, jj, view.Dimensions)
			}
		}
		allViews[ii] = views
	}

	batchSize := len(allViews)
	numViews := len(allViews[0])
	pixels = newPixels(batchSize*numViews, allViews[0][0].Dimensions)
	rowSize := allViews[0][0].Size()
	err = pixels.MutableBytes(func(data []byte) {
		for ii, views := range allViews {
			for jj, view := range views {
				row := ii + jj*batchSize
				copy(data[row*rowSize:(row+1)*rowSize], view.Data)
			}
		}
	})
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, errors.WithMessage(err, "filling batch pixels")
	}
	labels, err = newLabels(items, numViews)
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, err
	}
	return pixels, labels, nil
}

func collateTensors(items []Item) (pixels, labels *tensors.Tensor, err error) {
	samples := make([]*tensors.Tensor, len(items))
	for ii, item := range items {
		ts, ok := item.Sample.(TensorSample)
		if !ok {
			return nil, nil, mixedKindError(items, ii)
		}
		if ts.Tensor == nil {
			return nil, nil, errors.Wrapf(ErrContract, "item #%d has a nil tensor", ii)
		}
		if ii > 0 && !slices.Equal(ts.Tensor.Shape().Dimensions, samples[0].Shape().Dimensions) {
			return nil, nil, errors.Wrapf(ErrContract, "item #0 has dimensions %v, but item #%d has dimensions %v",
				samples[0].Shape().Dimensions, ii, ts.Tensor.Shape().Dimensions)
		}
		samples[ii] = ts.Tensor
	}

	batchSize := len(samples)
	pixels = newPixels(batchSize, samples[0].Shape().Dimensions)
	rowSize := samples[0].Size()
	var convertErr error
	err = tensors.MutableFlatData(pixels, func(flat []uint8) {
		for ii, sample := range samples {
			convertErr = convertToUint8(sample, flat[ii*rowSize:(ii+1)*rowSize])
			if convertErr != nil {
				convertErr = errors.WithMessagef(convertErr, "item #%d", ii)
				return
			}
		}
	})
	if err == nil {
		err = convertErr
	}
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, err
	}
	labels, err = newLabels(items, 1)
	if err != nil {
		pixels.FinalizeAll()
		return nil, nil, err
	}
	return pixels, labels, nil
}

// newLabels creates the int64 labels tensor, repeating the labels numViews times.
func newLabels(items []Item, numViews int) (*tensors.Tensor, error) {
	batchSize := len(items)
	labels := tensors.FromShape(labelsShape(batchSize * numViews))
	err := tensors.MutableFlatData(labels, func(flat []int64) {
		for jj := range numViews {
			for ii, item := range items {
				flat[ii+jj*batchSize] = int64(item.Label)
			}
		}
	})
	if err != nil {
		labels.FinalizeAll()
		return nil, errors.WithMessage(err, "filling batch labels")
	}
	return labels, nil
}
