// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collate

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// PixelsDType is the dtype of the collated pixels tensor.
const PixelsDType = dtypes.Uint8

// LabelsDType is the dtype of the collated labels tensor.
const LabelsDType = dtypes.Int64

func newPixels(numRows int, dims []int) *tensors.Tensor {
	batchDims := make([]int, 0, len(dims)+1)
	batchDims = append(batchDims, numRows)
	batchDims = append(batchDims, dims...)
	return tensors.FromShape(shapes.Make(PixelsDType, batchDims...))
}

func labelsShape(numRows int) shapes.Shape {
	return shapes.Make(LabelsDType, numRows)
}

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint16 | ~uint32 | ~uint64
}

func saturateInt[T integer](v T) uint8 {
	if v <= 0 {
		return 0
	}
	if uint64(v) >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// saturateFloat truncates toward zero and saturates to [0, 255]. NaN becomes 0.
func saturateFloat(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

func convertInts[T integer](src []T, dst []uint8) {
	for ii, v := range src {
		dst[ii] = saturateInt(v)
	}
}

// convertToUint8 writes the values of t into dst, converted to uint8 element-wise.
func convertToUint8(t *tensors.Tensor, dst []uint8) error {
	if t.Size() != len(dst) {
		return errors.Wrapf(ErrContract, "tensor with shape %s doesn't fit in %d elements", t.Shape(), len(dst))
	}
	var unsupported bool
	err := t.ConstFlatData(func(flat any) {
		switch src := flat.(type) {
		case []uint8:
			copy(dst, src)
		case []int8:
			convertInts(src, dst)
		case []int16:
			convertInts(src, dst)
		case []int32:
			convertInts(src, dst)
		case []int64:
			convertInts(src, dst)
		case []int:
			convertInts(src, dst)
		case []uint16:
			convertInts(src, dst)
		case []uint32:
			convertInts(src, dst)
		case []uint64:
			convertInts(src, dst)
		case []float32:
			for ii, v := range src {
				dst[ii] = saturateFloat(float64(v))
			}
		case []float64:
			for ii, v := range src {
				dst[ii] = saturateFloat(v)
			}
		case []float16.Float16:
			for ii, v := range src {
				dst[ii] = saturateFloat(float64(v.Float32()))
			}
		case []bfloat16.BFloat16:
			for ii, v := range src {
				dst[ii] = saturateFloat(float64(v.Float32()))
			}
		case []bool:
			for ii, v := range src {
				if v {
					dst[ii] = 1
				} else {
					dst[ii] = 0
				}
			}
		default:
			unsupported = true
		}
	})
	if err != nil {
		return errors.WithMessage(err, "reading sample tensor")
	}
	if unsupported {
		return errors.Wrapf(ErrContract, "cannot convert tensor of dtype %s to uint8", t.DType())
	}
	return nil
}

// Split the collated pixels of Views samples back into k tensors along the first axis, one per view.
// The first axis of pixels must be divisible by k.
//
// The returned tensors are new local tensors: pixels is left untouched.
func Split(pixels *tensors.Tensor, k int) ([]*tensors.Tensor, error) {
	if k <= 0 {
		return nil, errors.Errorf("Split requires k > 0, got %d", k)
	}
	if pixels.Rank() == 0 || pixels.Size() == 0 {
		return nil, errors.Errorf("Split requires a non-empty tensor with a batch axis, got shape %s", pixels.Shape())
	}
	dims := pixels.Shape().Dimensions
	if dims[0]%k != 0 {
		return nil, errors.Errorf("Split of %d rows in %d views: rows not divisible by the number of views", dims[0], k)
	}
	batchSize := dims[0] / k
	viewDims := make([]int, len(dims))
	copy(viewDims, dims)
	viewDims[0] = batchSize
	parts := make([]*tensors.Tensor, k)
	for jj := range parts {
		parts[jj] = tensors.FromShape(shapes.Make(pixels.DType(), viewDims...))
	}
	var partErr error
	err := pixels.ConstBytes(func(src []byte) {
		partSize := len(src) / k
		for jj, part := range parts {
			partErr = part.MutableBytes(func(dst []byte) {
				copy(dst, src[jj*partSize:(jj+1)*partSize])
			})
			if partErr != nil {
				return
			}
		}
	})
	if err == nil {
		err = partErr
	}
	if err != nil {
		for _, part := range parts {
			part.FinalizeAll()
		}
		return nil, errors.WithMessage(err, "splitting views")
	}
	return parts, nil
}
