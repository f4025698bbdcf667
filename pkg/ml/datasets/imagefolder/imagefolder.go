// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder implements a dataset of images organized in one sub-directory per class:
//
//	root/
//	  cat/
//	    001.jpg
//	    002.png
//	  dog/
//	    puppy.jpg
//
// Classes are sorted by name and labeled by their position. Images are decoded when requested,
// with github.com/disintegration/imaging, and converted to samples by a transforms.Transform.
package imagefolder

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/feeder/pkg/ml/collate"
	"github.com/gomlx/feeder/pkg/ml/loader"
	"github.com/gomlx/feeder/pkg/ml/transforms"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultImageSize is the height and width of the samples of the default evaluation transform.
const DefaultImageSize = 224

// Dataset of images in class sub-directories. It implements loader.Dataset and loader.HasTransform.
type Dataset struct {
	root    string
	classes []string
	paths   []string
	labels  []int

	muTransform sync.RWMutex
	transform   transforms.Transform
}

var (
	_ loader.Dataset      = (*Dataset)(nil)
	_ loader.HasTransform = (*Dataset)(nil)
)

// New scans root for class sub-directories and their images. Files not recognized as images by
// their extension, and hidden files and directories, are skipped.
//
// Samples are transformed by the evaluation transform of size DefaultImageSize, until
// SetTransform is called.
func New(root string) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "imagefolder: reading root directory %q", root)
	}
	ds := &Dataset{root: root}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			ds.classes = append(ds.classes, entry.Name())
		}
	}
	if len(ds.classes) == 0 {
		return nil, errors.Errorf("imagefolder: no class sub-directories in %q", root)
	}

	// Scan class directories in parallel. os.ReadDir returns the entries sorted by name.
	classFiles := make([][]string, len(ds.classes))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for label, class := range ds.classes {
		g.Go(func() error {
			classDir := filepath.Join(root, class)
			files, err := os.ReadDir(classDir)
			if err != nil {
				return errors.Wrapf(err, "imagefolder: reading class directory %q", classDir)
			}
			for _, file := range files {
				if file.IsDir() || strings.HasPrefix(file.Name(), ".") {
					continue
				}
				if _, err := imaging.FormatFromFilename(file.Name()); err != nil {
					continue
				}
				classFiles[label] = append(classFiles[label], filepath.Join(classDir, file.Name()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for label, files := range classFiles {
		if len(files) == 0 {
			klog.Warningf("imagefolder: class %q in %q has no images", ds.classes[label], root)
		}
		ds.paths = append(ds.paths, files...)
		for range files {
			ds.labels = append(ds.labels, label)
		}
	}
	if len(ds.paths) == 0 {
		return nil, errors.Errorf("imagefolder: no images found in the class directories of %q", root)
	}
	ds.transform, err = transforms.NewEval(transforms.DefaultConfig(DefaultImageSize, DefaultImageSize))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("imagefolder: %d images in %d classes in %q", len(ds.paths), len(ds.classes), root)
	return ds, nil
}

// Root directory of the dataset.
func (ds *Dataset) Root() string { return ds.root }

// Len implements loader.Dataset.
func (ds *Dataset) Len() int { return len(ds.paths) }

// Labels implements loader.Dataset. The returned slice must not be modified.
func (ds *Dataset) Labels() []int { return ds.labels }

// Classes returns the class names, indexed by label.
func (ds *Dataset) Classes() []string { return ds.classes }

// Path of the image file at the given index.
func (ds *Dataset) Path(index int) string { return ds.paths[index] }

// SetTransform implements loader.HasTransform.
func (ds *Dataset) SetTransform(transform transforms.Transform) {
	ds.muTransform.Lock()
	defer ds.muTransform.Unlock()
	ds.transform = transform
}

// Transform returns the current transform.
func (ds *Dataset) Transform() transforms.Transform {
	ds.muTransform.RLock()
	defer ds.muTransform.RUnlock()
	return ds.transform
}

// Item implements loader.Dataset: it decodes the image at index, applying the orientation of its
// EXIF metadata, and transforms it.
func (ds *Dataset) Item(index int) (collate.Item, error) {
	if index < 0 || index >= len(ds.paths) {
		return collate.Item{}, errors.Errorf("imagefolder: index %d out of range [0, %d)", index, len(ds.paths))
	}
	img, err := imaging.Open(ds.paths[index], imaging.AutoOrientation(true))
	if err != nil {
		return collate.Item{}, errors.Wrapf(err, "imagefolder: decoding %q", ds.paths[index])
	}
	sample, err := ds.Transform().Transform(img)
	if err != nil {
		return collate.Item{}, errors.WithMessagef(err, "imagefolder: transforming %q", ds.paths[index])
	}
	return collate.Item{Sample: sample, Label: ds.labels[index]}, nil
}
