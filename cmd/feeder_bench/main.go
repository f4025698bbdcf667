// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// feeder_bench measures the throughput of the image batch loader over an image folder dataset
// (one sub-directory per class), and reports how often each class was seen.
//
// Example:
//
//	feeder_bench -data ~/datasets/flowers -train -epochs 2 -set "batch_size=64;re_prob=0.25;num_workers=8"
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/feeder/pkg/ml/datasets/imagefolder"
	"github.com/gomlx/feeder/pkg/ml/loader"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagData     = flag.String("data", "", "Directory of the image folder dataset: one sub-directory of images per class.")
	flagBackend  = flag.String("backend", "", `Backend configuration, e.g. "xla:cuda" or "go". Defaults to $GOMLX_BACKEND or the first registered backend.`)
	flagEpochs   = flag.Int("epochs", 1, "Number of passes over the dataset.")
	flagTrain    = flag.Bool("train", false, "Use the training configuration: train transform, balanced sampling and random erasing.")
	flagPrefetch = flag.Bool("prefetch", true, "Prefetch, normalize and augment batches on the device. If false, raw uint8 batches are yielded.")
)

func main() {
	klog.InitFlags(nil)
	ctx := context.New()
	loader.DefaultConfig().SetContextDefaults(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagData == "" {
		klog.Errorf("Missing -data directory. See 'feeder_bench -help'.")
		os.Exit(1)
	}
	if *flagEpochs <= 0 {
		klog.Errorf("-epochs must be positive, got %d", *flagEpochs)
		os.Exit(1)
	}
	if err := run(ctx, paramsSet); err != nil {
		klog.Errorf("feeder_bench failed: %+v", err)
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

// stats collected while iterating over the loader.
type stats struct {
	numBatches, numImages int
	perLabel              map[int64]int
	elapsed               time.Duration
}

func run(ctx *context.Context, paramsSet []string) error {
	cfg, err := loader.FromContext(ctx)
	if err != nil {
		return err
	}
	cfg.Training = *flagTrain
	cfg.UsePrefetcher = *flagPrefetch
	fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))

	ds, err := imagefolder.New(fsutil.MustReplaceTildeInDir(*flagData))
	if err != nil {
		return err
	}
	var backend backends.Backend
	if *flagBackend != "" {
		backend, err = backends.NewWithConfig(*flagBackend)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return err
	}
	l, err := loader.Create(backend, ds, cfg)
	if err != nil {
		return err
	}
	defer l.Done()

	st := stats{perLabel: make(map[int64]int)}
	pBar := progressbar.NewOptions(l.Len()**flagEpochs,
		progressbar.OptionSetDescription(l.Name()),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	start := time.Now()
	for epoch := range *flagEpochs {
		if epoch > 0 {
			l.Reset()
		}
		for {
			_, inputs, labels, err := l.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			st.numBatches++
			st.numImages += inputs[0].Shape().Dimensions[0]
			for _, label := range tensors.MustCopyFlatData[int64](labels[0]) {
				st.perLabel[label]++
			}
			inputs[0].FinalizeAll()
			labels[0].FinalizeAll()
			_ = pBar.Add(1)
		}
	}
	st.elapsed = time.Since(start)
	_ = pBar.Finish()
	fmt.Println()
	report(ds, cfg, backend, st)
	return nil
}

func report(ds *imagefolder.Dataset, cfg loader.Config, backend backends.Backend, st stats) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable()
	table.Row("dataset", ds.Root())
	table.Row("backend", backend.Name())
	table.Row("training", fmt.Sprintf("%v", cfg.Training))
	table.Row("image size", fmt.Sprintf("%dx%dx%d", cfg.InputSize[0], cfg.InputSize[1], cfg.InputSize[2]))
	table.Row("# images in dataset", humanize.Comma(int64(ds.Len())))
	table.Row("# batches", humanize.Comma(int64(st.numBatches)))
	table.Row("# images yielded", humanize.Comma(int64(st.numImages)))
	table.Row("elapsed", st.elapsed.Round(time.Millisecond).String())
	seconds := st.elapsed.Seconds()
	if seconds > 0 {
		table.Row("images/s", humanize.CommafWithDigits(float64(st.numImages)/seconds, 1))
		table.Row("batches/s", humanize.CommafWithDigits(float64(st.numBatches)/seconds, 2))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Classes"))
	table = newTable().Headers("Class", "Label", "# Images", "# Seen", "% Seen")
	labels := ds.Labels()
	perClass := make([]int, len(ds.Classes()))
	for _, label := range labels {
		perClass[label]++
	}
	for label, class := range ds.Classes() {
		seen := st.perLabel[int64(label)]
		var pct float64
		if st.numImages > 0 {
			pct = 100 * float64(seen) / float64(st.numImages)
		}
		table.Row(class, fmt.Sprintf("%d", label), humanize.Comma(int64(perClass[label])),
			humanize.Comma(int64(seen)), fmt.Sprintf("%.1f%%", pct))
	}
	fmt.Println(table.Render())
}
