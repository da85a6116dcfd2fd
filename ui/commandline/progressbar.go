// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/epochmetrics/pkg/core/tensors"
	"github.com/gomlx/epochmetrics/pkg/ml/train"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "epochmetrics.ui.commandline.progressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	evaluator *train.Evaluator
	numSteps  int
	out       io.Writer
	bar       *progressbar.ProgressBar

	// lipgloss-based asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount      int
	step        int
	numExamples int
}

func (pBar *progressBar) onStart(e *train.Evaluator, ds train.Dataset) error {
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]Epoch %d on %s:[reset]", e.Epoch, ds.Name())),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so evaluation is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onStep(e *train.Evaluator, _, _ *tensors.Tensor) error {
	pBar.updates <- progressBarUpdate{
		amount:      1,
		step:        e.Step,
		numExamples: e.NumExamples,
	}
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Evaluator, _ []*metrics.Result) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// drawUpdates asynchronously, so evaluation is not slowed down by a slow terminal.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		stepStr := humanize.Comma(int64(update.step))
		if pBar.numSteps > 0 {
			stepStr = fmt.Sprintf("%s of %s", stepStr, humanize.Comma(int64(pBar.numSteps)))
		}
		pBar.statsTable.Row("Batches", stepStr)
		pBar.statsTable.Row("Examples", humanize.Comma(int64(update.numExamples)))
		pBar.statsTable.Row("Median step duration", FormatDuration(pBar.evaluator.MedianStepDuration()))
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := 3 + 2 + 1 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Evaluator, so that
// every epoch evaluated displays a progress bar with the number of batches and examples processed.
//
// numSteps is the number of batches expected per epoch, or -1 if unknown.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(evaluator *train.Evaluator, numSteps int, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(evaluator, numSteps, os.Stdout, extraMetrics...)
}

func attachProgressBar(evaluator *train.Evaluator, numSteps int, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		evaluator:      evaluator,
		numSteps:       numSteps,
		out:            out,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
	}
	evaluator.OnStart(ProgressBarName, 0, pBar.onStart)
	evaluator.OnStep(ProgressBarName, 0, pBar.onStep)
	evaluator.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
