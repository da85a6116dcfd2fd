// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI evaluation tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/epochmetrics/pkg/ml/train"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable creates a lipgloss table with the package style: the first column right-aligned.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// ResultsTable renders the results of the metrics as a table, one row per metric.
func ResultsTable(ms []metrics.Interface, results []*metrics.Result) (string, error) {
	if len(ms) != len(results) {
		return "", errors.Errorf("ResultsTable: %d metrics but %d results", len(ms), len(results))
	}
	table := newTable().Headers("Metric", "Short", "Type", "Value")
	for ii, metric := range ms {
		table.Row(metric.Name(), metric.ShortName(), metric.MetricType(), metric.PrettyPrint(results[ii]))
	}
	return table.String(), nil
}

// ReportEval evaluates the dataset with the evaluator, and reports on w the results of the metrics.
// It returns the results, in case the caller needs them.
func ReportEval(w io.Writer, evaluator *train.Evaluator, ds train.Dataset) ([]*metrics.Result, error) {
	results, err := evaluator.Eval(ds)
	if err != nil {
		return nil, err
	}
	table, err := ResultsTable(evaluator.Metrics, results)
	if err != nil {
		return nil, err
	}
	_, err = fmt.Fprintf(w, "Results on %s:\n%s\n", ds.Name(), table)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write results")
	}
	return results, nil
}
