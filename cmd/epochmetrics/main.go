// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// epochmetrics evaluates a metric over a CSV file of predictions and targets.
//
// The CSV must have a header line. The target column is given with -target, and all other
// columns are the predictions: either one value per example, or one score per class.
//
// To evaluate in parallel with N processes, run the same command N times, with -world=N and
// -rank=0..N-1: each process reads its own contiguous shard of the file, and the metric state is
// merged across processes over TCP before it is computed. Every rank prints the same results.
//
//	epochmetrics -data=scores.csv -target=label -metric=kappa_quadratic
//	epochmetrics -data=scores.csv -target=label -metric=report -set="beta=2;labels=cat,dog;json=true"
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/epochmetrics/pkg/core/distributed"
	"github.com/gomlx/epochmetrics/pkg/ml/datasets"
	"github.com/gomlx/epochmetrics/pkg/ml/train"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/gomlx/epochmetrics/pkg/ml/train/promexport"
	"github.com/gomlx/epochmetrics/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	flagData   = flag.String("data", "", "CSV file with predictions and targets, with a header line.")
	flagTarget = flag.String("target", "label", "Name of the CSV column with the targets. All other columns are predictions.")
	flagMetric = flag.String("metric", "accuracy", fmt.Sprintf("Metric to evaluate, one of %q.", MetricNames))
	flagBatch  = flag.Int("batch", 128, "Number of examples per batch fed to the metric.")

	flagRank        = flag.Int("rank", 0, "Rank of this process, from 0 to -world - 1.")
	flagWorld       = flag.Int("world", 1, "Number of cooperating processes. If > 1, processes connect over TCP.")
	flagAddr        = flag.String("addr", "127.0.0.1:7077", "Address where rank 0 listens, and the other ranks connect to.")
	flagDialTimeout = flag.Duration("dial_timeout", distributed.DefaultDialTimeout, "How long ranks > 0 retry to connect to rank 0.")

	flagProgress   = flag.Bool("progress", true, "Display a progress bar (rank 0 only).")
	flagMaxBatches = flag.Int("max_batches", 0, "If > 0, evaluates at most this many batches per rank.")
	flagPromFile   = flag.String("prom_file", "", "If set, writes the results and evaluation counters to this file "+
		"in the Prometheus text format (e.g. for the node-exporter textfile collector).")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

func main() {
	klog.InitFlags(nil)
	params := defaultParams()
	flagSettings := commandline.CreateSettingsFlag(params, "set")
	flag.Parse()
	if *flagData == "" {
		klog.Errorf("Missing -data CSV file to evaluate. See 'epochmetrics -help'.")
		os.Exit(1)
	}
	if !validMetric(*flagMetric) {
		klog.Errorf("Unknown -metric=%q, valid values are %q.", *flagMetric, MetricNames)
		os.Exit(1)
	}
	if *flagBatch < 1 {
		klog.Errorf("-batch must be >= 1, got %d.", *flagBatch)
		os.Exit(1)
	}
	paramsSet := must.M1(commandline.ParseSettings(params, *flagSettings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Metric settings:\n%s", commandline.SprintSettings(params, paramsSet...))
	}
	if err := run(os.Stdout, params); err != nil {
		klog.Errorf("epochmetrics failed: %+v", err)
		os.Exit(1)
	}
}

// newCommunicator returns the Communicator for the configured -rank / -world.
// The returned function closes it.
func newCommunicator() (distributed.Communicator, func(), error) {
	if *flagWorld <= 1 {
		return distributed.Single{}, func() {}, nil
	}
	klog.V(1).Infof("Rank %d of %d: connecting through %s", *flagRank, *flagWorld, *flagAddr)
	comm, err := distributed.NewTCP(distributed.TCPConfig{
		Rank:        *flagRank,
		WorldSize:   *flagWorld,
		Address:     *flagAddr,
		DialTimeout: *flagDialTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("Rank %d of %d: joined session %s", comm.Rank(), comm.WorldSize(), comm.Session())
	return comm, func() {
		if err := comm.Close(); err != nil {
			klog.Warningf("Closing communicator: %v", err)
		}
	}, nil
}

func run(w io.Writer, params commandline.Params) error {
	f, err := os.Open(*flagData)
	if err != nil {
		return errors.Wrapf(err, "failed to open -data=%q", *flagData)
	}
	mds, err := datasets.ReadCSV(f, datasets.CSVConfig{
		Name:          filepath.Base(*flagData),
		Target:        *flagTarget,
		IntegerTarget: isClassification(*flagMetric),
	})
	_ = f.Close()
	if err != nil {
		return err
	}
	// Every rank reads the same file, so they all fail here before joining the group.
	if worldSize := max(*flagWorld, 1); mds.NumExamples() < worldSize {
		return errors.Errorf("-data=%q has %d examples, fewer than the %d ranks of -world: some ranks would have no examples",
			*flagData, mds.NumExamples(), worldSize)
	}

	comm, closeComm, err := newCommunicator()
	if err != nil {
		return err
	}
	defer closeComm()
	metric, err := newMetric(*flagMetric, params, comm)
	if err != nil {
		return err
	}
	mds.BatchSize(*flagBatch, false)
	shard, err := mds.Shard(comm.Rank(), comm.WorldSize())
	if err != nil {
		return err
	}
	var ds train.Dataset = shard
	numSteps := (shard.NumExamples() + *flagBatch - 1) / max(*flagBatch, 1)
	if *flagMaxBatches > 0 {
		ds = datasets.Take(shard, *flagMaxBatches)
		numSteps = min(numSteps, *flagMaxBatches)
	}
	printSummary(w, comm, mds, shard)

	evaluator := train.NewEvaluator(metric)
	if *flagProgress && comm.Rank() == 0 {
		commandline.AttachProgressBar(evaluator, numSteps)
	}
	var exporter *promexport.Exporter
	if *flagPromFile != "" {
		exporter = promexport.New("epochmetrics", prometheus.Labels{"rank": strconv.Itoa(comm.Rank())})
		exporter.Attach(evaluator)
	}
	start := time.Now()
	if _, err = commandline.ReportEval(w, evaluator, ds); err != nil {
		return err
	}
	klog.V(1).Infof("Evaluated %d batches in %s", evaluator.Step, commandline.FormatDuration(time.Since(start)))

	if exporter != nil {
		if err = exporter.WriteTextfile(*flagPromFile); err != nil {
			return err
		}
	}
	if report, ok := metric.(*metrics.ClassificationReport); ok {
		if err = printReport(w, report, params["json"].(bool)); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(w io.Writer, comm distributed.Communicator, mds, shard *datasets.InMemoryDataset) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := lgtable.New().Border(lipgloss.NormalBorder())
	table.Row("dataset", mds.Name())
	table.Row("metric", *flagMetric)
	table.Row("rank", fmt.Sprintf("%d of %d", comm.Rank(), comm.WorldSize()))
	table.Row("# examples", humanize.Comma(int64(mds.NumExamples())))
	table.Row("# examples in rank", humanize.Comma(int64(shard.NumExamples())))
	table.Row("memory", humanize.Bytes(uint64(mds.Memory())))
	_, _ = fmt.Fprintln(w, table.Render())
}

// printReport prints the classification report per label, or as JSON.
func printReport(w io.Writer, report *metrics.ClassificationReport, asJSON bool) error {
	if asJSON {
		encoded, err := report.ReportJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, encoded)
		return err
	}
	byLabel, err := report.Report()
	if err != nil {
		return err
	}
	keys := []string{"precision", "recall", report.FScoreKey()}
	table := lgtable.New().Border(lipgloss.NormalBorder()).Headers(append([]string{"label"}, keys...)...)
	for _, label := range reportLabels(report, byLabel) {
		row := []string{label}
		for _, key := range keys {
			row = append(row, fmt.Sprintf("%.3f", byLabel[label][key]))
		}
		table.Row(row...)
	}
	_, err = fmt.Fprintln(w, titleStyle.Render("Classification Report"))
	if err == nil {
		_, err = fmt.Fprintln(w, table.Render())
	}
	return err
}

// reportLabels returns the labels of the report in class order, followed by metrics.MacroAverageKey.
func reportLabels(report *metrics.ClassificationReport, byLabel map[string]map[string]float64) []string {
	labels := make([]string, 0, len(byLabel))
	for class := 0; len(labels) < len(byLabel)-1; class++ {
		label := report.Label(class)
		if _, found := byLabel[label]; !found {
			break
		}
		labels = append(labels, label)
	}
	return append(labels, metrics.MacroAverageKey)
}
