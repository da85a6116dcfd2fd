// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/epochmetrics/pkg/ml/datasets"
	"github.com/gomlx/epochmetrics/pkg/ml/train"
	"github.com/gomlx/epochmetrics/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() Params {
	return Params{
		"x":          11.0,
		"y":          7,
		"z":          false,
		"s":          "foo",
		"list_int":   []int{},
		"list_float": []float64{},
		"list_str":   []string{},
	}
}

func TestParseSettings(t *testing.T) {
	params := createTestParams()
	paramsSet, err := ParseSettings(params, "x=13;z=true;y=1_003;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y", "s", "list_int", "list_float", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params["x"])
	assert.Equal(t, 1003, params["y"])
	assert.Equal(t, true, params["z"])
	assert.Equal(t, "bar", params["s"])
	assert.Equal(t, []int{1, 3, 7}, params["list_int"])
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, params["list_float"])
	assert.Equal(t, []string{"a", "b"}, params["list_str"])
	assert.Contains(t, SprintSettings(params, "y", "x", "y"), `"y": (int) 1003`)

	// Parameter "q" is unknown.
	_, err = ParseSettings(params, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(params, "y=3.14")
	require.Error(t, err)

	// Missing "=".
	_, err = ParseSettings(params, "x")
	require.Error(t, err)

	// Settings from a file.
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# comment\nx=1.5\ns=baz;y=2\n"), 0o644))
	paramsSet, err = ParseSettings(params, "file:"+settingsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "s", "y"}, paramsSet)
	assert.Equal(t, 1.5, params["x"])
	assert.Equal(t, 2, params["y"])

	// Settings from a YAML file.
	yamlPath := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("x: 2\nz: false\nlist_str: [c, d]\nlist_int:\n  - 5\n  - 6\n"), 0o644))
	paramsSet, err = ParseSettings(params, "file:"+yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"list_int", "list_str", "x", "z"}, paramsSet)
	assert.Equal(t, 2.0, params["x"])
	assert.Equal(t, false, params["z"])
	assert.Equal(t, []string{"c", "d"}, params["list_str"])
	assert.Equal(t, []int{5, 6}, params["list_int"])

	require.NoError(t, os.WriteFile(yamlPath, []byte("unknown: 1\n"), 0o644))
	_, err = ParseSettings(params, "file:"+yamlPath)
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "12.3s", FormatDuration(12345678901*time.Nanosecond))
	assert.Equal(t, "2m3s", FormatDuration(123456789012*time.Nanosecond))
	assert.Equal(t, "15ns", FormatDuration(15*time.Nanosecond))
}

func TestReportEval(t *testing.T) {
	mds, err := datasets.InMemoryFromData("eval",
		[]any{[][]float32{{0.9, 0.1}, {0.2, 0.8}, {0.6, 0.4}, {0.3, 0.7}}},
		[]any{[]int64{0, 1, 1, 1}})
	require.NoError(t, err)
	mds.BatchSize(3, false)
	accuracy := metrics.NewCategoricalAccuracy("Accuracy", "acc")
	evaluator := train.NewEvaluator(accuracy)

	var progress bytes.Buffer
	attachProgressBar(evaluator, 2, &progress)
	var out bytes.Buffer
	results, err := ReportEval(&out, evaluator, mds)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.75, results[0].Value())
	assert.Contains(t, out.String(), "Results on eval:")
	assert.Contains(t, out.String(), "Accuracy")
	assert.Contains(t, out.String(), "0.75")
	assert.Contains(t, progress.String(), "Examples")

	_, err = ResultsTable([]metrics.Interface{accuracy}, nil)
	require.Error(t, err)
}
