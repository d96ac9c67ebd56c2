// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/skinlesion/pkg/balance"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvaluation(t *testing.T) *metrics.Report {
	probs := [][]float64{
		{0.8, 0.1, 0.1},
		{0.2, 0.7, 0.1},
		{0.6, 0.3, 0.1},
		{0.1, 0.8, 0.1},
	}
	r, err := metrics.Evaluate([]int{0, 1, 1, 1}, probs, []string{"akiec", "bcc", "df"})
	require.NoError(t, err)
	return r
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	PrintClassCounts(&buf, "Images per class", []string{"mel", "nv"}, []int{1113, 6705})
	assert.Contains(t, buf.String(), "6,705")
	assert.Contains(t, buf.String(), "7,818")

	buf.Reset()
	PrintClassification(&buf, "ISIC_0024306.jpg", []string{"mel", "nv"}, []float32{0.25, 0.75})
	assert.Contains(t, buf.String(), "ISIC_0024306.jpg")
	assert.Contains(t, buf.String(), "75.00%")

	buf.Reset()
	PrintBalance(&buf, &balance.Report{Target: 10, Classes: []balance.ClassReport{
		{Class: "mel", Action: balance.Oversampled, Before: 4, After: 10, Added: 6},
		{Class: "nv", Action: balance.Undersampled, Before: 30, After: 10, Removed: 20},
	}})
	assert.Contains(t, buf.String(), "mel")
	assert.Contains(t, buf.String(), balance.Undersampled.String())

	buf.Reset()
	PrintHistory(&buf, engine.History{
		{Epoch: 1, TrainLoss: 1.2, TrainAccuracy: 0.5, ValidationLoss: 1.1, ValidationAccuracy: 0.55},
		{Epoch: 2, TrainLoss: 0.9, TrainAccuracy: 0.6, ValidationLoss: 1.0, ValidationAccuracy: 0.6},
	})
	assert.Contains(t, buf.String(), "60.00%")

	buf.Reset()
	PrintEvaluation(&buf, testEvaluation(t))
	out := buf.String()
	assert.Contains(t, out, "Classification report")
	assert.Contains(t, out, "Confusion matrix")
	assert.Contains(t, out, "df")
	assert.True(t, strings.Contains(out, "n/a"), "class without examples has no ROC-AUC")
}

func TestWriteArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	eval := testEvaluation(t)
	a := &Artifacts{
		History: engine.History{
			{Epoch: 1, ValidationAccuracy: 0.4},
			{Epoch: 2, ValidationAccuracy: 0.7},
			{Epoch: 3, ValidationAccuracy: 0.6},
		},
		Evaluation:    eval,
		Paths:         []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"},
		Labels:        []int{0, 1, 1, 1},
		Predictions:   metrics.Argmax([][]float64{{0.8, 0.1, 0.1}, {0.2, 0.7, 0.1}, {0.6, 0.3, 0.1}, {0.1, 0.8, 0.1}}),
		Probabilities: [][]float64{{0.8, 0.1, 0.1}, {0.2, 0.7, 0.1}, {0.6, 0.3, 0.1}, {0.1, 0.8, 0.1}},
	}
	require.NoError(t, WriteArtifacts(dir, a))

	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2.0, decoded["best_epoch"])
	assert.Len(t, decoded["history"], 3)
	evaluation := decoded["evaluation"].(map[string]any)
	assert.InDelta(t, 0.75, evaluation["accuracy"], 1e-9)
	perClass := evaluation["per_class"].([]any)
	require.Len(t, perClass, 3)
	assert.Nil(t, perClass[2].(map[string]any)["roc_auc"], "NaN is written as null")
	assert.NotEmpty(t, evaluation["roc_curves"])

	f, err := os.Open(filepath.Join(dir, HistoryFile))
	require.NoError(t, err)
	history := dataframe.ReadCSV(f)
	_ = f.Close()
	require.NoError(t, history.Err)
	assert.Equal(t, 3, history.Nrow())
	assert.Equal(t, []string{"epoch", "train_loss", "train_accuracy", "val_loss", "val_accuracy"}, history.Names())

	f, err = os.Open(filepath.Join(dir, PredictionsFile))
	require.NoError(t, err)
	preds := dataframe.ReadCSV(f)
	_ = f.Close()
	require.NoError(t, preds.Err)
	assert.Equal(t, 4, preds.Nrow())
	assert.Equal(t, []string{"akiec", "bcc", "akiec", "bcc"}, preds.Col("prediction").Records())
	assert.Contains(t, preds.Names(), "p_df")
}

func TestNumberJSON(t *testing.T) {
	data, err := json.Marshal([]number{1.5, number(math.NaN()), number(math.Inf(1))})
	require.NoError(t, err)
	assert.Equal(t, "[1.5,null,null]", string(data))
}
