// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/skinlesion/pkg/balance"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names of the artifacts written by WriteArtifacts.
const (
	ReportFile      = "report.json"
	HistoryFile     = "history.csv"
	PredictionsFile = "predictions.csv"
)

// Artifacts collects everything WriteArtifacts saves. Nil fields are skipped.
type Artifacts struct {
	Balance    *balance.Report
	History    engine.History
	Evaluation *metrics.Report

	// Paths of the evaluated images, aligned with Evaluation's predictions.
	Paths []string

	// Labels and Predictions of each evaluated example.
	Labels, Predictions []int

	// Probabilities averaged over the test-time augmentation passes.
	Probabilities [][]float64
}

// number marshals NaN and infinities as JSON null.
type number float64

// MarshalJSON implements json.Marshaler.
func (n number) MarshalJSON() ([]byte, error) {
	v := float64(n)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type jsonClass struct {
	Name      string `json:"name"`
	Precision number `json:"precision"`
	Recall    number `json:"recall"`
	F1        number `json:"f1"`
	Support   int    `json:"support"`
	Accuracy  number `json:"accuracy"`
	ROCAUC    number `json:"roc_auc"`
}

type jsonCurve struct {
	Class      string   `json:"class"`
	X          []number `json:"x"`
	Y          []number `json:"y"`
	Thresholds []number `json:"thresholds,omitempty"`
}

func toNumbers(values []float64) []number {
	numbers := make([]number, len(values))
	for ii, v := range values {
		numbers[ii] = number(v)
	}
	return numbers
}

func toJSONCurves(curves []metrics.Curve) []jsonCurve {
	var jc []jsonCurve
	for _, c := range curves {
		jc = append(jc, jsonCurve{Class: c.Class, X: toNumbers(c.X), Y: toNumbers(c.Y), Thresholds: toNumbers(c.Thresholds)})
	}
	return jc
}

type jsonEpoch struct {
	Epoch              int    `json:"epoch"`
	TrainLoss          number `json:"train_loss"`
	TrainAccuracy      number `json:"train_accuracy"`
	ValidationLoss     number `json:"val_loss"`
	ValidationAccuracy number `json:"val_accuracy"`
}

type jsonEvaluation struct {
	NumExamples       int         `json:"num_examples"`
	Accuracy          number      `json:"accuracy"`
	MacroPrecision    number      `json:"macro_precision"`
	MacroRecall       number      `json:"macro_recall"`
	MacroF1           number      `json:"macro_f1"`
	MacroROCAUC       number      `json:"macro_roc_auc"`
	WeightedPrecision number      `json:"weighted_precision"`
	WeightedRecall    number      `json:"weighted_recall"`
	WeightedF1        number      `json:"weighted_f1"`
	PerClass          []jsonClass `json:"per_class"`
	ConfusionMatrix   [][]int     `json:"confusion_matrix"`
	ClassesWithoutROC []string    `json:"classes_without_roc,omitempty"`
	ROCCurves         []jsonCurve `json:"roc_curves,omitempty"`
	PRCurves          []jsonCurve `json:"pr_curves,omitempty"`
}

type jsonBalanceClass struct {
	Class   string `json:"class"`
	Action  string `json:"action"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

type jsonBalance struct {
	Target  int                `json:"target"`
	MaxCap  int                `json:"max_cap,omitempty"`
	Classes []jsonBalanceClass `json:"classes"`
}

type jsonReport struct {
	ClassNames []string        `json:"class_names,omitempty"`
	Balance    *jsonBalance    `json:"balance,omitempty"`
	History    []jsonEpoch     `json:"history,omitempty"`
	BestEpoch  *int            `json:"best_epoch,omitempty"`
	Evaluation *jsonEvaluation `json:"evaluation,omitempty"`
}

func toJSONReport(a *Artifacts) *jsonReport {
	r := &jsonReport{}
	if a.Balance != nil {
		b := &jsonBalance{Target: a.Balance.Target, MaxCap: a.Balance.MaxCap}
		for _, c := range a.Balance.Classes {
			b.Classes = append(b.Classes, jsonBalanceClass{
				Class: c.Class, Action: c.Action.String(),
				Before: c.Before, After: c.After, Added: c.Added, Removed: c.Removed,
			})
		}
		r.Balance = b
	}
	for _, e := range a.History {
		r.History = append(r.History, jsonEpoch{
			Epoch:              e.Epoch,
			TrainLoss:          number(e.TrainLoss),
			TrainAccuracy:      number(e.TrainAccuracy),
			ValidationLoss:     number(e.ValidationLoss),
			ValidationAccuracy: number(e.ValidationAccuracy),
		})
	}
	if best := a.History.Best(); best >= 0 {
		epoch := a.History[best].Epoch
		r.BestEpoch = &epoch
	}
	if e := a.Evaluation; e != nil {
		r.ClassNames = e.ClassNames
		je := &jsonEvaluation{
			NumExamples:       e.NumExamples,
			Accuracy:          number(e.Accuracy),
			MacroPrecision:    number(e.MacroPrecision),
			MacroRecall:       number(e.MacroRecall),
			MacroF1:           number(e.MacroF1),
			MacroROCAUC:       number(e.MacroROCAUC),
			WeightedPrecision: number(e.WeightedPrecision),
			WeightedRecall:    number(e.WeightedRecall),
			WeightedF1:        number(e.WeightedF1),
			ConfusionMatrix:   e.ConfusionMatrix,
			ClassesWithoutROC: e.ClassesWithoutROC,
			ROCCurves:         toJSONCurves(e.ROCCurves),
			PRCurves:          toJSONCurves(e.PRCurves),
		}
		for _, m := range e.PerClass {
			je.PerClass = append(je.PerClass, jsonClass{
				Name: m.Name, Precision: number(m.Precision), Recall: number(m.Recall), F1: number(m.F1),
				Support: m.Support, Accuracy: number(m.Accuracy), ROCAUC: number(m.ROCAUC),
			})
		}
		r.Evaluation = je
	}
	return r
}

// WriteArtifacts saves the report as JSON, and the training history and the per-example predictions as CSV
// files into dir, which is created if needed.
func WriteArtifacts(dir string, a *Artifacts) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create reports directory %q", dir)
	}
	data, err := json.MarshalIndent(toJSONReport(a), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	reportPath := filepath.Join(dir, ReportFile)
	if err = os.WriteFile(reportPath, append(data, '\n'), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", reportPath)
	}
	klog.V(1).Infof("Wrote %s", reportPath)

	if len(a.History) > 0 {
		if err = writeCSV(filepath.Join(dir, HistoryFile), historyFrame(a.History)); err != nil {
			return err
		}
	}
	if len(a.Predictions) > 0 {
		df, err := predictionsFrame(a)
		if err != nil {
			return err
		}
		if err = writeCSV(filepath.Join(dir, PredictionsFile), df); err != nil {
			return err
		}
	}
	return nil
}

func historyFrame(h engine.History) dataframe.DataFrame {
	epochs := make([]int, len(h))
	trainLoss := make([]float64, len(h))
	trainAcc := make([]float64, len(h))
	valLoss := make([]float64, len(h))
	valAcc := make([]float64, len(h))
	for ii, e := range h {
		epochs[ii] = e.Epoch
		trainLoss[ii], trainAcc[ii] = e.TrainLoss, e.TrainAccuracy
		valLoss[ii], valAcc[ii] = e.ValidationLoss, e.ValidationAccuracy
	}
	return dataframe.New(
		series.New(epochs, series.Int, "epoch"),
		series.New(trainLoss, series.Float, "train_loss"),
		series.New(trainAcc, series.Float, "train_accuracy"),
		series.New(valLoss, series.Float, "val_loss"),
		series.New(valAcc, series.Float, "val_accuracy"),
	)
}

func predictionsFrame(a *Artifacts) (dataframe.DataFrame, error) {
	n := len(a.Predictions)
	if len(a.Labels) != n {
		return dataframe.DataFrame{}, errors.Errorf("got %d labels for %d predictions", len(a.Labels), n)
	}
	var classNames []string
	if a.Evaluation != nil {
		classNames = a.Evaluation.ClassNames
	}
	className := func(idx int) string {
		if idx >= 0 && idx < len(classNames) {
			return classNames[idx]
		}
		return strconv.Itoa(idx)
	}
	paths := make([]string, n)
	labels := make([]string, n)
	preds := make([]string, n)
	for ii := range n {
		if ii < len(a.Paths) {
			paths[ii] = a.Paths[ii]
		}
		labels[ii] = className(a.Labels[ii])
		preds[ii] = className(a.Predictions[ii])
	}
	columns := []series.Series{
		series.New(paths, series.String, "path"),
		series.New(labels, series.String, "label"),
		series.New(preds, series.String, "prediction"),
	}
	if len(a.Probabilities) == n && n > 0 {
		for class := range a.Probabilities[0] {
			probs := make([]float64, n)
			for ii, row := range a.Probabilities {
				probs[ii] = row[class]
			}
			columns = append(columns, series.New(probs, series.Float, "p_"+className(class)))
		}
	}
	df := dataframe.New(columns...)
	return df, df.Err
}

func writeCSV(path string, df dataframe.DataFrame) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", path)
	}
	klog.V(1).Infof("Wrote %s", path)
	return nil
}
