// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics computes the evaluation metrics of a multi-class classifier from its predicted
// probabilities: accuracy, per-class and macro precision, recall and F1, confusion matrices, and
// one-vs-rest ROC and precision-recall curves.
package metrics

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ClassMetrics holds the one-vs-rest metrics of one class.
type ClassMetrics struct {
	Name string

	Precision, Recall, F1 float64

	// Support is the number of examples whose true label is the class.
	Support int

	// Accuracy is the fraction of the class examples correctly predicted.
	Accuracy float64

	// ROCAUC is NaN if the class has no positive or no negative examples.
	ROCAUC float64

	// Binary confusion matrix of the class against all others.
	TN, FP, FN, TP int
}

// Curve of a class. For ROC curves X is the false positive rate and Y the true positive rate,
// for precision-recall curves X is the recall and Y the precision.
type Curve struct {
	Class      string
	X, Y       []float64
	Thresholds []float64
}

// Report with all metrics.
type Report struct {
	ClassNames  []string
	NumExamples int

	Accuracy float64

	// Macro averages weigh every class equally.
	MacroPrecision, MacroRecall, MacroF1 float64

	// MacroROCAUC averages the ROC-AUC of the classes that have both positive and negative examples.
	MacroROCAUC float64

	// Weighted averages weigh each class by its support.
	WeightedPrecision, WeightedRecall, WeightedF1 float64

	PerClass []ClassMetrics

	// ConfusionMatrix[true][predicted] counts examples.
	ConfusionMatrix [][]int

	ROCCurves, PRCurves []Curve

	// ClassesWithoutROC lists classes excluded from MacroROCAUC.
	ClassesWithoutROC []string
}

// Argmax returns the index of the largest value of each row, the first one in case of ties.
func Argmax(probs [][]float64) []int {
	preds := make([]int, len(probs))
	for ii, row := range probs {
		preds[ii] = floats.MaxIdx(row)
	}
	return preds
}

// ConfusionMatrix counts examples per true (row) and predicted (column) class.
func ConfusionMatrix(yTrue, yPred []int, numClasses int) [][]int {
	matrix := make([][]int, numClasses)
	for ii := range matrix {
		matrix[ii] = make([]int, numClasses)
	}
	for ii, label := range yTrue {
		matrix[label][yPred[ii]]++
	}
	return matrix
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Evaluate computes all metrics, given the true labels and the predicted probabilities, one row per example
// and one column per class. Predictions are the argmax of each row.
func Evaluate(yTrue []int, probs [][]float64, classNames []string) (*Report, error) {
	numClasses := len(classNames)
	if numClasses == 0 {
		return nil, errors.New("metrics: no classes given")
	}
	if len(yTrue) == 0 {
		return nil, errors.New("metrics: no examples to evaluate")
	}
	if len(yTrue) != len(probs) {
		return nil, errors.Errorf("metrics: %d labels but %d prediction rows", len(yTrue), len(probs))
	}
	for ii, row := range probs {
		if len(row) != numClasses {
			return nil, errors.Errorf("metrics: prediction row #%d has %d values, wanted %d", ii, len(row), numClasses)
		}
		if label := yTrue[ii]; label < 0 || label >= numClasses {
			return nil, errors.Errorf("metrics: label %d of example #%d out of range [0, %d)", label, ii, numClasses)
		}
	}

	n := len(yTrue)
	yPred := Argmax(probs)
	r := &Report{
		ClassNames:      classNames,
		NumExamples:     n,
		ConfusionMatrix: ConfusionMatrix(yTrue, yPred, numClasses),
		PerClass:        make([]ClassMetrics, numClasses),
	}
	correct := 0
	for c := range numClasses {
		correct += r.ConfusionMatrix[c][c]
	}
	r.Accuracy = float64(correct) / float64(n)

	precisions := make([]float64, numClasses)
	recalls := make([]float64, numClasses)
	f1s := make([]float64, numClasses)
	supports := make([]float64, numClasses)
	var aucs []float64
	scores := make([]float64, n)
	positives := make([]bool, n)
	for c, name := range classNames {
		m := &r.PerClass[c]
		m.Name = name
		for t := range numClasses {
			for p := range numClasses {
				count := r.ConfusionMatrix[t][p]
				switch {
				case t == c && p == c:
					m.TP += count
				case t == c:
					m.FN += count
				case p == c:
					m.FP += count
				default:
					m.TN += count
				}
			}
		}
		m.Support = m.TP + m.FN
		m.Precision = safeDiv(float64(m.TP), float64(m.TP+m.FP))
		m.Recall = safeDiv(float64(m.TP), float64(m.TP+m.FN))
		m.F1 = safeDiv(2*m.Precision*m.Recall, m.Precision+m.Recall)
		m.Accuracy = m.Recall
		precisions[c], recalls[c], f1s[c], supports[c] = m.Precision, m.Recall, m.F1, float64(m.Support)

		for ii, row := range probs {
			scores[ii] = row[c]
			positives[ii] = yTrue[ii] == c
		}
		roc, auc, ok := ROC(scores, positives)
		m.ROCAUC = auc
		if ok {
			aucs = append(aucs, auc)
			roc.Class = name
			r.ROCCurves = append(r.ROCCurves, roc)
		} else {
			r.ClassesWithoutROC = append(r.ClassesWithoutROC, name)
		}
		if m.Support > 0 {
			pr := PrecisionRecall(scores, positives)
			pr.Class = name
			r.PRCurves = append(r.PRCurves, pr)
		}
	}
	r.MacroPrecision = stat.Mean(precisions, nil)
	r.MacroRecall = stat.Mean(recalls, nil)
	r.MacroF1 = stat.Mean(f1s, nil)
	r.WeightedPrecision = stat.Mean(precisions, supports)
	r.WeightedRecall = stat.Mean(recalls, supports)
	r.WeightedF1 = stat.Mean(f1s, supports)
	r.MacroROCAUC = math.NaN()
	if len(aucs) > 0 {
		r.MacroROCAUC = stat.Mean(aucs, nil)
	}
	return r, nil
}

// sortedByScore returns copies of scores and positives sorted by increasing score.
func sortedByScore(scores []float64, positives []bool) ([]float64, []bool) {
	sortedScores := slices.Clone(scores)
	indices := make([]int, len(scores))
	floats.Argsort(sortedScores, indices)
	sortedPositives := make([]bool, len(positives))
	for ii, idx := range indices {
		sortedPositives[ii] = positives[idx]
	}
	return sortedScores, sortedPositives
}

// ROC computes the one-vs-rest receiver operating characteristic curve of the scores, and the area under it.
// ok is false, and auc NaN, if there are no positive or no negative examples.
func ROC(scores []float64, positives []bool) (curve Curve, auc float64, ok bool) {
	numPositives := 0
	for _, p := range positives {
		if p {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(positives) {
		return Curve{}, math.NaN(), false
	}
	sortedScores, sortedPositives := sortedByScore(scores, positives)
	tpr, fpr, thresholds := stat.ROC(nil, sortedScores, sortedPositives, nil)
	curve = Curve{X: fpr, Y: tpr, Thresholds: thresholds}
	auc = integrate.Trapezoidal(fpr, tpr)
	return curve, auc, true
}

// PrecisionRecall computes the precision-recall curve of the scores, one point per distinct threshold in
// decreasing order, starting at recall 0 and precision 1.
func PrecisionRecall(scores []float64, positives []bool) Curve {
	sortedScores, sortedPositives := sortedByScore(scores, positives)
	numPositives := 0
	for _, p := range sortedPositives {
		if p {
			numPositives++
		}
	}
	curve := Curve{X: []float64{0}, Y: []float64{1}, Thresholds: []float64{math.Inf(1)}}
	tp, fp := 0, 0
	for ii := len(sortedScores) - 1; ii >= 0; ii-- {
		if sortedPositives[ii] {
			tp++
		} else {
			fp++
		}
		if ii > 0 && sortedScores[ii-1] == sortedScores[ii] {
			// Same threshold: accumulate all ties before emitting a point.
			continue
		}
		curve.X = append(curve.X, safeDiv(float64(tp), float64(numPositives)))
		curve.Y = append(curve.Y, safeDiv(float64(tp), float64(tp+fp)))
		curve.Thresholds = append(curve.Thresholds, sortedScores[ii])
	}
	return curve
}
