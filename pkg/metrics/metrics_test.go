package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testClasses = []string{"akiec", "bcc", "mel"}
	testLabels  = []int{0, 0, 1, 1, 2, 2}
	testProbs   = [][]float64{
		{0.8, 0.1, 0.1},
		{0.3, 0.6, 0.1},
		{0.2, 0.7, 0.1},
		{0.1, 0.8, 0.1},
		{0.1, 0.2, 0.7},
		{0.5, 0.1, 0.4},
	}
)

func TestEvaluate(t *testing.T) {
	r, err := Evaluate(testLabels, testProbs, testClasses)
	require.NoError(t, err)
	assert.Equal(t, 6, r.NumExamples)
	assert.Equal(t, [][]int{{1, 1, 0}, {0, 2, 0}, {1, 0, 1}}, r.ConfusionMatrix)
	assert.InDelta(t, 4.0/6.0, r.Accuracy, 1e-9)

	want := []struct{ p, r, f1 float64 }{{0.5, 0.5, 0.5}, {2.0 / 3.0, 1, 0.8}, {1, 0.5, 2.0 / 3.0}}
	for c, w := range want {
		m := r.PerClass[c]
		assert.Equal(t, testClasses[c], m.Name)
		assert.InDelta(t, w.p, m.Precision, 1e-9, "precision of %s", m.Name)
		assert.InDelta(t, w.r, m.Recall, 1e-9, "recall of %s", m.Name)
		assert.InDelta(t, w.f1, m.F1, 1e-9, "f1 of %s", m.Name)
		assert.Equal(t, 2, m.Support)
		assert.Equal(t, m.Recall, m.Accuracy)
		assert.Equal(t, 6, m.TN+m.FP+m.FN+m.TP)
	}
	akiec := r.PerClass[0]
	assert.Equal(t, []int{3, 1, 1, 1}, []int{akiec.TN, akiec.FP, akiec.FN, akiec.TP})

	assert.InDelta(t, (0.5+2.0/3.0+1)/3, r.MacroPrecision, 1e-9)
	assert.InDelta(t, 2.0/3.0, r.MacroRecall, 1e-9)
	assert.InDelta(t, (0.5+0.8+2.0/3.0)/3, r.MacroF1, 1e-9)
	// Balanced supports: weighted equals macro.
	assert.InDelta(t, r.MacroF1, r.WeightedF1, 1e-9)

	assert.InDelta(t, 0.875, r.PerClass[0].ROCAUC, 1e-9)
	assert.InDelta(t, 1.0, r.PerClass[1].ROCAUC, 1e-9)
	assert.InDelta(t, 1.0, r.PerClass[2].ROCAUC, 1e-9)
	assert.InDelta(t, (0.875+2)/3, r.MacroROCAUC, 1e-9)
	assert.Len(t, r.ROCCurves, 3)
	assert.Len(t, r.PRCurves, 3)
	assert.Empty(t, r.ClassesWithoutROC)
}

func TestEvaluate_MissingClass(t *testing.T) {
	// No example of "mel": its metrics are zero and it has no ROC curve.
	labels := []int{0, 1, 1, 0}
	probs := [][]float64{{0.9, 0.05, 0.05}, {0.2, 0.7, 0.1}, {0.1, 0.3, 0.6}, {0.6, 0.3, 0.1}}
	r, err := Evaluate(labels, probs, testClasses)
	require.NoError(t, err)
	mel := r.PerClass[2]
	assert.Equal(t, 0, mel.Support)
	assert.Equal(t, 0.0, mel.Precision)
	assert.Equal(t, 0.0, mel.Recall)
	assert.Equal(t, 0.0, mel.F1)
	assert.True(t, math.IsNaN(mel.ROCAUC))
	assert.Equal(t, []string{"mel"}, r.ClassesWithoutROC)
	assert.Len(t, r.ROCCurves, 2)
	assert.Len(t, r.PRCurves, 2)
	assert.False(t, math.IsNaN(r.MacroROCAUC))
}

func TestEvaluate_Errors(t *testing.T) {
	_, err := Evaluate(testLabels, testProbs, nil)
	require.Error(t, err)
	_, err = Evaluate(nil, nil, testClasses)
	require.Error(t, err)
	_, err = Evaluate(testLabels[:2], testProbs, testClasses)
	require.Error(t, err)
	_, err = Evaluate([]int{5}, [][]float64{{1, 0, 0}}, testClasses)
	require.Error(t, err)
	_, err = Evaluate([]int{0}, [][]float64{{1, 0}}, testClasses)
	require.Error(t, err)
}

func TestROC(t *testing.T) {
	curve, auc, ok := ROC([]float64{0.9, 0.1, 0.8, 0.3}, []bool{true, false, true, false})
	require.True(t, ok)
	assert.InDelta(t, 1.0, auc, 1e-9)
	assert.Equal(t, len(curve.X), len(curve.Y))
	assert.Equal(t, 0.0, curve.X[0])
	assert.Equal(t, 1.0, curve.X[len(curve.X)-1])

	_, auc, ok = ROC([]float64{0.9, 0.1, 0.8, 0.3}, []bool{false, true, false, true})
	require.True(t, ok)
	assert.InDelta(t, 0.0, auc, 1e-9)

	_, auc, ok = ROC([]float64{0.9, 0.1}, []bool{false, false})
	assert.False(t, ok)
	assert.True(t, math.IsNaN(auc))
}

func TestPrecisionRecall(t *testing.T) {
	curve := PrecisionRecall([]float64{0.1, 0.9, 0.3, 0.8}, []bool{false, true, true, false})
	assert.Equal(t, []float64{0, 0.5, 0.5, 1, 1}, curve.X)
	require.Len(t, curve.Y, 5)
	assert.InDelta(t, 1.0, curve.Y[1], 1e-9)
	assert.InDelta(t, 0.5, curve.Y[2], 1e-9)
	assert.InDelta(t, 2.0/3.0, curve.Y[3], 1e-9)
	assert.InDelta(t, 0.5, curve.Y[4], 1e-9)
	assert.Equal(t, []float64{math.Inf(1), 0.9, 0.8, 0.3, 0.1}, curve.Thresholds)

	// Ties produce a single point.
	curve = PrecisionRecall([]float64{0.5, 0.5, 0.2}, []bool{true, false, true})
	assert.Equal(t, []float64{0, 0.5, 1}, curve.X)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, []int{0, 1, 1, 1, 2, 0}, Argmax(testProbs))
	assert.Equal(t, []int{0}, Argmax([][]float64{{0.5, 0.5}}))
}
