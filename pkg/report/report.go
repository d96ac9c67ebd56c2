// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report prints the pipeline results as terminal tables and writes them as JSON and CSV artifacts.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/skinlesion/pkg/balance"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/metrics"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatPercent(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", 100*v)
}

// PrintClassCounts prints the number of images per class, and their total.
func PrintClassCounts(w io.Writer, title string, classNames []string, counts []int) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Class", "Images", "Share")
	total := 0
	for _, count := range counts {
		total += count
	}
	for ii, name := range classNames {
		share := 0.0
		if total > 0 {
			share = float64(counts[ii]) / float64(total)
		}
		t.Row(counts[ii] == 0, name, humanize.Comma(int64(counts[ii])), formatPercent(share))
	}
	t.Row(false, "total", humanize.Comma(int64(total)), formatPercent(1))
	_, _ = fmt.Fprintln(w, t.Render())
}

// PrintClassification prints the probability of each class for one image, highlighting the most likely one.
func PrintClassification(w io.Writer, title string, classNames []string, probs []float32) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	best := 0
	for ii, p := range probs {
		if p > probs[best] {
			best = ii
		}
	}
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Class", "Probability")
	for ii, name := range classNames {
		t.Row(ii == best, name, formatPercent(float64(probs[ii])))
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// PrintBalance prints the class counts before and after balancing.
func PrintBalance(w io.Writer, r *balance.Report) {
	title := fmt.Sprintf("Class balancing (target %s", humanize.Comma(int64(r.Target)))
	if r.MaxCap > 0 {
		title += fmt.Sprintf(", max %s", humanize.Comma(int64(r.MaxCap)))
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(title+")"))
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers("Class", "Before", "After", "Added", "Removed", "Action")
	for _, c := range r.Classes {
		t.Row(c.Action != balance.Unchanged, c.Class,
			humanize.Comma(int64(c.Before)), humanize.Comma(int64(c.After)),
			humanize.Comma(int64(c.Added)), humanize.Comma(int64(c.Removed)), c.Action.String())
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// PrintHistory prints the per-epoch training history, highlighting the best validation accuracy.
func PrintHistory(w io.Writer, h engine.History) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Training history"))
	t := newTable(lipgloss.Right)
	t.Headers("Epoch", "Train loss", "Train acc", "Val loss", "Val acc")
	best := h.Best()
	for ii, e := range h {
		t.Row(ii == best, strconv.Itoa(e.Epoch),
			formatFloat(e.TrainLoss), formatPercent(e.TrainAccuracy),
			formatFloat(e.ValidationLoss), formatPercent(e.ValidationAccuracy))
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// PrintEvaluation prints the overall metrics, the per-class classification report and the confusion matrix.
func PrintEvaluation(w io.Writer, r *metrics.Report) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Evaluation (%s examples)", humanize.Comma(int64(r.NumExamples)))))
	summary := newTable(lipgloss.Right, lipgloss.Left)
	summary.Row(false, "accuracy", formatPercent(r.Accuracy))
	summary.Row(false, "macro precision", formatFloat(r.MacroPrecision))
	summary.Row(false, "macro recall", formatFloat(r.MacroRecall))
	summary.Row(false, "macro F1", formatFloat(r.MacroF1))
	summary.Row(false, "macro ROC-AUC", formatFloat(r.MacroROCAUC))
	summary.Row(false, "weighted F1", formatFloat(r.WeightedF1))
	_, _ = fmt.Fprintln(w, summary.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Classification report"))
	perClass := newTable(lipgloss.Left, lipgloss.Right)
	perClass.Headers("Class", "Precision", "Recall", "F1", "Support", "Accuracy", "ROC-AUC")
	for _, m := range r.PerClass {
		perClass.Row(m.Support == 0, m.Name, formatFloat(m.Precision), formatFloat(m.Recall), formatFloat(m.F1),
			humanize.Comma(int64(m.Support)), formatPercent(m.Accuracy), formatFloat(m.ROCAUC))
	}
	_, _ = fmt.Fprintln(w, perClass.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Confusion matrix (rows: true, columns: predicted)"))
	confusion := newTable(lipgloss.Left, lipgloss.Right)
	confusion.Headers(append([]string{""}, r.ClassNames...)...)
	for ii, row := range r.ConfusionMatrix {
		cells := make([]string, 0, len(row)+1)
		cells = append(cells, r.ClassNames[ii])
		for _, count := range row {
			cells = append(cells, humanize.Comma(int64(count)))
		}
		confusion.Row(false, cells...)
	}
	_, _ = fmt.Fprintln(w, confusion.Render())
	if len(r.ClassesWithoutROC) > 0 {
		_, _ = fmt.Fprintf(w, "ROC-AUC undefined (no positive or negative examples) for: %q\n", r.ClassesWithoutROC)
	}
}
