// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/skinlesion/pkg/balance"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/report"
	"github.com/gomlx/skinlesion/pkg/tta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// classLevels is the gray level of the images of each class.
var classLevels = map[string]uint8{"akiec": 40, "mel": 120, "nv": 200}

// writeDataset creates a flat images directory and its metadata CSV.
func writeDataset(t *testing.T, dir string, counts map[string]int) (imagesDir, metadataPath string) {
	imagesDir = filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(imagesDir, 0755))
	rows := []string{"lesion_id,image_id,dx"}
	for class, count := range counts {
		for ii := range count {
			id := fmt.Sprintf("ISIC_%s_%02d", class, ii)
			img := image.NewGray(image.Rect(0, 0, 16, 16))
			for p := range img.Pix {
				img.Pix[p] = classLevels[class]
			}
			require.NoError(t, imaging.Save(img, filepath.Join(imagesDir, id+".png")))
			rows = append(rows, fmt.Sprintf("L%s%d,%s,%s", class, ii, id, class))
		}
	}
	metadataPath = filepath.Join(dir, "metadata.csv")
	require.NoError(t, os.WriteFile(metadataPath, []byte(strings.Join(rows, "\n")+"\n"), 0644))
	return
}

// brightnessModel predicts the class whose gray level is the closest to the mean pixel value of the image.
type brightnessModel struct {
	classNames   []string
	trained      bool
	weightsSeen  bool
	trainBatches int
}

func (m *brightnessModel) Train(trainDS, valDS engine.Dataset) (engine.History, error) {
	m.trained = true
	for range trainDS.StepsPerPass() {
		_, _, labels, err := trainDS.Yield()
		if err != nil {
			return nil, err
		}
		m.weightsSeen = len(labels) == 2
		m.trainBatches++
	}
	return engine.History{{Epoch: 1, TrainLoss: 1, TrainAccuracy: 0.5, ValidationLoss: 1, ValidationAccuracy: 0.5}}, nil
}

func (m *brightnessModel) Predict(inputs []*tensors.Tensor) ([][]float32, error) {
	dims := inputs[0].Shape().Dimensions
	flat := tensors.MustCopyFlatData[float32](inputs[0])
	perImage := len(flat) / dims[0]
	probs := make([][]float32, dims[0])
	for ii := range probs {
		var sum float64
		for _, v := range flat[ii*perImage : (ii+1)*perImage] {
			sum += float64(v)
		}
		mean := 255 * sum / float64(perImage)
		probs[ii] = make([]float32, len(m.classNames))
		best, bestDist := 0, math.Inf(1)
		for c, name := range m.classNames {
			if dist := math.Abs(mean - float64(classLevels[name])); dist < bestDist {
				best, bestDist = c, dist
			}
		}
		probs[ii][best] = 1
	}
	return probs, nil
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	imagesDir, metadataPath := writeDataset(t, dir, map[string]int{"akiec": 3, "mel": 6, "nv": 10})
	cfg := DefaultConfig()
	cfg.ImagesDir = imagesDir
	cfg.MetadataPath = metadataPath
	cfg.CategoriesDir = filepath.Join(dir, "Categories")
	cfg.ReportsDir = filepath.Join(dir, "reports")
	cfg.ImageSize = 8
	cfg.BatchSize = 4
	cfg.EvalBatchSize = 3
	cfg.Parallelism = 2

	model := &brightnessModel{}
	var out bytes.Buffer
	outcome, err := Run(cfg, func(_ *Config, classNames []string) (tta.Model, error) {
		model.classNames = classNames
		return model, nil
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, 19, outcome.Organize.Copied)
	require.NotNil(t, outcome.Balance)
	assert.Equal(t, 6, outcome.Balance.Target)
	assert.Equal(t, balance.ClassCounts{"akiec": 6, "mel": 6, "nv": 10}, outcome.Balance.After())
	assert.Equal(t, []string{"akiec", "mel", "nv"}, outcome.ClassNames)

	// Training: 5+5+8 images in batches of 4, with class weights.
	assert.True(t, model.trained)
	assert.True(t, model.weightsSeen)
	assert.Equal(t, 5, model.trainBatches)
	assert.InDelta(t, 18.0/(3*5), outcome.ClassWeights[0], 1e-9)
	assert.InDelta(t, 18.0/(3*8), outcome.ClassWeights[2], 1e-9)

	// Validation: floor(0.2·6)=1, floor(0.2·6)=1 and floor(0.2·10)=2 images, all original ones.
	require.Len(t, outcome.TTA.Probabilities, 4)
	assert.Equal(t, []int{0, 1, 2, 2}, outcome.TTA.Labels)
	assert.Equal(t, outcome.TTA.Labels, outcome.TTA.Predictions)
	assert.Equal(t, 1.0, outcome.Metrics.Accuracy)
	assert.Len(t, outcome.History, 1)

	assert.Contains(t, out.String(), "Confusion matrix")
	for _, name := range []string{report.ReportFile, report.HistoryFile, report.PredictionsFile} {
		_, err := os.Stat(filepath.Join(cfg.ReportsDir, name))
		assert.NoError(t, err, name)
	}

	// Re-running on the prepared folders, evaluation only, gives the same result.
	cfg.SkipOrganize, cfg.SkipBalance, cfg.EvalOnly = true, true, true
	model = &brightnessModel{}
	again, err := Run(cfg, func(_ *Config, classNames []string) (tta.Model, error) {
		model.classNames = classNames
		return model, nil
	}, nil)
	require.NoError(t, err)
	assert.False(t, model.trained)
	assert.Nil(t, again.Balance)
	assert.Equal(t, outcome.TTA.Predictions, again.TTA.Predictions)
}

func TestRunNotTrainable(t *testing.T) {
	dir := t.TempDir()
	imagesDir, metadataPath := writeDataset(t, dir, map[string]int{"mel": 5, "nv": 5})
	cfg := DefaultConfig()
	cfg.ImagesDir, cfg.MetadataPath = imagesDir, metadataPath
	cfg.CategoriesDir = filepath.Join(dir, "Categories")
	cfg.ImageSize = 8
	_, err := Run(cfg, func(_ *Config, classNames []string) (tta.Model, error) {
		return tta.ModelFunc(func([]*tensors.Tensor) ([][]float32, error) { return nil, nil }), nil
	}, nil)
	assert.ErrorContains(t, err, "can't be trained")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing categories directory")

	cfg.CategoriesDir = "cats"
	cfg.SkipOrganize = true
	cfg.EvalBatchSize = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.BatchSize, cfg.EvalBatchSize)

	for name, breakIt := range map[string]func(c *Config){
		"organize without metadata": func(c *Config) { c.SkipOrganize = false },
		"image size":                func(c *Config) { c.ImageSize = 0 },
		"validation fraction":       func(c *Config) { c.ValidationFraction = 1 },
		"tta passes":                func(c *Config) { c.TTAPasses = 0 },
		"balance target":            func(c *Config) { c.BalanceTarget = -1 },
	} {
		broken := cfg
		breakIt(&broken)
		assert.Error(t, broken.Validate(), name)
	}
}
