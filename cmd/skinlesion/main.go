// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// skinlesion organizes a dermoscopic image dataset into class folders, balances it, trains a classifier
// and evaluates it with test-time augmentation.
//
// Typical usage:
//
//	$ skinlesion -images=~/data/HAM10000_images -metadata=~/data/HAM10000_metadata.csv \
//		-categories=~/data/Categories -checkpoint=~/work/skinlesion/model -reports=~/work/skinlesion/reports \
//		-set="epochs=20;learning_rate=3e-4"
//
// Engine hyperparameters are set with -set, see engine.CreateDefaultContext for the list.
//
// A single image can be classified with an exported model, without touching the dataset:
//
//	$ skinlesion -onnx=~/work/skinlesion/model.onnx -classify=~/data/ISIC_0024306.jpg
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/gomlx/skinlesion/pkg/augment"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/onnxmodel"
	"github.com/gomlx/skinlesion/pkg/pipeline"
	"github.com/gomlx/skinlesion/pkg/report"
	"github.com/gomlx/skinlesion/pkg/tta"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var defaults = pipeline.DefaultConfig()

var (
	flagImages     = flag.String("images", "", "Flat directory with the source images.")
	flagMetadata   = flag.String("metadata", "", "CSV file with the label of each image.")
	flagCategories = flag.String("categories", "~/work/skinlesion/Categories", "Directory where the images are organized in one folder per class. It is balanced in place.")
	flagReports    = flag.String("reports", "", "Directory where report.json, history.csv and predictions.csv are written. If empty, no reports are written.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagOnnx       = flag.String("onnx", "", "Exported ONNX model to evaluate instead of training one. Its metadata is read from the same path with a .json extension.")
	flagClassify   = flag.String("classify", "", "If set, classify this image with the -onnx model, print the class probabilities and exit.")

	flagIDColumn    = flag.String("id_column", defaults.ImageIDColumn, "Metadata column with the image id (the file name without extension).")
	flagLabelColumn = flag.String("label_column", defaults.LabelColumn, "Metadata column with the class label.")

	flagTarget = flag.Int("balance_target", 0, "Number of images per class after balancing. 0 uses the median class count.")
	flagMaxCap = flag.Int("balance_max_cap", 0, "If > 0, classes with more images are undersampled to this number.")

	flagImageSize     = flag.Int("image_size", defaults.ImageSize, "Height and width the images are resized to.")
	flagBatchSize     = flag.Int("batch_size", defaults.BatchSize, "Training batch size.")
	flagEvalBatchSize = flag.Int("eval_batch_size", defaults.EvalBatchSize, "Batch size for validation and test-time augmentation.")
	flagValidation    = flag.Float64("validation_fraction", defaults.ValidationFraction, "Fraction of each class held out for validation.")
	flagEpochs        = flag.Int("epochs", defaults.Epochs, "Number of training epochs. Overridden by -set=\"epochs=...\".")
	flagNormalization = flag.String("normalization", defaults.Normalization.String(), "Pixel normalization: unit, symmetric or raw.")

	flagTTAPasses  = flag.Int("tta_passes", defaults.TTAPasses, "Number of test-time augmentation passes averaged.")
	flagTTAAugment = flag.Bool("tta_augment", false, "Augment the images during the test-time augmentation passes.")

	flagSeed        = flag.Int64("seed", defaults.Seed, "Seed of every random choice.")
	flagParallelism = flag.Int("parallelism", 0, "Parallelism of file operations and image decoding. 0 uses the number of CPUs.")

	flagSkipOrganize = flag.Bool("skip_organize", false, "Skip organizing the images, the categories directory is already populated.")
	flagSkipBalance  = flag.Bool("skip_balance", false, "Skip balancing the classes.")
	flagEvalOnly     = flag.Bool("eval_only", false, "Only evaluate the model from -checkpoint or -onnx, without training.")
	flagVerbose      = flag.Bool("verbose", true, "Show progress bars.")
)

func main() {
	ctx := engine.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if !slices.Contains(paramsSet, engine.ParamEpochs) {
		ctx.SetParam(engine.ParamEpochs, *flagEpochs)
	}

	if *flagClassify != "" {
		if err := classify(*flagOnnx, *flagClassify); err != nil {
			klog.Fatalf("Failed with error: %+v", err)
		}
		return
	}

	cfg := pipeline.DefaultConfig()
	cfg.ImagesDir = *flagImages
	cfg.MetadataPath = *flagMetadata
	cfg.CategoriesDir = *flagCategories
	cfg.ReportsDir = *flagReports
	cfg.CheckpointDir = *flagCheckpoint
	cfg.OnnxModelPath = *flagOnnx
	cfg.ImageIDColumn = *flagIDColumn
	cfg.LabelColumn = *flagLabelColumn
	cfg.BalanceTarget = *flagTarget
	cfg.BalanceMaxCap = *flagMaxCap
	cfg.ImageSize = *flagImageSize
	cfg.BatchSize = *flagBatchSize
	cfg.EvalBatchSize = *flagEvalBatchSize
	cfg.ValidationFraction = *flagValidation
	cfg.Epochs = context.GetParamOr(ctx, engine.ParamEpochs, *flagEpochs)
	cfg.Normalization = must.M1(augment.ParseNormalization(*flagNormalization))
	cfg.TTAPasses = *flagTTAPasses
	cfg.TTAAugment = *flagTTAAugment
	cfg.Seed = *flagSeed
	cfg.Parallelism = *flagParallelism
	cfg.SkipOrganize = *flagSkipOrganize
	cfg.SkipBalance = *flagSkipBalance
	cfg.EvalOnly = *flagEvalOnly || *flagOnnx != ""
	cfg.Verbose = *flagVerbose
	if cfg.EvalOnly && cfg.CheckpointDir == "" && cfg.OnnxModelPath == "" {
		klog.Exitf("-eval_only requires -checkpoint or -onnx")
	}

	var onnxModel *onnxmodel.Model
	newModel := func(cfg *pipeline.Config, classNames []string) (tta.Model, error) {
		if cfg.OnnxModelPath != "" {
			m, err := loadOnnx(cfg.OnnxModelPath)
			if err != nil {
				return nil, err
			}
			onnxModel = m
			if !slices.Equal(m.Metadata.Classes, classNames) {
				return nil, errors.Errorf("ONNX model classes %q don't match the dataset classes %q",
					m.Metadata.Classes, classNames)
			}
			if m.Metadata.ImageSize != cfg.ImageSize {
				return nil, errors.Errorf("ONNX model takes %dx%d images, set -image_size=%d",
					m.Metadata.ImageSize, m.Metadata.ImageSize, m.Metadata.ImageSize)
			}
			return m, nil
		}
		backend := backends.MustNew()
		klog.Infof("Backend: %s", backend.Description())
		if cfg.EvalOnly {
			e, err := engine.Load(backend, cfg.CheckpointDir)
			if err != nil {
				return nil, err
			}
			if e.NumClasses() != len(classNames) {
				return nil, errors.Errorf("model in %q has %d classes, the dataset has %d",
					cfg.CheckpointDir, e.NumClasses(), len(classNames))
			}
			return e, nil
		}
		return engine.New(backend, ctx, len(classNames), cfg.CheckpointDir, paramsSet)
	}

	_, err := pipeline.Run(cfg, newModel, os.Stdout)
	if onnxModel != nil {
		onnxModel.Close()
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// loadOnnx loads the exported model, with the metadata file next to it.
func loadOnnx(modelPath string) (*onnxmodel.Model, error) {
	modelPath, err := fsutil.ReplaceTildeInDir(modelPath)
	if err != nil {
		return nil, err
	}
	metadataPath := strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
	return onnxmodel.Load(modelPath, metadataPath)
}

// classify prints the class probabilities of one image.
func classify(modelPath, imagePath string) error {
	if modelPath == "" {
		return errors.New("-classify requires -onnx")
	}
	m, err := loadOnnx(modelPath)
	if err != nil {
		return err
	}
	defer m.Close()
	imagePath, err = fsutil.ReplaceTildeInDir(imagePath)
	if err != nil {
		return err
	}
	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return errors.Wrapf(err, "failed to read image %q", imagePath)
	}
	class, probs, err := m.ClassifyImage(img)
	if err != nil {
		return err
	}
	report.PrintClassification(os.Stdout, fmt.Sprintf("%s: %s", filepath.Base(imagePath), class), m.Metadata.Classes, probs)
	return nil
}
