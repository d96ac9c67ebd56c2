// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the whole skin lesion classification flow: organize the images into class folders,
// balance the classes, split them into training and validation sequences, compute class weights, train the
// model, evaluate it with test-time augmentation and report the metrics.
package pipeline

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/gomlx/skinlesion/pkg/augment"
	"github.com/gomlx/skinlesion/pkg/balance"
	"github.com/gomlx/skinlesion/pkg/classweights"
	"github.com/gomlx/skinlesion/pkg/dataset"
	"github.com/gomlx/skinlesion/pkg/engine"
	"github.com/gomlx/skinlesion/pkg/metrics"
	"github.com/gomlx/skinlesion/pkg/organize"
	"github.com/gomlx/skinlesion/pkg/report"
	"github.com/gomlx/skinlesion/pkg/tta"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a pipeline run.
type Config struct {
	// ImagesDir is the flat directory with the source images, and MetadataPath the CSV that labels them.
	ImagesDir, MetadataPath string

	// CategoriesDir receives one folder per class. It is balanced in place.
	CategoriesDir string

	// ReportsDir receives report.json, history.csv and predictions.csv. Nothing is written if empty.
	ReportsDir string

	// CheckpointDir holds the model checkpoints. Used by the model factory.
	CheckpointDir string

	// OnnxModelPath, if set, is an exported model evaluated instead of the trained one. Used by the model factory.
	OnnxModelPath string

	// ImageIDColumn and LabelColumn of the metadata CSV.
	ImageIDColumn, LabelColumn string

	// BalanceTarget is the number of images per class after balancing. 0 uses the median count.
	BalanceTarget int

	// BalanceMaxCap, if > 0, undersamples classes above it.
	BalanceMaxCap int

	// ImageSize is the height and width the images are resized to.
	ImageSize int

	// BatchSize for training, and EvalBatchSize for validation and test-time augmentation.
	BatchSize, EvalBatchSize int

	// ValidationFraction of each class held out for validation.
	ValidationFraction float64

	// Epochs of training.
	Epochs int

	// TTAPasses is the number of inference passes averaged.
	TTAPasses int

	// TTAAugment applies augment.TTAPolicy during the test-time augmentation passes, so they differ.
	TTAAugment bool

	// Seed of every random choice of the run.
	Seed int64

	// Parallelism of the file operations and image decoding. 0 uses the number of CPUs.
	Parallelism int

	// Normalization of the pixel values fed to the model.
	Normalization augment.Normalization

	// SkipOrganize and SkipBalance skip those steps, for when CategoriesDir is already prepared.
	SkipOrganize, SkipBalance bool

	// EvalOnly skips training: the model given by the factory is evaluated as is.
	EvalOnly bool

	// Verbose shows progress bars for the long file operations.
	Verbose bool
}

// DefaultConfig returns the default configuration. Paths are left empty.
func DefaultConfig() Config {
	return Config{
		ImageIDColumn:      organize.DefaultImageIDColumn,
		LabelColumn:        organize.DefaultLabelColumn,
		ImageSize:          380,
		BatchSize:          32,
		EvalBatchSize:      32,
		ValidationFraction: dataset.DefaultValidationFraction,
		Epochs:             15,
		TTAPasses:          tta.DefaultPasses,
		Seed:               42,
		Normalization:      augment.NormalizeUnit,
	}
}

// Validate checks the configuration and expands "~" in its paths.
func (c *Config) Validate() error {
	if c.CategoriesDir == "" {
		return errors.New("pipeline: the categories directory must be set")
	}
	if !c.SkipOrganize && (c.ImagesDir == "" || c.MetadataPath == "") {
		return errors.New("pipeline: the images directory and the metadata file must be set to organize the images")
	}
	for _, path := range []*string{&c.ImagesDir, &c.MetadataPath, &c.CategoriesDir, &c.ReportsDir, &c.CheckpointDir, &c.OnnxModelPath} {
		expanded, err := fsutil.ReplaceTildeInDir(*path)
		if err != nil {
			return err
		}
		*path = expanded
	}
	switch {
	case c.BalanceTarget < 0:
		return errors.Errorf("pipeline: invalid balance target %d", c.BalanceTarget)
	case c.BalanceMaxCap < 0:
		return errors.Errorf("pipeline: invalid balance max cap %d", c.BalanceMaxCap)
	case c.ImageSize <= 0:
		return errors.Errorf("pipeline: invalid image size %d", c.ImageSize)
	case c.BatchSize <= 0:
		return errors.Errorf("pipeline: invalid batch size %d", c.BatchSize)
	case c.ValidationFraction <= 0 || c.ValidationFraction >= 1:
		return errors.Errorf("pipeline: validation fraction must be in (0, 1), got %g", c.ValidationFraction)
	case c.Epochs <= 0 && !c.EvalOnly:
		return errors.Errorf("pipeline: invalid number of epochs %d", c.Epochs)
	case c.TTAPasses <= 0:
		return errors.Errorf("pipeline: invalid number of TTA passes %d", c.TTAPasses)
	}
	if c.EvalBatchSize <= 0 {
		c.EvalBatchSize = c.BatchSize
	}
	return nil
}

// Trainer is a model that can be trained on a training sequence, evaluating on a finite validation sequence
// after every epoch.
type Trainer interface {
	tta.Model
	Train(trainDS, valDS engine.Dataset) (engine.History, error)
}

// ModelFn creates the model once the classes are known. If the configuration is not EvalOnly, the model
// must also implement Trainer.
type ModelFn func(cfg *Config, classNames []string) (tta.Model, error)

// Outcome of a run. Fields of skipped steps are nil.
type Outcome struct {
	Organize     *organize.Summary
	Balance      *balance.Report
	ClassNames   []string
	ClassWeights classweights.Table
	History      engine.History
	TTA          *tta.Result
	Metrics      *metrics.Report
}

// Run the pipeline, printing the tables of each step to out.
func Run(cfg Config, newModel ModelFn, out io.Writer) (*Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	balanceSeed, trainSeed, ttaSeed := rng.Int63(), rng.Int63(), rng.Int63()
	outcome := &Outcome{}

	// 1. Organize images in one folder per class.
	if !cfg.SkipOrganize {
		summary, err := organize.Organize(organize.Config{
			ImagesDir:     cfg.ImagesDir,
			MetadataPath:  cfg.MetadataPath,
			CategoriesDir: cfg.CategoriesDir,
			ImageIDColumn: cfg.ImageIDColumn,
			LabelColumn:   cfg.LabelColumn,
			Parallelism:   cfg.Parallelism,
			Verbose:       cfg.Verbose,
		})
		if err != nil {
			return nil, err
		}
		outcome.Organize = summary
		classes := balance.ClassCounts(summary.PerClass).Classes()
		counts := make([]int, len(classes))
		for ii, class := range classes {
			counts[ii] = summary.PerClass[class]
		}
		report.PrintClassCounts(out, "Organized images", classes, counts)
	}

	// 2. Balance the classes.
	if !cfg.SkipBalance {
		balanceReport, err := balance.Balance(balance.Config{
			Root:        cfg.CategoriesDir,
			Target:      cfg.BalanceTarget,
			MaxCap:      cfg.BalanceMaxCap,
			Seed:        balanceSeed,
			Parallelism: cfg.Parallelism,
			Verbose:     cfg.Verbose,
		})
		if err != nil {
			return nil, err
		}
		outcome.Balance = balanceReport
		report.PrintBalance(out, balanceReport)
	}

	// 3. Split and create the sequences.
	split, err := dataset.NewSplit(cfg.CategoriesDir, cfg.ValidationFraction)
	if err != nil {
		return nil, err
	}
	outcome.ClassNames = split.ClassNames
	report.PrintClassCounts(out, "Training split", split.ClassNames, split.ClassCounts(dataset.Training))
	report.PrintClassCounts(out, "Validation split", split.ClassNames, split.ClassCounts(dataset.Validation))
	validationItems := split.Items(dataset.Validation)
	if len(validationItems) == 0 {
		return nil, errors.Wrapf(dataset.ErrEmptySplit, "no validation images under %q (validation fraction %g)",
			cfg.CategoriesDir, cfg.ValidationFraction)
	}
	trainCfg := dataset.Config{
		ImageSize:     cfg.ImageSize,
		BatchSize:     cfg.BatchSize,
		Normalization: cfg.Normalization,
		Parallelism:   cfg.Parallelism,
	}
	evalCfg := trainCfg
	evalCfg.BatchSize = cfg.EvalBatchSize

	// 4. Class weights.
	trainItems := split.Items(dataset.Training)
	trainLabels := make([]int, len(trainItems))
	for ii, item := range trainItems {
		trainLabels[ii] = item.Label
	}
	weights, err := classweights.Compute(trainLabels, split.NumClasses())
	if err != nil {
		return nil, err
	}
	outcome.ClassWeights = weights
	for label, name := range split.ClassNames {
		klog.V(1).Infof("Class weight of %q: %.4f", name, weights[label])
	}

	// 5. Model and training.
	model, err := newModel(&cfg, split.ClassNames)
	if err != nil {
		return nil, errors.WithMessage(err, "pipeline: failed to create model")
	}
	if !cfg.EvalOnly {
		trainer, ok := model.(Trainer)
		if !ok {
			return nil, errors.Errorf("pipeline: model %T can't be trained, use EvalOnly", model)
		}
		trainSeq := split.Train(trainCfg, trainSeed).WithClassWeights(weights.Slice())
		valSeq := split.Validation(evalCfg).WithFinite()
		klog.Infof("Training on %s images (%d steps per epoch), validating on %s images",
			humanize.Comma(int64(trainSeq.NumExamples())), trainSeq.StepsPerPass(),
			humanize.Comma(int64(valSeq.NumExamples())))
		outcome.History, err = trainer.Train(trainSeq, valSeq)
		if err != nil {
			return outcome, err
		}
		report.PrintHistory(out, outcome.History)
	}

	// 6. Test-time augmentation.
	ttaSeq := split.Validation(evalCfg).WithName("tta")
	if cfg.TTAAugment {
		ttaSeq = ttaSeq.WithAugmentation(augment.TTAPolicy, ttaSeed)
	}
	outcome.TTA, err = tta.Predict(model, ttaSeq, cfg.TTAPasses)
	if err != nil {
		return outcome, err
	}
	klog.Infof("Test-time augmentation: %d passes over %s validation images", cfg.TTAPasses,
		humanize.Comma(int64(ttaSeq.NumExamples())))

	// 7. Metrics and report.
	outcome.Metrics, err = metrics.Evaluate(outcome.TTA.Labels, outcome.TTA.Probabilities, split.ClassNames)
	if err != nil {
		return outcome, err
	}
	report.PrintEvaluation(out, outcome.Metrics)
	if cfg.ReportsDir != "" {
		paths := make([]string, len(validationItems))
		for ii, item := range validationItems {
			paths[ii] = item.Path
		}
		err = report.WriteArtifacts(cfg.ReportsDir, &report.Artifacts{
			Balance:       outcome.Balance,
			History:       outcome.History,
			Evaluation:    outcome.Metrics,
			Paths:         paths,
			Labels:        outcome.TTA.Labels,
			Predictions:   outcome.TTA.Predictions,
			Probabilities: outcome.TTA.Probabilities,
		})
		if err != nil {
			return outcome, err
		}
		_, _ = fmt.Fprintf(out, "Reports written to %s\n", cfg.ReportsDir)
	}
	return outcome, nil
}
