// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine trains the skin lesion classifier and serves its predictions.
//
// It wraps a GoMLX context with the model weights and hyperparameters, a training loop that evaluates
// the validation sequence after every epoch, stops early when the validation accuracy stops improving,
// and keeps a copy of the best checkpoint.
package engine

import (
	"math"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters read from the context.
const (
	ParamNumClasses            = "num_classes"
	ParamEpochs                = "epochs"
	ParamEarlyStoppingPatience = "early_stopping_patience"
	ParamLabelSmoothing        = "label_smoothing"
	ParamNumCheckpoints        = "num_checkpoints"
	ParamCNNNumLayers          = "cnn_num_layers"
	ParamCNNChannels           = "cnn_channels"
	ParamEmbeddingsSize        = "cnn_embeddings_size"
	ParamProgressBar           = "progress_bar"

	// ParamBestValidationAccuracy is set by Train whenever the validation accuracy improves, and saved
	// with the checkpoint, so a resumed training only replaces the best checkpoint if it improves on it.
	ParamBestValidationAccuracy = "best_validation_accuracy"
)

// CreateDefaultContext sets the context with default hyperparameters to use with Engine.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamEpochs:                15,
		ParamEarlyStoppingPatience: 8,
		ParamLabelSmoothing:        0.1,
		ParamNumCheckpoints:        3,
		ParamProgressBar:           true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,

		// Cosine annealing: 0 means one period over all the training steps.
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamMinLearningRate: 1e-6,

		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.3,
		layers.ParamNormalization:   "batch",

		// CNN
		ParamCNNNumLayers:   5,
		ParamCNNChannels:    16,
		ParamEmbeddingsSize: 128,
	})
	return ctx
}

// Dataset is a training or validation sequence that knows how many batches make one pass over its examples.
type Dataset interface {
	train.Dataset
	StepsPerPass() int
}

// Engine holds the model, its weights, and the machinery to train it and use it for predictions.
type Engine struct {
	backend    backends.Backend
	ctx        *context.Context
	numClasses int
	checkpoint *checkpoints.Handler

	predictExec *context.Exec
}

// New creates an Engine for numClasses classes.
//
// If checkpointDir is not empty, the latest checkpoint in it (if any) is loaded, so training resumes from
// where it stopped, and new checkpoints are saved there as the model trains.
// paramsSet are the hyperparameters set by the user, which are not overwritten by the ones saved in the
// checkpoint.
func New(backend backends.Backend, ctx *context.Context, numClasses int, checkpointDir string, paramsSet []string) (*Engine, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("engine: at least 2 classes are required, got %d", numClasses)
	}
	e := &Engine{backend: backend, ctx: ctx, numClasses: numClasses}
	ctx.SetParam(ParamNumClasses, numClasses)
	if checkpointDir != "" {
		var err error
		e.checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			ExcludeParams(append(paramsSet, ParamEpochs, ParamProgressBar, ParamNumCheckpoints)...).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "engine: failed to open checkpoint directory %q", checkpointDir)
		}
		if got := context.GetParamOr(ctx, ParamNumClasses, 0); got != numClasses {
			return nil, errors.Errorf("engine: checkpoint in %q was trained with %d classes, but the dataset has %d",
				checkpointDir, got, numClasses)
		}
	}
	return e, nil
}

// Load creates an Engine for inference only, from the best checkpoint saved under checkpointDir, or from
// its latest checkpoint if no best one was kept.
func Load(backend backends.Backend, checkpointDir string) (*Engine, error) {
	dir := checkpointDir
	if ok, _ := fsutil.FileExists(bestDir(checkpointDir)); ok {
		dir = bestDir(checkpointDir)
	}
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "engine: failed to load model from %q", dir)
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses < 2 {
		return nil, errors.Errorf("engine: checkpoint in %q has no valid %q parameter", dir, ParamNumClasses)
	}
	klog.V(1).Infof("Loaded model with %d classes from %q", numClasses, dir)
	return &Engine{backend: backend, ctx: ctx.Reuse(), numClasses: numClasses}, nil
}

// bestDir is where copies of the checkpoints that improved the validation accuracy are kept.
func bestDir(checkpointDir string) string {
	return filepath.Join(checkpointDir, checkpoints.BackupDir)
}

// NumClasses the model predicts.
func (e *Engine) NumClasses() int { return e.numClasses }

// GlobalStep is the number of training steps taken so far, including those restored from a checkpoint.
func (e *Engine) GlobalStep() int64 { return optimizers.GetGlobalStep(e.ctx) }

// Train the model for the configured number of epochs, each a full pass over trainDS, evaluating
// on valDS after every epoch. valDS must be finite (return io.EOF at the end of its pass).
//
// Training stops early if the validation accuracy doesn't improve for "early_stopping_patience" epochs.
// Every improvement is checkpointed, and at the end the weights of the best epoch are restored.
// Epochs already completed in a resumed checkpoint are not repeated.
func (e *Engine) Train(trainDS, valDS Dataset) (history History, err error) {
	ctx := e.ctx
	stepsPerEpoch := trainDS.StepsPerPass()
	if stepsPerEpoch <= 0 {
		return nil, errors.Errorf("engine: training dataset %q has no batches", trainDS.Name())
	}
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 15)
	patience := context.GetParamOr(ctx, ParamEarlyStoppingPatience, 8)
	if context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) == 0 {
		ctx.SetParam(cosineschedule.ParamPeriodSteps, numEpochs*stepsPerEpoch)
	}
	smoothing := context.GetParamOr(ctx, ParamLabelSmoothing, 0.0)

	trainAccuracy := metrics.NewExponentialMovingAverageMetric(
		"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType, accuracyGraph, nil, 0.01)
	evalAccuracy := metrics.NewMeanMetric("Mean Accuracy", "#acc", metrics.AccuracyMetricType, accuracyGraph, nil)
	trainer := train.NewTrainer(e.backend, ctx, ModelGraph,
		makeLoss(smoothing),
		optimizers.FromContext(ctx),
		[]metrics.Interface{trainAccuracy}, // trainMetrics
		[]metrics.Interface{evalAccuracy})  // evalMetrics

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	loop := train.NewLoop(trainer)
	if context.GetParamOr(ctx, ParamProgressBar, true) {
		commandline.AttachProgressBar(loop)
	}

	firstEpoch := globalStep/stepsPerEpoch + 1
	if firstEpoch > numEpochs {
		klog.Infof("Model already trained for %d epochs (global step %d): nothing to do", firstEpoch-1, globalStep)
		return nil, nil
	}
	bestAccuracy := math.Inf(-1)
	if globalStep > 0 {
		bestAccuracy = context.GetParamOr(ctx, ParamBestValidationAccuracy, bestAccuracy)
		klog.V(1).Infof("Resuming from global step %d, best validation accuracy so far %.2f%%", globalStep, 100*bestAccuracy)
	}
	epochsWithoutImprovement := 0
	lastIsBest := false
	for epoch := firstEpoch; epoch <= numEpochs; epoch++ {
		trainValues, err := loop.RunSteps(trainDS, stepsPerEpoch)
		if err != nil {
			return history, errors.WithMessagef(err, "engine: failed training epoch %d", epoch)
		}
		evalValues, err := trainer.Eval(valDS)
		if err != nil {
			return history, errors.WithMessagef(err, "engine: failed evaluating epoch %d on %q", epoch, valDS.Name())
		}
		valDS.Reset()
		m := EpochMetrics{
			Epoch:              epoch,
			TrainLoss:          metricValue(trainer.TrainMetrics(), trainValues, metrics.LossMetricType),
			TrainAccuracy:      metricValue(trainer.TrainMetrics(), trainValues, metrics.AccuracyMetricType),
			ValidationLoss:     metricValue(trainer.EvalMetrics(), evalValues, metrics.LossMetricType),
			ValidationAccuracy: metricValue(trainer.EvalMetrics(), evalValues, metrics.AccuracyMetricType),
		}
		history = append(history, m)
		klog.Infof("Epoch %d/%d: loss=%.4f acc=%.2f%% val_loss=%.4f val_acc=%.2f%%", epoch, numEpochs,
			m.TrainLoss, 100*m.TrainAccuracy, m.ValidationLoss, 100*m.ValidationAccuracy)

		if m.ValidationAccuracy > bestAccuracy {
			bestAccuracy = m.ValidationAccuracy
			epochsWithoutImprovement = 0
			ctx.SetParam(ParamBestValidationAccuracy, bestAccuracy)
			lastIsBest = true
			if err = e.saveBest(); err != nil {
				return history, err
			}
			continue
		}
		lastIsBest = false
		epochsWithoutImprovement++
		if patience > 0 && epochsWithoutImprovement >= patience {
			klog.Infof("Validation accuracy didn't improve for %d epochs: stopping at epoch %d", patience, epoch)
			break
		}
	}
	if e.checkpoint != nil {
		if err = e.checkpoint.Save(); err != nil {
			return history, errors.WithMessage(err, "engine: failed to save final checkpoint")
		}
	}
	if len(history) > 0 && !lastIsBest {
		if err = e.restoreBest(); err != nil {
			return history, err
		}
		klog.Infof("Restored the best weights (val_acc=%.2f%%)", 100*bestAccuracy)
	}
	return history, nil
}

// saveBest checkpoints the current weights and keeps a copy of them as the best ones so far.
func (e *Engine) saveBest() error {
	if e.checkpoint == nil {
		return nil
	}
	if err := e.checkpoint.Save(); err != nil {
		return errors.WithMessage(err, "engine: failed to save checkpoint")
	}
	if err := e.checkpoint.Backup(); err != nil {
		return errors.WithMessage(err, "engine: failed to keep best checkpoint")
	}
	return nil
}

// restoreBest replaces the model weights with the best checkpoint kept during training.
func (e *Engine) restoreBest() error {
	if e.checkpoint == nil {
		klog.Warning("No checkpoint directory configured: keeping the weights of the last epoch")
		return nil
	}
	if ok, _ := fsutil.FileExists(bestDir(e.checkpoint.Dir())); !ok {
		klog.Warning("No best checkpoint was kept: keeping the weights of the last epoch")
		return nil
	}
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(bestDir(e.checkpoint.Dir())).Done(); err != nil {
		return errors.WithMessage(err, "engine: failed to restore best checkpoint")
	}
	e.ctx = ctx.Reuse()
	e.predictExec = nil
	return nil
}

// metricValue returns the value of the first metric of the given type. For losses, the moving average
// ("~" prefixed) version is preferred over the per-batch one, if available.
func metricValue(ms []metrics.Interface, values []*tensors.Tensor, metricType string) float64 {
	found := -1
	for ii, m := range ms {
		if ii >= len(values) || m.MetricType() != metricType {
			continue
		}
		if found < 0 || strings.HasPrefix(m.ShortName(), "~") {
			found = ii
		}
	}
	if found < 0 {
		return math.NaN()
	}
	return shapes.ConvertTo[float64](values[found].Value())
}

// Predict returns the class probabilities of each example of the batch of images in inputs[0], shaped
// `[batch_size, height, width, 3]`. Labels are not needed.
func (e *Engine) Predict(inputs []*tensors.Tensor) (probs [][]float32, err error) {
	if len(inputs) == 0 {
		return nil, errors.New("engine: Predict requires the images tensor")
	}
	if e.predictExec == nil {
		e.predictExec, err = context.NewExec(e.backend, e.ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
			logits := ModelGraph(ctx, nil, []*Node{images})[0]
			return Softmax(logits, -1)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "engine: failed to create prediction executor")
		}
	}
	var output *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var execErr error
		output, execErr = e.predictExec.Exec1(inputs[0])
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "engine: prediction failed")
	}
	defer func() { _ = output.FinalizeAll() }()
	var ok bool
	probs, ok = output.Value().([][]float32)
	if !ok {
		return nil, errors.Errorf("engine: unexpected prediction output %s", output.Shape())
	}
	return probs, nil
}
