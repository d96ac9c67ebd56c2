// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// This file implements the CNN classifier, including the readout layer on top.

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
)

// ModelGraph builds the classifier: a stack of residual convolutions, global average pooling and
// a dropout followed by a linear readout.
// It returns the logits shaped `[batch_size, num_classes]`, not the probabilities.
// inputs: only one tensor, with shape `[batch_size, height, width, 3]`.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	cosineschedule.New(ctx, images.Graph(), images.DType()).FromContext().Done()
	ctx = ctx.In("model")
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses <= 0 {
		exceptions.Panicf("context parameter %q must be set to the number of classes, got %d", ParamNumClasses, numClasses)
	}
	embeddings := cnnEmbeddings(ctx, images)
	if rate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0); rate > 0 {
		embeddings = layers.Dropout(ctx, embeddings, Scalar(embeddings.Graph(), embeddings.DType(), rate))
	}
	logits := fnn.New(ctx.In("readout"), embeddings, numClasses).NumHiddenLayers(0, 0).Done()
	return []*Node{logits}
}

func cnnEmbeddings(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]
	numConvolutions := context.GetParamOr(ctx, ParamCNNNumLayers, 5)
	numChannels := context.GetParamOr(ctx, ParamCNNChannels, 16)

	logits := images
	imgSize := logits.Shape().Dimensions[1]
	for convIdx := range numConvolutions {
		ctx := ctx.Inf("%03d_conv", convIdx)
		if convIdx > 0 {
			logits = normalizeImage(ctx, logits)
			numChannels *= 2
		}
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := logits
			logits = layers.Convolution(ctx, logits).Channels(numChannels).KernelSize(3).PadSame().Done()
			logits = activations.ApplyFromContext(ctx, logits)
			if residual.Shape().Equal(logits.Shape()) {
				logits = Add(logits, residual)
			}
		}
		if imgSize > 8 {
			logits = MaxPool(logits).Window(2).Done()
			imgSize = logits.Shape().Dimensions[1]
		}
	}

	// Global average pooling over the spatial axes.
	logits = ReduceMean(logits, 1, 2)
	logits.AssertDims(batchSize, numChannels)
	return fnn.New(ctx.Inf("%03d_fnn", numConvolutions), logits, context.GetParamOr(ctx, ParamEmbeddingsSize, 128)).
		NumHiddenLayers(0, 0).Done()
}

func normalizeImage(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4) // [batch_size, height, width, depth]
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "")
	switch norm {
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).ScaleNormalization(false).Done()
	case "batch":
		return batchnorm.New(ctx, x, -1).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid normalization selected %q -- valid values are batch, layer, none", norm)
	return nil
}

// makeLoss returns the categorical cross-entropy over one-hot labels, with the labels smoothed towards the
// uniform distribution by smoothing. An optional second labels tensor holds per-example weights.
func makeLoss(smoothing float64) losses.LossFn {
	return func(labels, logits []*Node) *Node {
		if smoothing > 0 {
			oneHot := labels[0]
			g := oneHot.Graph()
			numClasses := oneHot.Shape().Dimensions[oneHot.Rank()-1]
			smoothed := Add(
				Mul(oneHot, Scalar(g, oneHot.DType(), 1-smoothing)),
				Scalar(g, oneHot.DType(), smoothing/float64(numClasses)))
			labels = append([]*Node{smoothed}, labels[1:]...)
		}
		return ReduceAllMean(losses.CategoricalCrossEntropyLogits(labels, logits))
	}
}

// accuracyGraph is the fraction of examples whose highest logit matches the one-hot label. Weights are ignored.
func accuracyGraph(_ *context.Context, labels, logits []*Node) *Node {
	logits0 := logits[0]
	truth := ArgMax(labels[0], -1)
	choice := ArgMax(logits0, -1)
	return ReduceAllMean(ConvertDType(Equal(choice, truth), logits0.DType()))
}
