// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxmodel runs a skin lesion classifier exported to ONNX, so models trained elsewhere can be
// evaluated with the same test-time augmentation and metrics as the native ones.
//
// The model is described by a JSON metadata file next to it, see Metadata.
package onnxmodel

import (
	"encoding/json"
	"image"
	"math"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/skinlesion/pkg/augment"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// SharedLibraryEnv is the environment variable with the path to the onnxruntime shared library.
// If not set, the default name of the library is used.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Metadata describes an exported model.
type Metadata struct {
	// Classes in the order of the model outputs.
	Classes []string `json:"classes"`

	// ImageSize is the height and width of the input images.
	ImageSize int `json:"image_size"`

	// BatchSize is the fixed batch dimension of the exported model. Defaults to 1.
	BatchSize int `json:"batch_size,omitempty"`

	// InputName and OutputName of the graph. Default to "input" and "output".
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`

	// Normalization of the pixel values expected by the model: "unit", "symmetric" or "raw".
	Normalization string `json:"normalization,omitempty"`

	// OutputLogits is set if the model outputs logits instead of probabilities.
	OutputLogits bool `json:"output_logits,omitempty"`
}

// ReadMetadata reads and validates the metadata JSON file, filling in defaults.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model metadata %q", path)
	}
	m := &Metadata{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model metadata %q", path)
	}
	if len(m.Classes) < 2 {
		return nil, errors.Errorf("model metadata %q lists %d classes, at least 2 are needed", path, len(m.Classes))
	}
	if m.ImageSize <= 0 {
		return nil, errors.Errorf("model metadata %q has invalid image_size %d", path, m.ImageSize)
	}
	if m.BatchSize <= 0 {
		m.BatchSize = 1
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Normalization == "" {
		m.Normalization = augment.NormalizeUnit.String()
	}
	if _, err = augment.ParseNormalization(m.Normalization); err != nil {
		return nil, errors.WithMessagef(err, "model metadata %q", path)
	}
	return m, nil
}

// Model is an ONNX classifier session with its input and output buffers.
// It is not safe for concurrent use.
type Model struct {
	Metadata      Metadata
	normalization augment.Normalization

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Load the ONNX model in modelPath, described by the metadata file in metadataPath.
// The onnxruntime environment is initialized if needed.
func Load(modelPath, metadataPath string) (*Model, error) {
	metadata, err := ReadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	normalization, _ := augment.ParseNormalization(metadata.Normalization)
	if !ort.IsInitialized() {
		if libPath := os.Getenv(SharedLibraryEnv); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err = ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize onnxruntime environment")
		}
	}

	m := &Model{Metadata: *metadata, normalization: normalization}
	size := int64(metadata.ImageSize)
	batch := int64(metadata.BatchSize)
	m.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(batch, size, size, 3))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	m.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(batch, int64(len(metadata.Classes))))
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}
	m.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{m.inputTensor}, []ort.ArbitraryTensor{m.outputTensor},
		nil)
	if err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "failed to create onnxruntime session for %q", modelPath)
	}
	klog.V(1).Infof("Loaded ONNX model %q: %d classes, %dx%d images", modelPath, len(metadata.Classes), size, size)
	return m, nil
}

// Close releases the session and its buffers.
func (m *Model) Close() {
	if m.inputTensor != nil {
		_ = m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		_ = m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	if m.session != nil {
		_ = m.session.Destroy()
		m.session = nil
	}
}

// Predict returns the class probabilities of each image in inputs[0], shaped `[batch_size, height, width, 3]`
// and already normalized as the model expects. Batches of any size are run in chunks of the model's batch size.
func (m *Model) Predict(inputs []*tensors.Tensor) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("onnxmodel: Predict requires the images tensor")
	}
	dims := inputs[0].Shape().Dimensions
	size := m.Metadata.ImageSize
	if len(dims) != 4 || dims[1] != size || dims[2] != size || dims[3] != 3 {
		return nil, errors.Errorf("onnxmodel: images shaped %v, wanted [batch_size, %d, %d, 3]", dims, size, size)
	}
	var flat []float32
	err := exceptions.TryCatch[error](func() { flat = tensors.MustCopyFlatData[float32](inputs[0]) })
	if err != nil {
		return nil, errors.WithMessage(err, "onnxmodel: failed to read images")
	}
	return m.predictFlat(flat, dims[0])
}

func (m *Model) predictFlat(flat []float32, numImages int) ([][]float32, error) {
	perImage := augment.PixelsLen(m.Metadata.ImageSize)
	numClasses := len(m.Metadata.Classes)
	batch := m.Metadata.BatchSize
	probs := make([][]float32, 0, numImages)
	input := m.inputTensor.GetData()
	for start := 0; start < numImages; start += batch {
		n := min(batch, numImages-start)
		copied := copy(input, flat[start*perImage:(start+n)*perImage])
		clear(input[copied:])
		if err := m.session.Run(); err != nil {
			return nil, errors.Wrap(err, "onnxmodel: inference failed")
		}
		output := m.outputTensor.GetData()
		for ii := range n {
			row := make([]float32, numClasses)
			copy(row, output[ii*numClasses:(ii+1)*numClasses])
			if m.Metadata.OutputLogits {
				softmax(row)
			}
			probs = append(probs, row)
		}
	}
	return probs, nil
}

// ClassifyImage resizes and normalizes img, and returns the most likely class and the probabilities of all classes.
func (m *Model) ClassifyImage(img image.Image) (class string, probs []float32, err error) {
	size := m.Metadata.ImageSize
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	pixels := make([]float32, augment.PixelsLen(size))
	m.normalization.ToPixels(resized, size, pixels)
	all, err := m.predictFlat(pixels, 1)
	if err != nil {
		return "", nil, err
	}
	probs = all[0]
	best := 0
	for ii, p := range probs {
		if p > probs[best] {
			best = ii
		}
	}
	return m.Metadata.Classes[best], probs, nil
}

// softmax converts logits to probabilities in place.
func softmax(logits []float32) {
	maxLogit := float32(math.Inf(-1))
	for _, v := range logits {
		maxLogit = max(maxLogit, v)
	}
	var sum float64
	for ii, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		logits[ii] = float32(e)
		sum += e
	}
	for ii := range logits {
		logits[ii] = float32(float64(logits[ii]) / sum)
	}
}
