// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnxmodel

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestReadMetadata(t *testing.T) {
	dir := t.TempDir()
	m, err := ReadMetadata(writeFile(t, dir, "ok.json",
		`{"classes": ["akiec", "bcc", "bkl"], "image_size": 224, "output_logits": true}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"akiec", "bcc", "bkl"}, m.Classes)
	assert.Equal(t, 224, m.ImageSize)
	assert.Equal(t, 1, m.BatchSize)
	assert.Equal(t, "input", m.InputName)
	assert.Equal(t, "output", m.OutputName)
	assert.Equal(t, "unit", m.Normalization)
	assert.True(t, m.OutputLogits)

	for name, contents := range map[string]string{
		"one_class.json":    `{"classes": ["nv"], "image_size": 224}`,
		"no_size.json":      `{"classes": ["nv", "mel"]}`,
		"bad_norm.json":     `{"classes": ["nv", "mel"], "image_size": 224, "normalization": "imagenet"}`,
		"invalid_json.json": `{"classes": `,
	} {
		_, err = ReadMetadata(writeFile(t, dir, name, contents))
		assert.Error(t, err, name)
	}
	_, err = ReadMetadata(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSoftmax(t *testing.T) {
	row := []float32{1, 2, 3}
	softmax(row)
	assert.InDelta(t, 0.090031, row[0], 1e-5)
	assert.InDelta(t, 0.244728, row[1], 1e-5)
	assert.InDelta(t, 0.665241, row[2], 1e-5)
}

// TestModel requires an exported model, given by ONNX_TEST_MODEL (with its metadata in the same path with a
// .json extension), and the onnxruntime library.
func TestModel(t *testing.T) {
	modelPath := os.Getenv("ONNX_TEST_MODEL")
	if modelPath == "" || os.Getenv(SharedLibraryEnv) == "" {
		t.Skipf("set ONNX_TEST_MODEL and %s to test ONNX inference", SharedLibraryEnv)
	}
	metadataPath := modelPath[:len(modelPath)-len(filepath.Ext(modelPath))] + ".json"
	m, err := Load(modelPath, metadataPath)
	require.NoError(t, err)
	defer m.Close()

	img := image.NewRGBA(image.Rect(0, 0, 600, 450))
	for y := range 450 {
		for x := range 600 {
			img.Set(x, y, color.RGBA{R: 180, G: uint8(x % 256), B: 90, A: 255})
		}
	}
	class, probs, err := m.ClassifyImage(img)
	require.NoError(t, err)
	assert.Contains(t, m.Metadata.Classes, class)
	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
}
