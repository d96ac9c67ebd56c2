// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package organize copies a flat pool of labeled images into one folder per class, using a metadata table
// that maps image identifiers to class labels.
package organize

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/gomlx/skinlesion/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrMetadataNotFound is returned when the metadata table file does not exist.
var ErrMetadataNotFound = errors.New("metadata file not found")

// Default metadata column names.
const (
	DefaultImageIDColumn = "image_id"
	DefaultLabelColumn   = "dx"
)

// Config for Organize.
type Config struct {
	// ImagesDir is the flat directory with the source images. It is never modified.
	ImagesDir string

	// MetadataPath is the CSV file with a header, with at least the ImageIDColumn and LabelColumn columns.
	MetadataPath string

	// CategoriesDir is the root of the per-class folders: images are copied to CategoriesDir/<label>/<filename>.
	CategoriesDir string

	// ImageIDColumn and LabelColumn default to DefaultImageIDColumn and DefaultLabelColumn if empty.
	ImageIDColumn, LabelColumn string

	// Parallelism of the file copies. 0 uses the number of CPUs.
	Parallelism int

	// Verbose displays a progress bar.
	Verbose bool
}

// Summary of an Organize run.
type Summary struct {
	// Copied is the number of images copied.
	Copied int

	// Skipped is the number of images without a matching metadata row.
	Skipped int

	// PerClass maps the folder name of each class to the number of images copied into it.
	PerClass map[string]int
}

// SanitizeLabel converts a class label into a folder name: path separators and white spaces are
// replaced by "_". Labels that are empty or only dots become "_".
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	label = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', ':':
			return '_'
		}
		return r
	}, label)
	if strings.Trim(label, ".") == "" {
		return "_"
	}
	return label
}

// ReadLabels reads the metadata CSV file and returns the mapping of image identifier to class label.
//
// If an identifier appears more than once, the first row wins. Rows with an empty or missing identifier or label are ignored.
func ReadLabels(path, idColumn, labelColumn string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrMetadataNotFound, "%q", path)
		}
		return nil, errors.Wrapf(err, "failed to open metadata file %q", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true), dataframe.DetectTypes(false))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse metadata file %q", path)
	}
	for _, col := range []string{idColumn, labelColumn} {
		if !slices.Contains(df.Names(), col) {
			return nil, errors.Errorf("metadata file %q has no column %q (columns: %q)", path, col, df.Names())
		}
	}
	ids := df.Col(idColumn).Records()
	labels := df.Col(labelColumn).Records()
	idToLabel := make(map[string]string, len(ids))
	for row, id := range ids {
		id = strings.TrimSpace(id)
		label := strings.TrimSpace(labels[row])
		if isMissing(id) || isMissing(label) {
			continue
		}
		if previous, found := idToLabel[id]; found {
			if previous != label {
				klog.V(1).Infof("metadata: image %q listed with labels %q and %q, keeping %q", id, previous, label, previous)
			}
			continue
		}
		idToLabel[id] = label
	}
	return idToLabel, nil
}

// isMissing returns whether a metadata value is empty or was parsed as a missing value.
func isMissing(value string) bool {
	return value == "" || value == "NaN" || value == "NA"
}

// Organize copies every image of cfg.ImagesDir whose identifier (file name without extension) has a metadata
// row into cfg.CategoriesDir/<label>/<filename>, creating the class folders as needed.
//
// Images without metadata are skipped silently. Existing destination files are overwritten, so the
// operation can be repeated.
func Organize(cfg Config) (*Summary, error) {
	if cfg.ImageIDColumn == "" {
		cfg.ImageIDColumn = DefaultImageIDColumn
	}
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = DefaultLabelColumn
	}
	var err error
	for _, dir := range []*string{&cfg.ImagesDir, &cfg.MetadataPath, &cfg.CategoriesDir} {
		if *dir, err = fsutil.ReplaceTildeInDir(*dir); err != nil {
			return nil, err
		}
	}
	idToLabel, err := ReadLabels(cfg.MetadataPath, cfg.ImageIDColumn, cfg.LabelColumn)
	if err != nil {
		return nil, err
	}
	imageNames, err := fsutil.ListImages(cfg.ImagesDir)
	if err != nil {
		return nil, err
	}

	summary := &Summary{PerClass: make(map[string]int)}
	type copyTask struct{ src, dst string }
	var tasks []copyTask
	for _, name := range imageNames {
		id := strings.TrimSuffix(name, filepath.Ext(name))
		label, found := idToLabel[id]
		if !found {
			summary.Skipped++
			klog.V(2).Infof("organize: no metadata for %q, skipping", name)
			continue
		}
		classDir := SanitizeLabel(label)
		if summary.PerClass[classDir] == 0 {
			if err := os.MkdirAll(filepath.Join(cfg.CategoriesDir, classDir), 0o755); err != nil {
				return nil, errors.Wrapf(err, "failed to create class folder for %q", label)
			}
		}
		summary.PerClass[classDir]++
		tasks = append(tasks, copyTask{
			src: filepath.Join(cfg.ImagesDir, name),
			dst: filepath.Join(cfg.CategoriesDir, classDir, name),
		})
	}
	summary.Copied = len(tasks)

	var pBar *progressbar.ProgressBar
	if cfg.Verbose && len(tasks) > 0 {
		pBar = progressbar.NewOptions(len(tasks),
			progressbar.OptionSetDescription("Organizing"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	var muBar sync.Mutex
	pool := workerspool.New(cfg.Parallelism)
	for _, task := range tasks {
		pool.Go(func() error {
			if err := fsutil.CopyFile(task.src, task.dst); err != nil {
				return err
			}
			if pBar != nil {
				muBar.Lock()
				_ = pBar.Add(1)
				muBar.Unlock()
			}
			return nil
		})
	}
	err = pool.Wait()
	if pBar != nil {
		_ = pBar.Close()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "organizing images into %q", cfg.CategoriesDir)
	}
	klog.V(1).Infof("organize: copied %d images into %d classes, skipped %d without metadata",
		summary.Copied, len(summary.PerClass), summary.Skipped)
	return summary, nil
}
