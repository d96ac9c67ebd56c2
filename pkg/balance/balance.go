// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package balance equalizes the number of images per class folder: classes below the target are
// oversampled with randomly transformed copies of their images, and classes above an optional cap are
// undersampled by random deletion.
//
// Counts are always recomputed from the folders, so running Balance again on a balanced tree does
// nothing, and running it on a partially balanced tree (e.g. after an interruption) only completes
// the missing work.
package balance

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/gomlx/skinlesion/internal/workerspool"
	"github.com/gomlx/skinlesion/pkg/augment"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ErrEmptyClass is returned when a class that needs oversampling has no images.
// It usually means the organizing step failed for that class.
var ErrEmptyClass = errors.New("class folder has no images to oversample")

// AugmentedInfix separates the source base name from the random suffix in augmented file names.
const AugmentedInfix = "_aug_"

// Config for Balance.
type Config struct {
	// Root holds one sub-directory per class.
	Root string

	// Target number of images per class. If 0 the median of the class counts is used.
	Target int

	// MaxCap, if > 0, is the maximum number of images per class: larger classes are undersampled.
	MaxCap int

	// Seed of the random source used for the transformations, names and deletions.
	Seed int64

	// Parallelism of the image writes. 0 uses the number of CPUs.
	Parallelism int

	// JPEGQuality used when writing augmented JPEG images. Defaults to 95.
	JPEGQuality int

	// Verbose displays a progress bar.
	Verbose bool
}

// Action taken on a class.
type Action int

const (
	Unchanged Action = iota
	Oversampled
	Undersampled
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Unchanged:
		return "unchanged"
	case Oversampled:
		return "oversampled"
	case Undersampled:
		return "undersampled"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ClassReport describes what happened to one class.
type ClassReport struct {
	Class                 string
	Action                Action
	Before, After         int
	Added, Removed        int
	AugmentationsPerImage int
}

// Report of a Balance run.
type Report struct {
	Target  int
	MaxCap  int
	Classes []ClassReport // Sorted by class name.
}

// Before returns the counts of each class before balancing.
func (r *Report) Before() ClassCounts {
	counts := make(ClassCounts, len(r.Classes))
	for _, c := range r.Classes {
		counts[c.Class] = c.Before
	}
	return counts
}

// After returns the counts of each class after balancing.
func (r *Report) After() ClassCounts {
	counts := make(ClassCounts, len(r.Classes))
	for _, c := range r.Classes {
		counts[c.Class] = c.After
	}
	return counts
}

// augmentation of one source image into a new file.
type augmentation struct {
	dst    string
	choice augment.Choice
}

// plan of mutations for the whole tree, drawn before any file is touched.
type plan struct {
	// augmentations grouped per source image path, in drawing order.
	sources       []string
	augmentations map[string][]augmentation
	deletions     []string
}

func (p *plan) numOperations() int {
	n := len(p.deletions)
	for _, augs := range p.augmentations {
		n += len(augs)
	}
	return n
}

// Balance the class folders under cfg.Root. See package documentation.
//
// All random choices are drawn from a source seeded with cfg.Seed, in sorted class and file name order,
// before any file is written or deleted. An empty class that needs oversampling fails with ErrEmptyClass
// without modifying the tree.
func Balance(cfg Config) (*Report, error) {
	root, err := fsutil.ReplaceTildeInDir(cfg.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Target < 0 || cfg.MaxCap < 0 {
		return nil, errors.Errorf("balance: invalid target=%d or max_cap=%d, they must be >= 0", cfg.Target, cfg.MaxCap)
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 95
	}
	listing, err := listClasses(root)
	if err != nil {
		return nil, err
	}
	if len(listing) == 0 {
		return nil, errors.Errorf("balance: no class folders found under %q", root)
	}
	counts := make(ClassCounts, len(listing))
	for class, names := range listing {
		counts[class] = len(names)
	}
	report := &Report{Target: cfg.Target, MaxCap: cfg.MaxCap}
	if report.Target == 0 {
		report.Target = Median(counts)
	}
	klog.V(1).Infof("balance: target=%d images per class, max_cap=%d", report.Target, cfg.MaxCap)

	for _, class := range counts.Classes() {
		if counts[class] == 0 && report.Target > 0 {
			return nil, errors.Wrapf(ErrEmptyClass, "class %q in %q (target %d)", class, root, report.Target)
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	p := &plan{augmentations: make(map[string][]augmentation)}
	for _, class := range counts.Classes() {
		names := listing[class]
		classReport := ClassReport{Class: class, Before: len(names)}
		switch {
		case len(names) < report.Target:
			classReport.Action = Oversampled
			classReport.AugmentationsPerImage = planOversampling(rng, p, filepath.Join(root, class), names, report.Target)
			classReport.Added = report.Target - len(names)
		case cfg.MaxCap > 0 && len(names) > cfg.MaxCap:
			classReport.Action = Undersampled
			excess := len(names) - cfg.MaxCap
			for _, idx := range rng.Perm(len(names))[:excess] {
				p.deletions = append(p.deletions, filepath.Join(root, class, names[idx]))
			}
			classReport.Removed = excess
		}
		if classReport.Action != Unchanged {
			klog.V(1).Infof("balance: class %q (%d images) %s: +%d -%d",
				class, classReport.Before, classReport.Action, classReport.Added, classReport.Removed)
		}
		report.Classes = append(report.Classes, classReport)
	}

	if err := execute(p, cfg); err != nil {
		return nil, err
	}

	after, err := CountClasses(root)
	if err != nil {
		return nil, err
	}
	for ii := range report.Classes {
		c := &report.Classes[ii]
		c.After = after[c.Class]
		if want := c.Before + c.Added - c.Removed; c.After != want {
			klog.Warningf("balance: class %q has %d images after balancing, expected %d: was the folder modified concurrently?",
				c.Class, c.After, want)
		}
	}
	return report, nil
}

// planOversampling draws the augmentations needed to bring the class in dir from len(names) to target images.
//
// Each source image, in name order, gets up to augsPerImage = needed/count + 1 augmentations, until the
// needed number is reached. It returns augsPerImage.
func planOversampling(rng *rand.Rand, p *plan, dir string, names []string, target int) (augsPerImage int) {
	count := len(names)
	needed := target - count
	augsPerImage = needed/count + 1
	used := make(map[string]bool, target)
	for _, name := range names {
		used[strings.ToLower(name)] = true
	}
	for _, name := range names {
		if needed == 0 {
			break
		}
		src := filepath.Join(dir, name)
		numAugs := min(augsPerImage, needed)
		for range numAugs {
			choice := augment.DrawOversampling(rng)
			dstName := uniqueName(rng, name, used)
			if len(p.augmentations[src]) == 0 {
				p.sources = append(p.sources, src)
			}
			p.augmentations[src] = append(p.augmentations[src], augmentation{dst: filepath.Join(dir, dstName), choice: choice})
		}
		needed -= numAugs
	}
	return
}

// augmentedName returns "<base>_aug_<8 hex digits><ext>" for the source file name.
func augmentedName(srcName string, id uuid.UUID) string {
	ext := filepath.Ext(srcName)
	base := strings.TrimSuffix(srcName, ext)
	hexID := strings.ReplaceAll(id.String(), "-", "")[:8]
	return base + AugmentedInfix + hexID + ext
}

// uniqueName draws an augmented name for srcName not yet in used (compared case-insensitively) and marks it used.
func uniqueName(rng *rand.Rand, srcName string, used map[string]bool) string {
	for {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			// rand.Rand.Read never fails.
			panic(err)
		}
		name := augmentedName(srcName, id)
		key := strings.ToLower(name)
		if !used[key] {
			used[key] = true
			return name
		}
	}
}

// execute the plan: source images are decoded once and their augmentations written in parallel,
// then deletions are applied.
func execute(p *plan, cfg Config) error {
	numOps := p.numOperations()
	if numOps == 0 {
		return nil
	}
	var pBar *progressbar.ProgressBar
	var muBar sync.Mutex
	if cfg.Verbose {
		pBar = progressbar.NewOptions(numOps,
			progressbar.OptionSetDescription("Balancing"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = pBar.Close() }()
	}
	progress := func(n int) {
		if pBar == nil {
			return
		}
		muBar.Lock()
		_ = pBar.Add(n)
		muBar.Unlock()
	}

	pool := workerspool.New(cfg.Parallelism)
	for _, src := range p.sources {
		augs := p.augmentations[src]
		pool.Go(func() error {
			img, err := imaging.Open(src, imaging.AutoOrientation(true))
			if err != nil {
				return errors.Wrapf(err, "failed to read image %q to augment", src)
			}
			for _, aug := range augs {
				if err := writeNew(aug.dst, aug.choice.Apply(img), cfg.JPEGQuality); err != nil {
					return errors.WithMessagef(err, "augmenting %q with %s", src, aug.choice)
				}
				progress(1)
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	for _, path := range p.deletions {
		pool.Go(func() error {
			if err := os.Remove(path); err != nil {
				return errors.Wrapf(err, "failed to delete %q while undersampling", path)
			}
			progress(1)
			return nil
		})
	}
	return pool.Wait()
}

// writeNew encodes img into a new file at path, in the format given by its extension.
// If path already exists a fresh random name is tried instead: existing files are never overwritten.
func writeNew(path string, img image.Image, jpegQuality int) error {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return errors.Wrapf(err, "unsupported image format for %q", path)
	}
	const maxAttempts = 10
	for range maxAttempts {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			dir, name := filepath.Split(path)
			base := name[:strings.Index(name, AugmentedInfix)]
			path = filepath.Join(dir, augmentedName(base+filepath.Ext(name), uuid.New()))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", path)
		}
		err = imaging.Encode(f, img, format, imaging.JPEGQuality(jpegQuality))
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
			return errors.Wrapf(err, "failed to write %q", path)
		}
		return nil
	}
	return errors.Errorf("failed to find an unused name for %q after %d attempts", path, maxAttempts)
}
