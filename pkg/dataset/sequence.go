// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/skinlesion/internal/workerspool"
	"github.com/gomlx/skinlesion/pkg/augment"
	"github.com/pkg/errors"
)

// Config of the sequences created from a Split.
type Config struct {
	// ImageSize: images are resized to ImageSize×ImageSize.
	ImageSize int

	// BatchSize is the maximum number of examples per batch. The last batch of a pass may be smaller.
	BatchSize int

	// Normalization of the pixel values.
	Normalization augment.Normalization

	// Parallelism used to decode the images of a batch. 0 uses the number of CPUs.
	Parallelism int
}

// Sequence yields batches of images and one-hot labels from a list of items. It implements train.Dataset.
//
// By default, it is infinite: after the last (possibly partial) batch of a pass, the next call starts a new
// pass. See WithFinite for a sequence that ends each pass with io.EOF.
type Sequence struct {
	name       string
	items      []Item
	classNames []string
	cfg        Config

	finite       bool
	shuffle      *rand.Rand
	policy       augment.Policy
	augRng       *rand.Rand
	classWeights []float32

	// mu protects the position, order and random sources.
	mu    sync.Mutex
	order []int
	pos   int
}

var _ train.Dataset = (*Sequence)(nil)

// NewSequence creates an unshuffled, non-augmented, infinite sequence over items.
func NewSequence(name string, items []Item, classNames []string, cfg Config) *Sequence {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	s := &Sequence{
		name:       name,
		items:      items,
		classNames: classNames,
		cfg:        cfg,
	}
	s.Reset()
	return s
}

// Train returns the training sequence: shuffled each pass with a source seeded by seed, and augmented with
// augment.TrainingPolicy.
func (s *Split) Train(cfg Config, seed int64) *Sequence {
	return NewSequence("train", s.Items(Training), s.ClassNames, cfg).
		WithShuffle(rand.New(rand.NewSource(seed))).
		WithAugmentation(augment.TrainingPolicy, seed+1)
}

// Validation returns the unshuffled, non-augmented validation sequence.
func (s *Split) Validation(cfg Config) *Sequence {
	return NewSequence("validation", s.Items(Validation), s.ClassNames, cfg)
}

// WithName sets the name returned by Name. It returns itself, to allow chain of method calls.
func (s *Sequence) WithName(name string) *Sequence {
	s.name = name
	return s
}

// WithFinite configures the sequence to return io.EOF at the end of each pass, until Reset is called.
// Used with train.Loop.RunEpochs and train.Trainer.Eval.
func (s *Sequence) WithFinite() *Sequence {
	s.finite = true
	return s
}

// WithShuffle shuffles the order of the items at the start of each pass using rng.
// If rng is nil the items are yielded in order.
func (s *Sequence) WithShuffle(rng *rand.Rand) *Sequence {
	s.mu.Lock()
	s.shuffle = rng
	s.mu.Unlock()
	s.Reset()
	return s
}

// WithAugmentation applies the policy to every image, with parameters drawn from a source seeded with seed.
func (s *Sequence) WithAugmentation(policy augment.Policy, seed int64) *Sequence {
	s.policy = policy
	s.augRng = rand.New(rand.NewSource(seed))
	return s
}

// WithClassWeights makes Yield return, after the one-hot labels, a tensor with the weight of each example's
// class, shaped [batch_size]. GoMLX losses take it as per-example weights.
func (s *Sequence) WithClassWeights(weights []float32) *Sequence {
	s.classWeights = weights
	return s
}

// Name implements train.Dataset.
func (s *Sequence) Name() string { return s.name }

// NumExamples in one full pass.
func (s *Sequence) NumExamples() int { return len(s.items) }

// ClassNames indexed by label.
func (s *Sequence) ClassNames() []string { return s.classNames }

// NumClasses returns the size of the one-hot labels.
func (s *Sequence) NumClasses() int { return len(s.classNames) }

// BatchSize returns the maximum number of examples per batch.
func (s *Sequence) BatchSize() int { return s.cfg.BatchSize }

// StepsPerPass returns the number of batches in a full pass.
func (s *Sequence) StepsPerPass() int {
	return (len(s.items) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
}

// Labels of every example of a full pass, in item (unshuffled) order.
func (s *Sequence) Labels() []int {
	labels := make([]int, len(s.items))
	for ii, item := range s.items {
		labels[ii] = item.Label
	}
	return labels
}

// Reset implements train.Dataset: the next batch is the first of a new pass.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockedStartPass()
}

func (s *Sequence) lockedStartPass() {
	s.pos = 0
	if len(s.order) != len(s.items) {
		s.order = make([]int, len(s.items))
		for ii := range s.order {
			s.order[ii] = ii
		}
	}
	if s.shuffle != nil {
		s.shuffle.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
}

// Batch of decoded examples.
type Batch struct {
	// Pixels of the images, shaped [Size, ImageSize, ImageSize, 3], flattened.
	Pixels []float32

	// Labels and Paths of each example.
	Labels []int
	Paths  []string
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// OneHot returns the labels one-hot encoded, shaped [Size, numClasses], flattened.
func (b *Batch) OneHot(numClasses int) []float32 {
	oneHot := make([]float32, len(b.Labels)*numClasses)
	for ii, label := range b.Labels {
		oneHot[ii*numClasses+label] = 1
	}
	return oneHot
}

// NextBatch returns the next batch of decoded, augmented and normalized images.
// A finite sequence returns io.EOF at the end of each pass.
func (s *Sequence) NextBatch() (*Batch, error) {
	s.mu.Lock()
	if s.pos >= len(s.order) {
		if s.finite {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.order) == 0 {
			s.mu.Unlock()
			return nil, errors.Errorf("dataset %q: infinite sequence has no examples", s.name)
		}
		s.lockedStartPass()
	}
	end := min(s.pos+s.cfg.BatchSize, len(s.order))
	indices := s.order[s.pos:end]
	s.pos = end
	batch := &Batch{
		Labels: make([]int, len(indices)),
		Paths:  make([]string, len(indices)),
	}
	params := make([]augment.Params, len(indices))
	for ii, idx := range indices {
		batch.Labels[ii] = s.items[idx].Label
		batch.Paths[ii] = s.items[idx].Path
		if s.augRng != nil && !s.policy.IsIdentity() {
			params[ii] = s.policy.Sample(s.augRng)
		} else {
			params[ii] = augment.IdentityParams
		}
	}
	s.mu.Unlock()

	size := s.cfg.ImageSize
	exampleLen := augment.PixelsLen(size)
	batch.Pixels = make([]float32, len(indices)*exampleLen)
	pool := workerspool.New(s.cfg.Parallelism)
	for ii := range indices {
		pool.Go(func() error {
			img, err := LoadImage(batch.Paths[ii], size)
			if err != nil {
				return err
			}
			img = params[ii].Apply(img)
			s.cfg.Normalization.ToPixels(img, size, batch.Pixels[ii*exampleLen:(ii+1)*exampleLen])
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", s.name)
	}
	return batch, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Sequence itself.
//   - inputs: the images, shaped [batch_size, image_size, image_size, 3], float32.
//   - labels: the one-hot labels, shaped [batch_size, num_classes], float32; followed, if class weights
//     are configured, by the weights of each example, shaped [batch_size].
func (s *Sequence) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, err := s.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	numClasses := s.NumClasses()
	size := s.cfg.ImageSize
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Pixels, batch.Size(), size, size, 3)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.OneHot(numClasses), batch.Size(), numClasses)}
	if s.classWeights != nil {
		weights := make([]float32, batch.Size())
		for ii, label := range batch.Labels {
			weights[ii] = s.classWeights[label]
		}
		labels = append(labels, tensors.FromFlatDataAndDimensions(weights, batch.Size()))
	}
	return s, inputs, labels, nil
}

// String implements fmt.Stringer.
func (s *Sequence) String() string {
	return fmt.Sprintf("%s: %d examples, %d classes, batch size %d", s.name, len(s.items), s.NumClasses(), s.cfg.BatchSize)
}

// LoadImage decodes the image file, applying its EXIF orientation, and resizes it to size×size.
func LoadImage(path string, size int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return augment.Resize(img, size), nil
}
