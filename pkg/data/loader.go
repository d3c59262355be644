// Package data assembles dataset samples into training batches with a pool of
// background workers prefetching ahead of the training loop.
package data

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tinyllm/sft/pkg/dataset"
)

// Dataset is the sample source the loader draws from.
type Dataset interface {
	Len() int
	SeqLen() int
	At(i int) (dataset.Sample, error)
}

// Batch is one training step of data: flattened (B*T) inputs, targets and the
// loss mask. Batches are built fresh per step and consumed exactly once.
type Batch struct {
	Inputs   []int32
	Targets  []int32
	LossMask []float32
	Size     int
	SeqLen   int
}

// Loader is a shuffling, multi-worker batch loader. Sample order is
// reshuffled every epoch from a seeded source; only complete batches are
// emitted, so the tail of the permutation that does not fill a batch is
// dropped. Batch ordering across workers is not otherwise guaranteed.
type Loader struct {
	ds        Dataset
	batchSize int
	workers   int
	prefetch  int
	seed      int64

	mu  sync.Mutex
	err error
}

// NewLoader validates the geometry and returns a loader.
func NewLoader(ds Dataset, batchSize, workers int, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if ds.Len() < batchSize {
		return nil, fmt.Errorf("dataset has %d samples, need at least one batch of %d", ds.Len(), batchSize)
	}
	if workers <= 0 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		workers:   workers,
		prefetch:  2 * workers,
		seed:      seed,
	}, nil
}

// Steps returns the number of batches per epoch.
func (l *Loader) Steps() int {
	return l.ds.Len() / l.batchSize
}

// Err returns the first worker error of the current epoch. It is meaningful
// once the epoch channel has been drained.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loader) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
}

// Epoch returns a channel producing every batch of one epoch. The channel
// closes when the epoch is exhausted, a worker fails, or ctx is cancelled;
// callers check Err afterwards. A caller abandoning the channel early must
// cancel ctx, or workers stay parked on the send.
func (l *Loader) Epoch(ctx context.Context, epoch int) <-chan Batch {
	l.mu.Lock()
	l.err = nil
	l.mu.Unlock()

	perm := rand.New(rand.NewSource(l.seed + int64(epoch))).Perm(l.ds.Len())
	steps := l.Steps()

	indices := make(chan []int, steps)
	for s := 0; s < steps; s++ {
		indices <- perm[s*l.batchSize : (s+1)*l.batchSize]
	}
	close(indices)

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Batch, l.prefetch)
	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ids := range indices {
				batch, err := l.assemble(ids)
				if err != nil {
					l.fail(err)
					cancel()
					return
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out
}

func (l *Loader) assemble(ids []int) (Batch, error) {
	T := l.ds.SeqLen()
	batch := Batch{
		Inputs:   make([]int32, len(ids)*T),
		Targets:  make([]int32, len(ids)*T),
		LossMask: make([]float32, len(ids)*T),
		Size:     len(ids),
		SeqLen:   T,
	}
	for row, id := range ids {
		sample, err := l.ds.At(id)
		if err != nil {
			return Batch{}, err
		}
		if len(sample.Input) != T {
			return Batch{}, fmt.Errorf("sample %d has length %d, want %d", id, len(sample.Input), T)
		}
		copy(batch.Inputs[row*T:], sample.Input)
		copy(batch.Targets[row*T:], sample.Target)
		copy(batch.LossMask[row*T:], sample.LossMask)
	}
	return batch, nil
}
