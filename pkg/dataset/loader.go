package dataset

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// Batch is a group of samples assembled by a Loader worker.
type Batch struct {
	Indices []int
	Spectra [][]float64
	Labels  []int
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return len(b.Indices) }

// LoaderOptions configures batch assembly.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool

	// Workers assembling batches in parallel. Zero means GOMAXPROCS.
	Workers int

	// Rand drives the per-epoch order and the worker seeds.
	Rand *rand.Rand
}

// Loader iterates a Dataset in batches, reshuffling every epoch. Batches
// are assembled concurrently, each worker drawing augmentation randomness
// from its own generator, and delivered to the caller one at a time.
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader creates a loader over ds.
func NewLoader(ds *Dataset, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Loader{ds: ds, opts: opts, rng: rng}, nil
}

// NumBatches returns the number of batches per epoch; the last may be short.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Dataset returns the dataset being iterated.
func (l *Loader) Dataset() *Dataset { return l.ds }

func (l *Loader) order() []int {
	if l.opts.Shuffle {
		return l.rng.Perm(l.ds.Len())
	}
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// Epoch runs one pass over the dataset, calling fn for every batch in
// completion order. fn is never called concurrently. Cancelling ctx stops
// the pass at the next batch boundary and returns ctx.Err().
func (l *Loader) Epoch(ctx context.Context, fn func(*Batch) error) error {
	order := l.order()
	numBatches := l.NumBatches()

	workers := l.opts.Workers
	if workers > numBatches {
		workers = numBatches
	}
	seeds := make([]uint64, workers)
	for i := range seeds {
		seeds[i] = l.rng.Uint64()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	jobs := make(chan int)
	out := make(chan *Batch, workers)

	g.Go(func() error {
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			select {
			case jobs <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(seeds[w]))
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for b := range jobs {
				batch, err := l.assemble(order, b, rng)
				if err != nil {
					return err
				}
				select {
				case out <- batch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	var consumeErr error
	for batch := range out {
		if consumeErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			consumeErr = err
			cancel()
			continue
		}
		if err := fn(batch); err != nil {
			consumeErr = err
			cancel()
		}
	}

	waitErr := g.Wait()
	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return ctx.Err()
}

func (l *Loader) assemble(order []int, b int, rng *rand.Rand) (*Batch, error) {
	start := b * l.opts.BatchSize
	end := start + l.opts.BatchSize
	if end > len(order) {
		end = len(order)
	}
	batch := &Batch{
		Indices: order[start:end],
		Spectra: make([][]float64, 0, end-start),
		Labels:  make([]int, 0, end-start),
	}
	for _, idx := range batch.Indices {
		s, err := l.ds.GetWith(idx, rng)
		if err != nil {
			return nil, err
		}
		batch.Spectra = append(batch.Spectra, s.Spectrum)
		batch.Labels = append(batch.Labels, s.Label)
	}
	return batch, nil
}
