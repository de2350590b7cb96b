package vhred

import (
	"runtime"
	"sync"
)

// ShareWeights returns a model that reads m's parameters and embedding but
// owns its random streams, so Loss and Infer may run on it concurrently with
// other clones. The clone has no optimizer and must not be trained.
func (m *Model) ShareWeights(seed uint64) *Model {
	c := &Model{
		Config:     m.Config,
		Embedding:  m.Embedding, // shared read-only
		Words:      m.Words,
		Sentences:  m.Sentences,
		Bottleneck: m.Bottleneck,
		Decoder:    m.Decoder,
	}
	c.Reseed(seed)
	return c
}

// LossAll evaluates batches on up to GOMAXPROCS weight-sharing clones.
// Worker w handles batches w, w+workers, ... with seed+w, so results do not
// depend on scheduling. m must not be trained while LossAll runs.
func (m *Model) LossAll(batches []*Batch, annealing float64, seed uint64) ([]StepResult, []error) {
	res := make([]StepResult, len(batches))
	errs := make([]error, len(batches))
	workers := min(len(batches), runtime.GOMAXPROCS(0))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := m.ShareWeights(seed + uint64(w))
			for i := w; i < len(batches); i += workers {
				res[i], errs[i] = c.Loss(batches[i], annealing)
			}
		}()
	}
	wg.Wait()
	return res, errs
}
