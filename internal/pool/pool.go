// Package pool provides batch reuse for the parallel executor using sync.Pool.
package pool

import (
	"sync"

	"github.com/logflow/logstream/internal/model"
)

// DefaultBatchSize is the default number of events per batch.
const DefaultBatchSize = 1000

// BatchPool manages reusable Batch structs so that the intake side does not
// allocate a fresh slice for every batch it cuts.
type BatchPool struct {
	pool     sync.Pool
	batchLen int
}

// NewBatchPool creates a new batch pool whose batches have capacity batchSize.
func NewBatchPool(batchSize int) *BatchPool {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	bp := &BatchPool{batchLen: batchSize}
	bp.pool.New = func() any {
		return &model.Batch{
			Events: make([]*model.Event, 0, batchSize),
		}
	}
	return bp
}

// Get retrieves an empty batch from the pool.
func (p *BatchPool) Get() *model.Batch {
	return p.pool.Get().(*model.Batch)
}

// Put returns a batch to the pool. The caller must not keep references to
// the batch's slice.
func (p *BatchPool) Put(b *model.Batch) {
	if b == nil {
		return
	}
	b.Reset()
	p.pool.Put(b)
}

// Capacity returns the configured batch capacity.
func (p *BatchPool) Capacity() int {
	return p.batchLen
}
