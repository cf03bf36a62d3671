package strategy

import (
	"context"
	"sync"
)

// future is a one-shot completion handle per Design Note §9: a
// channel of capacity 1, completed at most once.
type future struct {
	ch   chan any
	once sync.Once
}

func newFuture() *future {
	return &future{ch: make(chan any, 1)}
}

func (f *future) complete(v any) {
	f.once.Do(func() {
		f.ch <- v
		close(f.ch)
	})
}

func (f *future) wait(ctx context.Context) (any, error) {
	select {
	case v, ok := <-f.ch:
		if !ok {
			return nil, context.Canceled
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingRequest struct {
	fut       *future
	mintedAt  int64
}
