package correlation

import (
	"context"
	"sync"
)

type result struct {
	payload []byte
	err     error
}

// Waiter is a channel backed Completion. Only the first Complete counts.
type Waiter struct {
	once sync.Once
	ch   chan result
}

func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan result, 1)}
}

func (w *Waiter) Complete(payload []byte, err error) {
	w.once.Do(func() {
		w.ch <- result{payload: payload, err: err}
	})
}

// Wait blocks until Complete or ctx is done. On ctx expiry the call is
// still pending; the caller must Cancel it.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-w.ch:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
