package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc over the elements of a sequence with at most limit calls
// in flight and yields the results in completion order. A cancelled context
// stops the processing.
//
//	for out, err := range parallel.NewMap(ctx, 4, f).Iter(slices.Values(in)) {}
type Map[E, D any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	mapped  chan result[D]
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	ctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	// the feeding goroutine holds one slot
	g.SetLimit(max(limit, 1) + 1)

	return &Map[E, D]{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		mapped:  make(chan result[D], max(limit, 1)),
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) feed(seq iter.Seq[E]) {
	m.g.Go(func() error {
		for e := range seq {
			if m.ctx.Err() != nil {
				return nil
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.ctx, e)
				select {
				case <-m.ctx.Done():
				case m.mapped <- result[D]{d: d, e: err}:
				}
				return nil
			})
		}
		return nil
	})
}

// Iter consumes seq. Breaking out of the loop cancels the calls in flight.
func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer m.cancel()
		m.feed(seq)

		go func() {
			_ = m.g.Wait()
			close(m.mapped)
		}()

		for r := range m.mapped {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
