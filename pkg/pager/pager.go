// Package pager turns a protocol's "fetch the next chunk" call into a lazy,
// forward-only sequence.
//
// A Step receives the continuation state of the page to fetch and returns the
// page's items together with the state of the following page. States are
// plain values: the iterator never mutates one, so a caller holding State()
// can start a new Iterator from exactly the point where another stopped.
//
// Cancellation is "stop pulling". An iterator that is no longer read issues
// no further calls.
package pager

import (
	"context"
	"errors"
	"iter"
)

// ErrExhausted is returned by Next once the last page has been consumed.
var ErrExhausted = errors.New("pager: sequence exhausted")

// Page is the result of one Step.
type Page[S, T any] struct {
	Items []T
	Next  S
	Done  bool
}

// Step fetches the page described by state.
type Step[S, T any] func(ctx context.Context, state S) (Page[S, T], error)

type Iterator[S, T any] struct {
	step  Step[S, T]
	state S
	buf   []T
	done  bool
	err   error
	pages int
}

// New returns an iterator whose first Step call receives initial.
func New[S, T any](initial S, step Step[S, T]) *Iterator[S, T] {
	return &Iterator[S, T]{step: step, state: initial}
}

// Empty returns an iterator that is already exhausted and never calls a step.
func Empty[S, T any](state S) *Iterator[S, T] {
	return &Iterator[S, T]{state: state, done: true}
}

// Next returns the next item, fetching a page when the buffer is empty.
// After a step error every call returns that error without fetching again.
func (it *Iterator[S, T]) Next(ctx context.Context) (T, error) {
	var zero T
	for len(it.buf) == 0 {
		if it.err != nil {
			return zero, it.err
		}
		if it.done {
			return zero, ErrExhausted
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		page, err := it.step(ctx, it.state)
		if err != nil {
			it.err = err
			return zero, err
		}
		it.pages++
		it.state = page.Next
		it.done = page.Done
		it.buf = page.Items
	}

	item := it.buf[0]
	it.buf[0] = zero
	it.buf = it.buf[1:]
	return item, nil
}

// State is the continuation state of the next page to fetch. Items still
// buffered are not covered by it; see Buffered.
func (it *Iterator[S, T]) State() S { return it.state }

// Buffered is the number of fetched items not yet returned by Next.
func (it *Iterator[S, T]) Buffered() int { return len(it.buf) }

// Pages is the number of successful Step calls.
func (it *Iterator[S, T]) Pages() int { return it.pages }

// Done reports whether Next will return ErrExhausted.
func (it *Iterator[S, T]) Done() bool { return it.done && len(it.buf) == 0 && it.err == nil }

// Err returns the error that failed the iterator, if any.
func (it *Iterator[S, T]) Err() error { return it.err }

// All adapts the iterator for range-over-func. A failure is yielded once as
// (zero, err) and ends the loop; exhaustion ends it silently.
func (it *Iterator[S, T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := it.Next(ctx)
			if errors.Is(err, ErrExhausted) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains the iterator. On failure it returns the items read so far
// together with the error.
func Collect[S, T any](ctx context.Context, it *Iterator[S, T]) ([]T, error) {
	var out []T
	for item, err := range it.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
