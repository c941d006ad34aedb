package central

import "sync"

// Pending is anything the registry can hold: a single-shot Promise or a
// multi-shot stream. Fail resolves it with an error and reports whether this
// call was the one that resolved it.
type Pending interface {
	Fail(err error) bool
}

// Promise is a single-shot completion handle. It resolves exactly once;
// later Resolve or Fail calls are no-ops.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve completes the promise with a value.
func (p *Promise[T]) Resolve(v T) bool {
	resolved := false
	p.once.Do(func() {
		p.value = v
		close(p.done)
		resolved = true
	})
	return resolved
}

// Fail completes the promise with an error.
func (p *Promise[T]) Fail(err error) bool {
	resolved := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the promise is resolved.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the promise resolves.
func (p *Promise[T]) Result() (T, error) {
	<-p.done
	return p.value, p.err
}
