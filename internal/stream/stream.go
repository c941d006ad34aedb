package stream

import "sync"

// Stream is a bounded sequence of values that terminates exactly once,
// either normally (Finish) or with an error (Fail).
//
// Values are delivered through C(), which is closed after termination once the
// buffered values have been read. Err reports why the stream ended.
//
//	for v := range s.C() {
//	    handle(v)
//	}
//	if err := s.Err(); err != nil {
//	    // stream failed
//	}
type Stream[T any] struct {
	ring *RingChannel[T]
	once sync.Once
	done chan struct{}
	err  error
}

// New creates a Stream buffering at most capacity undelivered values.
// When the buffer is full the oldest value is dropped.
func New[T any](capacity int) *Stream[T] {
	return &Stream[T]{
		ring: NewRingChannel[T](capacity),
		done: make(chan struct{}),
	}
}

// C returns the value channel.
func (s *Stream[T]) C() <-chan T {
	return s.ring.C()
}

// Done is closed when the stream terminates.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error. It is nil while the stream is live and
// after a normal finish.
func (s *Stream[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Push delivers a value. It returns false once the stream has terminated.
func (s *Stream[T]) Push(v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.ring.Send(v)
	return !s.ring.Closed()
}

// Finish terminates the stream normally. It reports whether this call terminated it.
func (s *Stream[T]) Finish() bool {
	return s.terminate(nil)
}

// Fail terminates the stream with err. It reports whether this call terminated it.
func (s *Stream[T]) Fail(err error) bool {
	return s.terminate(err)
}

// Dropped returns how many values were discarded because the consumer fell behind.
func (s *Stream[T]) Dropped() int64 {
	return s.ring.GetMetrics().Overwritten
}

func (s *Stream[T]) terminate(err error) bool {
	terminated := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.ring.Close()
		terminated = true
	})
	return terminated
}
