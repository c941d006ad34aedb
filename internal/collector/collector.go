// Package collector decouples a fast producer channel from a slow consumer.
//
// A Collector pulls records off a channel into an overlapped ring buffer: when
// the consumer falls behind, the oldest buffered records are overwritten and
// counted instead of stalling the producer. gattctl uses it between a
// notification stream and the terminal.
package collector

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Metrics provides lock-free counters for a Collector.
// All fields use atomic operations for thread-safe access.
type Metrics struct {
	RecordsProcessed   int64 // Total records taken off the source channel
	ErrorsOccurred     int64 // Total buffer errors
	RecordsOverwritten int64 // Records lost because the consumer fell behind
}

func (m *Metrics) processed() { atomic.AddInt64(&m.RecordsProcessed, 1) }
func (m *Metrics) failed() { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *Metrics) overwritten(n uint32) { atomic.AddInt64(&m.RecordsOverwritten, int64(n)) }

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsProcessed:   atomic.LoadInt64(&m.RecordsProcessed),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
	}
}

func (m *Metrics) reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
}

const (
	StateNotRunning uint32 = iota // Collector is not running and ready to start
	StateRunning                  // Collector is running and buffering records
	StateStopping                 // Collector is in the process of stopping

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// Collector buffers records of a source channel. All methods are thread-safe.
type Collector[T any] struct {
	source  <-chan T
	buffer  mpmc.RichOverlappedRingBuffer[T]
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
	metrics Metrics
	state   uint32
}

// New creates a collector over source.
// onError is called on unexpected buffer errors; if nil, the collector panics on them.
func New[T any](source <-chan T, bufferSize uint32, onError func(error)) (*Collector[T], error) {
	if source == nil {
		return nil, fmt.Errorf("source channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("collector: %v", err))
		}
	}

	return &Collector[T]{
		source:  source,
		buffer:  mpmc.NewOverlappedRingBuffer[T](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   StateNotRunning,
	}, nil
}

// Start begins collecting. It returns once the collecting goroutine runs.
// The collector stops by itself when the source channel closes.
func (c *Collector[T]) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, StateNotRunning, StateRunning) {
		switch s := atomic.LoadUint32(&c.state); s {
		case StateRunning:
			return fmt.Errorf("collector is already running")
		case StateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", s)
		}
	}

	// fresh channels per start cycle
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, StateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				overwrites, err := c.buffer.EnqueueM(rec)
				if err != nil {
					c.metrics.failed()
					c.onError(fmt.Errorf("unexpected buffer.Enqueue error: %w", err))
					return
				}
				c.metrics.overwritten(overwrites)
				c.metrics.processed()
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop stops collecting. Records already buffered stay available to Consume.
func (c *Collector[T]) Stop() error {
	if atomic.CompareAndSwapUint32(&c.state, StateRunning, StateStopping) {
		close(c.stop)
	} else if atomic.LoadUint32(&c.state) == StateNotRunning {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout")
	}
}

// Done is closed when the collecting goroutine of the current cycle exits.
func (c *Collector[T]) Done() <-chan struct{} {
	return c.done
}

// Metrics returns a copy of the current counters.
func (c *Collector[T]) Metrics() Metrics {
	return c.metrics.snapshot()
}

// ResetMetrics zeroes every counter.
func (c *Collector[T]) ResetMetrics() {
	c.metrics.reset()
}

// State returns the lifecycle state.
func (c *Collector[T]) State() uint32 {
	return atomic.LoadUint32(&c.state)
}

// ConsumerFunc consumes buffered records.
//
// Protocol:
//   - record != nil: process it; return the zero value to continue or a
//     non-zero result to stop early.
//   - record == nil: no more records are buffered; return the final result.
type ConsumerFunc[T, R any] func(record *T) (R, error)

// Consume drains every buffered record into consumer.
func Consume[T, R any](c *Collector[T], consumer ConsumerFunc[T, R]) (R, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero R
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZeroValue(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

// Each returns a ConsumerFunc that calls fn for every record and reports how many it saw.
func Each[T any](fn func(T) error) ConsumerFunc[T, int] {
	seen := 0
	return func(record *T) (int, error) {
		if record == nil {
			return seen, nil
		}
		if err := fn(*record); err != nil {
			return 0, err
		}
		seen++
		return 0, nil
	}
}

func isZeroValue[R any](v R) bool {
	var zero R
	return reflect.DeepEqual(v, zero)
}
