package mocks

import (
	"sync"
	"time"

	"github.com/srg/gattlink/internal/device"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   []any
}

// Peripheral returns the first argument as a peripheral id.
func (c Call) Peripheral() device.PeripheralID {
	return c.Args[0].(device.PeripheralID)
}

// Handle returns the second argument as a driver handle.
func (c Call) Handle() device.Handle {
	return c.Args[1]
}

// Recorder keeps calls in arrival order and lets tests block until a call shows up.
// The zero value is ready to use.
type Recorder struct {
	mu       sync.Mutex
	recorded []Call
	consumed map[string]int
	signal   chan struct{}
}

// Await blocks until the next call of method that was not returned by a previous
// Await arrives. It reports false on timeout.
func (r *Recorder) Await(timeout time.Duration, method string) (Call, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		r.init()
		seen := 0
		for _, c := range r.recorded {
			if c.Method != method {
				continue
			}
			if seen == r.consumed[method] {
				r.consumed[method]++
				r.mu.Unlock()
				return c, true
			}
			seen++
		}
		signal := r.signal
		r.mu.Unlock()

		select {
		case <-signal:
		case <-deadline.C:
			return Call{}, false
		}
	}
}

// CallsOf returns every recorded call of method.
func (r *Recorder) CallsOf(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var calls []Call
	for _, c := range r.recorded {
		if c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

func (r *Recorder) record(method string, args ...any) {
	r.mu.Lock()
	r.init()
	r.recorded = append(r.recorded, Call{Method: method, Args: args})
	close(r.signal)
	r.signal = make(chan struct{})
	r.mu.Unlock()
}

func (r *Recorder) init() {
	if r.consumed == nil {
		r.consumed = make(map[string]int)
	}
	if r.signal == nil {
		r.signal = make(chan struct{})
	}
}
