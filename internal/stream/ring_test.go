package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingChannel_PanicsOnInvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) }, "zero capacity MUST panic")
	assert.Panics(t, func() { NewRingChannel[int](-1) }, "negative capacity MUST panic")
}

func TestRingChannel_DropsOldest(t *testing.T) {
	rc := NewRingChannel[int](3)

	var dropped int
	for i := 0; i < 10; i++ {
		if rc.Send(i) {
			dropped++
		}
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "MUST keep only the newest values")
	assert.Equal(t, 7, dropped, "MUST report every dropped value")

	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannel_SingleSlotKeepsLatest(t *testing.T) {
	rc := NewRingChannel[string](1)

	rc.Send("unknown")
	rc.Send("off")
	rc.Send("on")

	v, ok := rc.TryReceive()
	require.True(t, ok, "MUST have a value")
	assert.Equal(t, "on", v, "latest value MUST win")

	_, ok = rc.TryReceive()
	assert.False(t, ok, "MUST be empty after reading the only slot")
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := NewRingChannel[int](1)

	assert.True(t, rc.TrySend(1), "first TrySend MUST succeed")
	assert.False(t, rc.TrySend(2), "TrySend on a full buffer MUST fail")
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())

	v, ok := rc.Receive()
	assert.True(t, ok)
	assert.Equal(t, 1, v, "TrySend MUST NOT overwrite")
	assert.Equal(t, int64(1), rc.GetMetrics().Processed)
}

func TestRingChannel_SendAfterClose(t *testing.T) {
	rc := NewRingChannel[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close() // idempotent

	assert.NotPanics(t, func() { rc.Send(2) }, "Send after Close MUST NOT panic")
	assert.False(t, rc.TrySend(3), "TrySend after Close MUST fail")
	assert.True(t, rc.Closed())
	assert.Equal(t, int64(1), rc.GetMetrics().Errors, "rejected Send MUST be counted")

	v, ok := rc.Receive()
	assert.True(t, ok, "buffered value MUST survive Close")
	assert.Equal(t, 1, v)

	_, ok = rc.Receive()
	assert.False(t, ok, "drained closed channel MUST report !ok")
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := NewRingChannel[int](8)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Send(i)
			}
		}()
	}

	consumed := make(chan int)
	go func() {
		n := 0
		for range rc.C() {
			n++
		}
		consumed <- n
	}()

	wg.Wait()
	rc.Close()
	n := <-consumed

	m := rc.GetMetrics()
	assert.Equal(t, int64(4000), m.Written, "every Send MUST be written")
	assert.Equal(t, int64(4000), int64(n)+m.Overwritten, "every value MUST be either consumed or overwritten")
}
