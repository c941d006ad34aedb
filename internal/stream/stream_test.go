package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStream_FinishDeliversBufferedValues(t *testing.T) {
	s := New[int](4)

	assert.True(t, s.Push(1))
	assert.True(t, s.Push(2))
	assert.NoError(t, s.Err(), "live stream MUST have no error")

	assert.True(t, s.Finish(), "first Finish MUST terminate the stream")
	assert.False(t, s.Finish(), "second Finish MUST be a no-op")
	assert.False(t, s.Fail(errors.New("late")), "Fail after Finish MUST be a no-op")

	var got []int
	for v := range s.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2}, got, "values pushed before Finish MUST be readable")
	assert.NoError(t, s.Err(), "normal finish MUST report nil error")
}

func TestStream_FailKeepsFirstError(t *testing.T) {
	s := New[string](1)
	first := errors.New("first")

	assert.True(t, s.Fail(first))
	assert.False(t, s.Fail(errors.New("second")))
	assert.False(t, s.Push("late"), "Push after termination MUST be rejected")

	<-s.Done()
	assert.ErrorIs(t, s.Err(), first, "MUST keep the first terminal error")

	_, ok := <-s.C()
	assert.False(t, ok, "value channel MUST be closed")
}

func TestStream_DropsOldestWhenConsumerLags(t *testing.T) {
	s := New[int](2)
	for i := 0; i < 5; i++ {
		s.Push(i)
	}
	s.Finish()

	var got []int
	for v := range s.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4}, got)
	assert.Equal(t, int64(3), s.Dropped())
}
