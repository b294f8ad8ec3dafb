package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/clock"
)

const (
	defaultMaxItems   = 3
	defaultMaxTimeOut = 5 * time.Second
)

func TestBatch_MaxItems(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	output := make(chan []int, 10)
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, func(a []int) { output <- a })
	batcher.clock = testClock

	go func() {
		batcher.Run(ctx)
	}()

	// Two full batches without advancing the clock: both should flush on size.
	inputChan <- 1
	inputChan <- 2
	inputChan <- 3
	assert.Equal(t, []int{1, 2, 3}, <-output)
	inputChan <- 4
	inputChan <- 5
	inputChan <- 6
	assert.Equal(t, []int{4, 5, 6}, <-output)
}

func TestBatch_Time(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	output := make(chan []int, 10)
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, func(a []int) { output <- a })
	batcher.clock = testClock

	go func() {
		batcher.Run(ctx)
	}()

	// Fewer than maxItems: nothing flushes until the timer fires.
	inputChan <- 1
	inputChan <- 2
	waitForTimerRegistered(t, testClock)
	testClock.Step(5 * time.Second)
	assert.Equal(t, []int{1, 2}, <-output)

	inputChan <- 3
	inputChan <- 4
	waitForTimerRegistered(t, testClock)
	testClock.Step(5 * time.Second)
	assert.Equal(t, []int{3, 4}, <-output)
}

func TestBatch_FlushesPartialBatchOnClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inputChan := make(chan int)
	output := make(chan []int, 10)
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, func(a []int) { output <- a })

	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	inputChan <- 1
	inputChan <- 2
	close(inputChan)
	assert.Equal(t, []int{1, 2}, <-output)
	<-done
}

// waitForTimerRegistered blocks until the batcher has armed its flush timer on
// the fake clock, so that Step is guaranteed to fire it.
func waitForTimerRegistered(t *testing.T, c *clock.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for batcher to arm its timer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
