package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify queue semantics, consume loop, failure counting, shutdown
// ============================================================================

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/pcconv/internal/sink"
	"github.com/ChuLiYu/pcconv/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records writes and can fail selected rows
type fakeSink struct {
	delay    time.Duration
	closeErr error

	mu         sync.Mutex
	rows       []uint64
	failOn     map[uint64]bool
	closes     int
	afterClose int
}

func newFakeSink(failRows ...uint64) *fakeSink {
	s := &fakeSink{failOn: make(map[uint64]bool)}
	for _, r := range failRows {
		s.failOn[r] = true
	}
	return s
}

func (s *fakeSink) Open() error { return nil }

func (s *fakeSink) Write(r types.Record) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		s.afterClose++
	}
	if s.failOn[r.RowNumber] {
		return errors.New("simulated write failure")
	}
	s.rows = append(s.rows, r.RowNumber)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeSink) Suffix() string { return "" }

func (s *fakeSink) written() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.rows...)
}

func (s *fakeSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeSink) afterCloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.afterClose
}

func (s *fakeSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// ============================================================================
// Queue Tests
// ============================================================================

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	_, ok := q.Pop()
	assert.False(t, ok, "empty queue pops nothing")

	for i := 0; i < 5; i++ {
		q.Push(types.Record{RowNumber: uint64(i), Line: "x"})
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		r, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i), r.RowNumber)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentPushPop(t *testing.T) {
	q := NewQueue()
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(types.Record{RowNumber: uint64(i)})
		}
	}()

	got := make([]uint64, 0, n)
	for len(got) < n {
		if r, ok := q.Pop(); ok {
			got = append(got, r.RowNumber)
		}
	}
	wg.Wait()

	for i, row := range got {
		assert.Equal(t, uint64(i), row, "single producer order is preserved")
	}
}

func TestDepth(t *testing.T) {
	queues := []*Queue{NewQueue(), NewQueue(), NewQueue()}
	queues[0].Push(types.Record{})
	queues[2].Push(types.Record{})
	queues[2].Push(types.Record{})
	assert.Equal(t, 3, Depth(queues))
}

// ============================================================================
// Worker Tests
// ============================================================================

func TestWorkerWritesInOrder(t *testing.T) {
	s := newFakeSink()
	w := newWorker(0, NewQueue(), s, nil)
	for i := 0; i < 100; i++ {
		w.queue.Push(types.Record{RowNumber: uint64(i * 3)})
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return w.queue.Len() == 0 && w.IsIdle()
	}))
	w.Quit()
	<-done

	rows := s.written()
	require.Len(t, rows, 100)
	for i, r := range rows {
		assert.Equal(t, uint64(i*3), r)
	}
	assert.Equal(t, int64(100), w.Success())
	assert.Equal(t, int64(0), w.Fails())
	assert.Equal(t, 1, s.closeCount(), "sink closed exactly once")
}

func TestWorkerCountsFailuresAndContinues(t *testing.T) {
	s := newFakeSink(2, 5)
	w := newWorker(1, NewQueue(), s, nil)
	for i := 0; i < 8; i++ {
		w.queue.Push(types.Record{RowNumber: uint64(i)})
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return w.Success()+w.Fails() == 8
	}))
	w.Quit()
	<-done

	assert.Equal(t, int64(6), w.Success())
	assert.Equal(t, int64(2), w.Fails())
	assert.Equal(t, []uint64{0, 1, 3, 4, 6, 7}, s.written())
}

type countingObserver struct {
	mu    sync.Mutex
	calls int
	errs  int
}

func (o *countingObserver) ObserveWrite(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if err != nil {
		o.errs++
	}
}

func TestWorkerObserver(t *testing.T) {
	obs := &countingObserver{}
	w := newWorker(0, NewQueue(), newFakeSink(1), obs)
	w.queue.Push(types.Record{RowNumber: 0})
	w.queue.Push(types.Record{RowNumber: 1})

	go w.Run()
	require.True(t, waitFor(t, 2*time.Second, func() bool { return w.Success()+w.Fails() == 2 }))
	w.Quit()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.calls)
	assert.Equal(t, 1, obs.errs)
}

func TestWorkerIdleFlag(t *testing.T) {
	w := newWorker(0, NewQueue(), newFakeSink(), nil)
	assert.False(t, w.IsIdle())

	go w.Run()
	assert.True(t, waitFor(t, time.Second, w.IsIdle), "empty queue makes the worker idle")
	assert.False(t, w.IsQuit())

	w.Quit()
	assert.True(t, w.IsQuit())
}

func TestWorkerCloseIdempotent(t *testing.T) {
	s := newFakeSink()
	w := newWorker(0, NewQueue(), s, nil)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Equal(t, 1, s.closeCount())

	s.closeErr = errors.New("flush failed")
	w2 := newWorker(1, NewQueue(), s, nil)
	assert.Error(t, w2.Close())
	assert.Error(t, w2.Close(), "the first error is kept")
	assert.Equal(t, 2, s.closeCount())
}

func TestWorkerQuitLeavesCloseToRun(t *testing.T) {
	s := newFakeSink()
	s.delay = 50 * time.Millisecond
	w := newWorker(0, NewQueue(), s, nil)
	w.queue.Push(types.Record{RowNumber: 0})

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	require.True(t, waitFor(t, time.Second, func() bool { return w.queue.Len() == 0 }))
	w.Quit()
	assert.Equal(t, 0, s.closeCount(), "quit does not close the sink")

	<-done
	assert.Equal(t, 1, s.closeCount())
	assert.Zero(t, s.afterCloseCount(), "no write after close")
	assert.Equal(t, int64(1), w.Success())
}

// ============================================================================
// Pool Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	_, err := NewPool(nil, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)

	pool, err := NewPool([]sink.Sink{newFakeSink(), newFakeSink()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.GetWorkerCount())
	assert.Len(t, pool.Queues(), 2)
	assert.False(t, pool.IsStarted())
	for i, w := range pool.Workers() {
		assert.Equal(t, i, w.ID())
		assert.Same(t, pool.Queues()[i], w.Queue())
	}
}

func TestPoolStartTwice(t *testing.T) {
	pool, err := NewPool([]sink.Sink{newFakeSink()}, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(), ErrPoolStarted)

	pool.Stop()
}

func TestPoolTotalsAndStop(t *testing.T) {
	// row 5 lands on queue 1
	sinks := []sink.Sink{newFakeSink(), newFakeSink(5)}
	pool, err := NewPool(sinks, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	pool.Go(func() {
		for i := 0; i < 10; i++ {
			pool.Queues()[i%2].Push(types.Record{RowNumber: uint64(i)})
		}
	})

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		s, f := pool.Totals()
		return s+f == 10
	}))
	pool.Stop()

	success, fails := pool.Totals()
	assert.Equal(t, int64(9), success)
	assert.Equal(t, int64(1), fails)
	assert.Equal(t, 0, pool.Depth())
	for _, s := range sinks {
		assert.Equal(t, 1, s.(*fakeSink).closeCount())
	}
	assert.Zero(t, pool.CloseErrors())
}

func TestPoolStopDuringSlowWrites(t *testing.T) {
	slow := newFakeSink()
	slow.delay = 2 * time.Millisecond
	failing := newFakeSink()
	failing.closeErr = errors.New("flush failed")

	pool, err := NewPool([]sink.Sink{slow, failing}, nil)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		pool.Queues()[i%2].Push(types.Record{RowNumber: uint64(i)})
	}
	require.NoError(t, pool.Start())
	require.True(t, waitFor(t, time.Second, func() bool { return slow.Len() > 0 }))

	pool.Stop()

	assert.Equal(t, 1, slow.closeCount())
	assert.Zero(t, slow.afterCloseCount(), "sink closed while a write was in flight")
	assert.Positive(t, pool.Depth(), "stop does not drain")
	assert.Equal(t, 1, pool.CloseErrors())
}

func TestPoolStopBeforeStart(t *testing.T) {
	s := newFakeSink()
	pool, err := NewPool([]sink.Sink{s}, nil)
	require.NoError(t, err)

	pool.Stop()
	assert.Equal(t, 1, s.closeCount(), "unstarted workers still release their sink")
}
