package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"brokerd/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_SubmitRunsTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:       "test",
		MaxWorkers: 4,
	}, &noopLogger{})
	defer pool.Stop()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != 50 {
		t.Errorf("Expected 50 executed tasks, got %d", got)
	}
}

func TestWorkerPool_SubmitAndWait(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "wait", MaxWorkers: 2}, &noopLogger{})
	defer pool.Stop()

	ran := false
	pool.SubmitAndWait(func() { ran = true })
	if !ran {
		t.Error("Expected task to run before SubmitAndWait returned")
	}
}

func TestWorkerPool_GatherWaitsForAllTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "gather", MaxWorkers: 4}, &noopLogger{})
	defer pool.Stop()

	var a, b, c int
	pool.Gather(
		func() { a = 1 },
		func() { b = 2 },
		func() { c = 3 },
	)
	if a != 1 || b != 2 || c != 3 {
		t.Errorf("Expected all tasks to finish before Gather returned, got %d %d %d", a, b, c)
	}
}

func TestWorkerPool_NonBlockingFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "full",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, &noopLogger{})
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker, then fill the queue.
	_ = pool.Submit(func() { <-block })

	var rejected bool
	for i := 0; i < 10; i++ {
		if err := pool.Submit(func() { <-block }); err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Error("Expected at least one rejected submit once the pool filled")
	}
}
