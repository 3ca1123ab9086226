package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
)

func newTestPool(max int) *Pool {
	return New("test", nlog.New("threadpool-test"), metrics.New(), max)
}

func TestPostRunsAllTasks(t *testing.T) {
	p := newTestPool(4)
	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Post(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}
	wg.Wait()
	if got := atomic.LoadInt64(&n); got != 100 {
		t.Fatalf("expected 100 tasks to run, got %d", got)
	}
}

func TestPostRecoversPanickingTask(t *testing.T) {
	p := newTestPool(2)
	var wg sync.WaitGroup
	wg.Add(1)
	p.Post(func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	var ran int32
	wg.Add(1)
	p.Post(func() {
		defer wg.Done()
		atomic.StoreInt32(&ran, 1)
	})
	wg.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("pool must keep serving tasks after a prior task panicked")
	}
}

func TestShutdownDrainsQueueBeforeExit(t *testing.T) {
	p := newTestPool(1)
	var n int64
	for i := 0; i < 20; i++ {
		p.Post(func() { atomic.AddInt64(&n, 1) })
	}
	p.Shutdown()
	if err := p.Join(); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	if got := atomic.LoadInt64(&n); got != 20 {
		t.Fatalf("expected all 20 queued tasks to run before exit, got %d", got)
	}
}

func TestPoolGrowsUnderBacklog(t *testing.T) {
	p := newTestPool(0)
	block := make(chan struct{})
	var started int32
	for i := 0; i < 8; i++ {
		p.Post(func() {
			atomic.AddInt32(&started, 1)
			<-block
		})
	}
	// A backlog posted faster than one worker can drain it must spawn
	// more than one worker to service it concurrently.
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&started) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 concurrently running workers, only %d started", atomic.LoadInt32(&started))
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(block)
	p.Shutdown()
	_ = p.Join()
}
