package xfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drunlade/go-batchxfer/internal/testutil"
)

func TestWorkerPoolRunsEveryJob(t *testing.T) {
	var handled atomic.Int64
	pool := NewWorkerPool(5, func(n int) {
		handled.Add(int64(n))
	})

	for i := 1; i <= 100; i++ {
		if err := pool.Submit(context.Background(), i); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
	}
	pool.Close()

	if got := handled.Load(); got != 5050 {
		t.Errorf("handled sum = %d, want 5050", got)
	}
}

func TestWorkerPoolSubmitBlocksWhenSaturated(t *testing.T) {
	started := make(chan int, 3)
	release := make(chan struct{})
	pool := NewWorkerPool(2, func(n int) {
		started <- n
		<-release
	})
	defer pool.Close()

	for i := range 2 {
		if err := pool.Submit(context.Background(), i); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
	}
	testutil.RequireReceive(t, started, 5*time.Second, "first job start")
	testutil.RequireReceive(t, started, 5*time.Second, "second job start")
	if busy := pool.Busy(); busy != 2 {
		t.Errorf("Busy() = %d, want 2", busy)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() on a saturated pool = %v, want context.DeadlineExceeded", err)
	}

	close(release)
	if err := pool.Submit(context.Background(), 3); err != nil {
		t.Fatalf("Submit() after release error: %v", err)
	}
	if n := testutil.RequireReceive(t, started, 5*time.Second, "third job start"); n != 3 {
		t.Errorf("started job %d, want 3", n)
	}
}

func TestWorkerPoolMinimumSize(t *testing.T) {
	pool := NewWorkerPool(0, func(int) {})
	defer pool.Close()
	if pool.Size() != 1 {
		t.Errorf("Size() = %d, want 1", pool.Size())
	}
}
