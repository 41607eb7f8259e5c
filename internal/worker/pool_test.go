package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewPools(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	if pools.General == nil || pools.Priority == nil {
		t.Fatal("pool is nil")
	}
	if got := pools.Priority.pool.Cap(); got != 16 {
		t.Errorf("priority cap = %d, want 16", got)
	}
}

func TestNewPools_ZeroSizeIsUnbounded(t *testing.T) {
	pools, err := NewPools(context.Background(), PoolConfig{GeneralPoolSize: 0, PriorityPoolSize: 1})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)
	if got := pools.General.pool.Cap(); got != -1 {
		t.Errorf("general cap = %d, want -1", got)
	}
}

func TestPools_Dispatch(t *testing.T) {
	pools, err := NewPools(context.Background(), PoolConfig{GeneralPoolSize: 4, PriorityPoolSize: 2})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := pools.Dispatch(i%2 == 0, func(ctx context.Context) {
			defer wg.Done()
			if ctx.Err() != nil {
				t.Error("task got a cancelled context")
			}
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	wg.Wait()
	if ran.Load() != 10 {
		t.Errorf("ran = %d, want 10", ran.Load())
	}
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pools.General.Submit(ctx, func(context.Context) {
		t.Error("task should not execute with cancelled context")
	})
	if err != context.Canceled {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestPools_PanicIsRecovered(t *testing.T) {
	pools, err := NewPools(context.Background(), PoolConfig{GeneralPoolSize: 1, PriorityPoolSize: 1})
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	_ = pools.Dispatch(false, func(context.Context) { panic("boom") })

	done := make(chan struct{})
	if err := pools.Dispatch(false, func(context.Context) { close(done) }); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped working after a panic")
	}
}

func TestPools_DispatchAfterShutdown(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	pools.Shutdown(time.Second)

	if err := pools.Dispatch(false, func(context.Context) {}); err != ErrShuttingDown {
		t.Errorf("Dispatch() error = %v, want ErrShuttingDown", err)
	}
}

func TestPools_Collectors(t *testing.T) {
	pools, err := NewPools(context.Background(), DefaultPoolConfig())
	if err != nil {
		t.Fatalf("NewPools() error = %v", err)
	}
	defer pools.Shutdown(time.Second)

	reg := prometheus.NewRegistry()
	for _, c := range pools.Collectors() {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(mfs) != 3 {
		t.Errorf("metric families = %d, want 3", len(mfs))
	}
}
