package routine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dailyyoga/httpq/logger"
)

func TestRunner_Go(t *testing.T) {
	r := New(logger.Nop())

	var ran atomic.Bool
	r.Go(func() { ran.Store(true) })
	r.Wait()

	if !ran.Load() {
		t.Fatal("function did not run")
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	r := New(logger.Nop())

	r.GoNamed("panicker", func() { panic("boom") })
	r.Wait()
	// Reaching this point means the panic did not crash the test binary.
}

func TestRunner_WaitForMany(t *testing.T) {
	r := New(logger.Nop())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		r.Go(func() { count.Add(1) })
	}
	r.Wait()

	if got := count.Load(); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}
}

func TestGoNamed_Standalone(t *testing.T) {
	done := make(chan struct{})
	GoNamed(logger.Nop(), "standalone", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoNamedWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	GoNamedWithContext(ctx, logger.Nop(), "ctx", func(ctx context.Context) {
		if ctx == nil {
			t.Error("nil context")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
