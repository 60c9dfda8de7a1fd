package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/hivepool/pkg/log"
)

func TestSubmitRoutesResultsToCallers(t *testing.T) {
	p := New(4, func(n int) int { return n * 2 }, log.Discard())
	defer p.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := p.Submit(context.Background(), n)
			if err != nil {
				errs <- err
				return
			}
			if got != n*2 {
				errs <- errors.New("result crossed callers")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d after all results", p.Pending())
	}
}

func TestDefaultSize(t *testing.T) {
	p := New(0, func(int) int { return 0 }, log.Discard())
	defer p.Close()

	if p.Size() != DefaultSize() || p.Size() < 1 {
		t.Errorf("Size() = %d, want %d", p.Size(), DefaultSize())
	}
}

func TestPanickingTaskRestartsWorker(t *testing.T) {
	p := New(1, func(n int) int {
		if n < 0 {
			panic("negative")
		}
		return n
	}, log.Discard())
	defer p.Close()

	if _, err := p.Submit(context.Background(), -1); !errors.Is(err, ErrTaskPanicked) {
		t.Fatalf("Submit() error = %v, want ErrTaskPanicked", err)
	}
	got, err := p.Submit(context.Background(), 7)
	if err != nil || got != 7 {
		t.Fatalf("Submit() after panic = %d, %v", got, err)
	}
	if p.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", p.Restarts())
	}
}

func TestAbandonedResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	p := New(1, func(n int) int {
		if n == 1 {
			<-release
		}
		return n
	}, log.Discard())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit() error = %v, want deadline exceeded", err)
	}
	if p.Pending() != 0 {
		t.Errorf("abandoned caller still pending")
	}

	close(release)
	got, err := p.Submit(context.Background(), 2)
	if err != nil || got != 2 {
		t.Errorf("Submit() = %d, %v; the late result must not leak to the next caller", got, err)
	}
}

func TestClose(t *testing.T) {
	p := New(2, func(n int) int { return n }, log.Discard())
	p.Close()
	p.Close()

	if _, err := p.Submit(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}
