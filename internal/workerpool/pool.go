// Package workerpool runs CPU-bound tasks on a fixed set of goroutines.
//
// Tasks are dispatched round-robin. Every task carries a correlation id and
// its result is routed back to the caller that owns that id, so callers
// sharing a worker never receive each other's results. A caller that gives up
// removes its id; a result arriving afterwards is dropped.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bardlex/hivepool/pkg/log"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
	// ErrTaskPanicked is returned when the task function panicked. The worker
	// is restarted.
	ErrTaskPanicked = errors.New("task panicked")
)

type task[Req any] struct {
	id  uint64
	req Req
}

type result[Res any] struct {
	id  uint64
	res Res
	err error
}

type worker[Req, Res any] struct {
	index   int
	inbox   chan task[Req]
	results chan result[Res]
}

// Pool executes fn for submitted requests.
type Pool[Req, Res any] struct {
	fn      func(Req) Res
	logger  *log.Logger
	workers []*worker[Req, Res]

	next atomic.Uint64
	ids  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan result[Res]
	closed  bool

	restarts atomic.Uint64
	quit     chan struct{}
	wg       sync.WaitGroup
}

// DefaultSize is one worker per CPU, leaving one for the connections.
func DefaultSize() int {
	return max(runtime.NumCPU()-1, 1)
}

// New starts size workers running fn.
func New[Req, Res any](size int, fn func(Req) Res, logger *log.Logger) *Pool[Req, Res] {
	if size < 1 {
		size = DefaultSize()
	}
	p := &Pool[Req, Res]{
		fn:      fn,
		logger:  logger.WithComponent("workerpool"),
		pending: make(map[uint64]chan result[Res]),
		quit:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		w := &worker[Req, Res]{
			index:   i,
			inbox:   make(chan task[Req]),
			results: make(chan result[Res], 1),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(2)
		go p.supervise(w)
		go p.route(w)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool[Req, Res]) Size() int {
	return len(p.workers)
}

// Pending returns the number of callers waiting for a result.
func (p *Pool[Req, Res]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Restarts returns how many times a worker was restarted after a panic.
func (p *Pool[Req, Res]) Restarts() uint64 {
	return p.restarts.Load()
}

// Submit runs req on the next worker and waits for its result.
func (p *Pool[Req, Res]) Submit(ctx context.Context, req Req) (Res, error) {
	var zero Res

	id := p.ids.Add(1)
	reply := make(chan result[Res], 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	p.pending[id] = reply
	p.mu.Unlock()

	w := p.workers[(p.next.Add(1)-1)%uint64(len(p.workers))]

	select {
	case w.inbox <- task[Req]{id: id, req: req}:
	case <-ctx.Done():
		p.forget(id)
		return zero, ctx.Err()
	case <-p.quit:
		p.forget(id)
		return zero, ErrClosed
	}

	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		p.forget(id)
		return zero, ctx.Err()
	case <-p.quit:
		p.forget(id)
		return zero, ErrClosed
	}
}

// Close stops every worker. Waiting callers receive ErrClosed.
func (p *Pool[Req, Res]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
}

func (p *Pool[Req, Res]) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// supervise runs the worker loop and starts it again after a panic.
func (p *Pool[Req, Res]) supervise(w *worker[Req, Res]) {
	defer p.wg.Done()
	for !p.run(w) {
		p.restarts.Add(1)
		p.logger.Warn("worker restarted after panic", "worker", w.index)
	}
}

// run processes tasks until quit, returning true on a clean stop and false
// after a panic.
func (p *Pool[Req, Res]) run(w *worker[Req, Res]) (stopped bool) {
	var current task[Req]
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", w.index, "panic", fmt.Sprint(r))
			select {
			case w.results <- result[Res]{id: current.id, err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}:
			case <-p.quit:
				stopped = true
			}
		}
	}()

	for {
		select {
		case <-p.quit:
			return true
		case current = <-w.inbox:
			res := p.fn(current.req)
			select {
			case w.results <- result[Res]{id: current.id, res: res}:
			case <-p.quit:
				return true
			}
		}
	}
}

// route hands each result to the caller that owns its id, if still waiting.
func (p *Pool[Req, Res]) route(w *worker[Req, Res]) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case r := <-w.results:
			p.mu.Lock()
			reply, ok := p.pending[r.id]
			delete(p.pending, r.id)
			p.mu.Unlock()
			if ok {
				reply <- r
			}
		}
	}
}
