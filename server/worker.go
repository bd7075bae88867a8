package server

import (
	"runtime/debug"
	"sync"

	"github.com/semihalev/log"
)

// defaultWorkers is the size of the process-wide worker pool.
const defaultWorkers = 24

// task is one unit of blocking work: a raw DNS message to run through
// the handler. The mutex and canceled flag let a closing listener or
// connection revoke the task without racing the worker: a canceled task
// still drains through the pool but skips its side-effectful write.
type task struct {
	mu       sync.Mutex
	canceled bool

	payload []byte
	handler Handler

	// respond delivers the response; never called for canceled tasks.
	respond func(resp []byte)
	// done is called exactly once when the task leaves the pool.
	done func(*task)
}

// cancel revokes the task; the owning connection may be freed afterwards.
func (t *task) cancel() {
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
}

// workerPool runs blocking work so that listener I/O loops never do.
type workerPool struct {
	queue chan *task
	wg    sync.WaitGroup
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = defaultWorkers
	}

	p := &workerPool{queue: make(chan *task, workers*4)}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}

	return p
}

func (p *workerPool) work() {
	defer p.wg.Done()

	for t := range p.queue {
		p.run(t)
	}
}

func (p *workerPool) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered in worker", "recover", r)
			debug.PrintStack()
		}

		if t.done != nil {
			t.done(t)
		}
	}()

	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	resp := t.handler.HandleMessage(t.payload)
	if len(resp) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.canceled {
		return
	}

	t.respond(resp)
}

// submit enqueues a task; blocks when the queue is full.
func (p *workerPool) submit(t *task) {
	p.queue <- t
}

// close stops the workers after the queue drains.
func (p *workerPool) close() {
	close(p.queue)
	p.wg.Wait()
}

var (
	poolOnce sync.Once
	pool     *workerPool
)

// sharedPool returns the process-wide worker pool.
func sharedPool() *workerPool {
	poolOnce.Do(func() {
		pool = newWorkerPool(defaultWorkers)
	})
	return pool
}
