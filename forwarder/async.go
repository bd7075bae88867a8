package forwarder

import (
	"sync"

	"github.com/miekg/dns"
	"github.com/semihalev/log"
)

// asyncTable tracks in-flight optimistic refresh tasks, at most one per
// cache key. The table lock is never held while cache or upstream work
// runs (lock order: table, then cache).
type asyncTable struct {
	mu   sync.Mutex
	cond *sync.Cond

	tasks map[string]*asyncTask
}

type asyncTask struct {
	started  bool
	canceled bool
}

func newAsyncTable() *asyncTable {
	t := &asyncTable{tasks: make(map[string]*asyncTask)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// insert registers a refresh task for key. Returns false when a task for
// the key is already in flight.
func (t *asyncTable) insert(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tasks[key]; ok {
		return false
	}

	t.tasks[key] = &asyncTask{}
	return true
}

// begin marks the task started. Returns false when the task was canceled
// before starting; the task is removed in that case.
func (t *asyncTable) begin(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.tasks[key]
	if !ok {
		return false
	}

	if task.canceled {
		delete(t.tasks, key)
		t.cond.Broadcast()
		return false
	}

	task.started = true
	return true
}

// done removes the task for key and wakes waiters.
func (t *asyncTable) done(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tasks, key)
	t.cond.Broadcast()
}

// shutdown cancels all tasks that have not started and waits for the
// started ones to finish.
func (t *asyncTable) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, task := range t.tasks {
		if !task.started {
			task.canceled = true
			delete(t.tasks, key)
		}
	}
	t.cond.Broadcast()

	for len(t.tasks) > 0 {
		t.cond.Wait()
	}
}

// refresh performs the background upstream exchange for an expired cache
// entry: a failure erases the stale entry, a success overwrites it.
func (f *Forwarder) refresh(key string, req *dns.Msg) {
	defer f.async.done(key)

	if !f.async.begin(key) {
		return
	}

	log.Debug("Starting async upstream exchange", "key", key)

	resp, u, err := f.exchange(req)
	if err != nil {
		log.Debug("Async upstream exchange failed", "key", key, "error", err.Error())
		f.cache.Erase(key)
		return
	}

	f.cache.Store(key, resp, u.Options().ID)
}
