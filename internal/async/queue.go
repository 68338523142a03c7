// Package async provides the coordination primitives the rest of the
// server is built on: named FIFO queues, single-flight execution, a
// memoizing single-flight, and a bounded worker pool. A single Coordinator
// instance is created by the composition root and passed to every
// component that needs ordering or de-duplication guarantees.
package async

import (
	"container/list"
	"sync"
)

// Op is a unit of work submitted to a queue or pool.
type Op func() (any, error)

type queueResult struct {
	val any
	err error
}

type queueTask struct {
	op   Op
	done chan queueResult
}

// namedQueue holds the pending tasks for one queue name. The entry is
// removed from the owning map once the last task has drained.
type namedQueue struct {
	tasks *list.List
	// running marks that a drain goroutine owns this queue.
	running bool
}

// QueueSet dispatches operations onto named FIFO queues. Operations
// submitted under the same name run one at a time in submission order;
// distinct names run independently.
type QueueSet struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
}

// NewQueueSet creates an empty queue set.
func NewQueueSet() *QueueSet {
	return &QueueSet{queues: make(map[string]*namedQueue)}
}

// Queue submits op under name and blocks until it has run. The result is
// the op's own result; ops never see each other's values.
func (qs *QueueSet) Queue(name string, op Op) (any, error) {
	t := &queueTask{op: op, done: make(chan queueResult, 1)}

	qs.mu.Lock()
	q, ok := qs.queues[name]
	if !ok {
		q = &namedQueue{tasks: list.New()}
		qs.queues[name] = q
	}
	q.tasks.PushBack(t)
	if !q.running {
		q.running = true
		go qs.drain(name, q)
	}
	qs.mu.Unlock()

	r := <-t.done
	return r.val, r.err
}

// drain runs tasks for one queue until it is empty, then destroys the
// queue entry.
func (qs *QueueSet) drain(name string, q *namedQueue) {
	for {
		qs.mu.Lock()
		front := q.tasks.Front()
		if front == nil {
			delete(qs.queues, name)
			qs.mu.Unlock()
			return
		}
		q.tasks.Remove(front)
		qs.mu.Unlock()

		t := front.Value.(*queueTask)
		val, err := t.op()
		t.done <- queueResult{val: val, err: err}
	}
}

// OpQueue returns a function that runs every submitted op serially under
// the given queue name.
func (qs *QueueSet) OpQueue(name string) func(Op) (any, error) {
	return func(op Op) (any, error) { return qs.Queue(name, op) }
}

// Pending reports the number of live queue entries. Used by tests and the
// admin status endpoint.
func (qs *QueueSet) Pending() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.queues)
}
