package queue

import (
	"sync"

	"owlmon-agent/internal/model"
)

// Queue is the FIFO channel between sensor workers and the forwarding
// workers. Many producers put concurrently; each consumer claims only
// messages of its kind. Put never blocks a producer (back-pressure is
// bounded by sampling frequency, not by the queue) and TryGet never
// blocks a consumer.
type Queue struct {
	mu    sync.Mutex
	kinds map[model.MessageKind][]model.QueueMessage
}

func New() *Queue {
	return &Queue{
		kinds: make(map[model.MessageKind][]model.QueueMessage),
	}
}

// Put appends a message to its kind's FIFO.
func (q *Queue) Put(msg model.QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds[msg.Kind] = append(q.kinds[msg.Kind], msg)
}

// TryGet pops the oldest message of the given kind. The second return
// is false when nothing of that kind is queued; callers poll, they
// never block here.
func (q *Queue) TryGet(kind model.MessageKind) (model.QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.kinds[kind]
	if len(pending) == 0 {
		return model.QueueMessage{}, false
	}
	msg := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		// Release the backing array once a burst has drained.
		q.kinds[kind] = nil
	} else {
		q.kinds[kind] = rest
	}
	return msg, true
}

// Len reports how many messages of the given kind are queued.
func (q *Queue) Len(kind model.MessageKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.kinds[kind])
}
