package store

import "sync"

// QueueNotifier wakes worker-pool goroutines when a request is enqueued
// onto their queue name. Grounded on the teacher's pkg/events.Broker
// broadcast idiom, narrowed to a single buffered slot per queue name: the
// request queue has exactly one class of subscriber (the worker-pool
// group for that queue), so a fan-out pub/sub is unnecessary machinery.
type QueueNotifier struct {
	mu   sync.Mutex
	subs map[string]chan struct{}
}

// NewQueueNotifier constructs an empty notifier.
func NewQueueNotifier() *QueueNotifier {
	return &QueueNotifier{subs: make(map[string]chan struct{})}
}

// Channel returns (creating if absent) the wake channel for queueName.
// The channel is buffered to size 1: a pending wake is never lost, and
// redundant wakes coalesce into one.
func (n *QueueNotifier) Channel(queueName string) <-chan struct{} {
	return n.channel(queueName)
}

func (n *QueueNotifier) channel(queueName string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.subs[queueName]
	if !ok {
		ch = make(chan struct{}, 1)
		n.subs[queueName] = ch
	}
	return ch
}

// Wake signals queueName's channel without blocking.
func (n *QueueNotifier) Wake(queueName string) {
	ch := n.channel(queueName)
	select {
	case ch <- struct{}{}:
	default:
	}
}
