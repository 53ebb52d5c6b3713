package conn

import "time"

// DefaultQueueCapacity bounds the outbound queue while the transport is down.
const DefaultQueueCapacity = 100

type Item struct {
	Payload  []byte
	Enqueued time.Time
	id       uint64
}

// Queue is a fixed-capacity FIFO ring buffer. When full, Push overwrites the
// oldest item. It is not safe for concurrent use; Conn guards it.
type Queue struct {
	items  []Item
	head   int
	size   int
	nextId uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{items: make([]Item, capacity)}
}

// Push appends item and returns the evicted oldest item if the queue was full.
func (q *Queue) Push(item Item) (Item, bool) {
	q.nextId++
	item.id = q.nextId

	if q.size == len(q.items) {
		dropped := q.items[q.head]
		q.items[q.head] = item
		q.head = (q.head + 1) % len(q.items)
		return dropped, true
	}

	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	return Item{}, false
}

func (q *Queue) Peek() (Item, bool) {
	if q.size == 0 {
		return Item{}, false
	}
	return q.items[q.head], true
}

func (q *Queue) Pop() (Item, bool) {
	item, ok := q.Peek()
	if !ok {
		return Item{}, false
	}
	q.items[q.head] = Item{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item, true
}

// popIf removes the head only if it is still the item previously peeked.
func (q *Queue) popIf(id uint64) bool {
	head, ok := q.Peek()
	if !ok || head.id != id {
		return false
	}
	q.Pop()
	return true
}

func (q *Queue) Len() int { return q.size }

func (q *Queue) Cap() int { return len(q.items) }

// Items returns a copy of the queued items, oldest first.
func (q *Queue) Items() []Item {
	out := make([]Item, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.items[(q.head+i)%len(q.items)])
	}
	return out
}

// Drain empties the queue and returns what it held, oldest first.
func (q *Queue) Drain() []Item {
	out := q.Items()
	for i := range q.items {
		q.items[i] = Item{}
	}
	q.head, q.size = 0, 0
	return out
}
