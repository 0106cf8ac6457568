// Package memdelayed is an in-memory, min-heap-backed delayed-message
// Store (§4.4), used by the memory broker path and in tests.
package memdelayed

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/kidoz/dotcelery/internal/message"
)

type item struct {
	msg       *message.TaskMessage
	deliverAt time.Time
	index     int
	removed   bool
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].deliverAt.Before(h[j].deliverAt) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Store is an in-memory delayed-message store.
type Store struct {
	mu      sync.Mutex
	heap    itemHeap
	byID    map[string]*item
}

// New creates an empty in-memory delayed store.
func New() *Store {
	s := &Store{byID: make(map[string]*item)}
	heap.Init(&s.heap)
	return s
}

func (s *Store) Add(ctx context.Context, msg *message.TaskMessage, deliverAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[msg.ID]; ok {
		existing.removed = true
	}
	it := &item{msg: msg, deliverAt: deliverAt}
	heap.Push(&s.heap, it)
	s.byID[msg.ID] = it
	return nil
}

func (s *Store) GetDue(ctx context.Context, now time.Time, batchSize int) ([]*message.TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*message.TaskMessage
	for len(due) < batchSize && s.heap.Len() > 0 {
		top := s.heap[0]
		if top.removed {
			heap.Pop(&s.heap)
			continue
		}
		if top.deliverAt.After(now) {
			break
		}
		heap.Pop(&s.heap)
		if cur, ok := s.byID[top.msg.ID]; ok && cur == top {
			delete(s.byID, top.msg.ID)
		}
		due = append(due, top.msg)
	}
	return due, nil
}

func (s *Store) Remove(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[taskID]
	if !ok || it.removed {
		return false, nil
	}
	it.removed = true
	delete(s.byID, taskID)
	return true, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID), nil
}

func (s *Store) NextDeliveryTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.removed {
			heap.Pop(&s.heap)
			continue
		}
		return top.deliverAt, nil
	}
	return time.Time{}, nil
}

func (s *Store) Close() error { return nil }
