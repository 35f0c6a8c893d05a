package queue

import (
	"container/heap"
	"sync"
	"time"
)

// item is one scheduled key
type item[K comparable] struct {
	key   K
	due   time.Time
	index int
}

// Scheduler orders keys by the time they are next due. A key is scheduled
// at most once; scheduling it again moves it.
type Scheduler[K comparable] struct {
	mu    sync.Mutex
	items itemHeap[K]
	byKey map[K]*item[K]
}

// NewScheduler creates an empty scheduler
func NewScheduler[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{byKey: make(map[K]*item[K])}
}

// Schedule sets the due time of key
func (s *Scheduler[K]) Schedule(key K, due time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.byKey[key]; ok {
		it.due = due
		heap.Fix(&s.items, it.index)
		return
	}
	it := &item[K]{key: key, due: due}
	heap.Push(&s.items, it)
	s.byKey[key] = it
}

// Remove unschedules key. It reports whether key was scheduled.
func (s *Scheduler[K]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.items, it.index)
	delete(s.byKey, key)
	return true
}

// Due removes and returns every key due at or before now, earliest first
func (s *Scheduler[K]) Due(now time.Time) []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []K
	for s.items.Len() > 0 && !now.Before(s.items[0].due) {
		it := heap.Pop(&s.items).(*item[K])
		delete(s.byKey, it.key)
		keys = append(keys, it.key)
	}
	return keys
}

// Next returns the earliest due time
func (s *Scheduler[K]) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len() == 0 {
		return time.Time{}, false
	}
	return s.items[0].due, true
}

// Len returns the number of scheduled keys
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Clear removes all keys
func (s *Scheduler[K]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.byKey = make(map[K]*item[K])
}

// itemHeap implements heap.Interface
type itemHeap[K comparable] []*item[K]

func (h itemHeap[K]) Len() int { return len(h) }

func (h itemHeap[K]) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h itemHeap[K]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K]) Push(x any) {
	it := x.(*item[K])
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap[K]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
