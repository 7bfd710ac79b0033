package ingest

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key       string
	expiresAt time.Time
}

// seenSet is a bounded LRU of event identities with a TTL. Once full, the
// least recently seen identity is evicted first.
type seenSet struct {
	mu           sync.Mutex
	capacity     int
	ttl          time.Duration
	items        map[string]*list.Element
	evictionList *list.List
	now          func() time.Time
}

func newSeenSet(capacity int, ttl time.Duration) *seenSet {
	return &seenSet{
		capacity:     capacity,
		ttl:          ttl,
		items:        make(map[string]*list.Element, min(capacity, 4096)),
		evictionList: list.New(),
		now:          time.Now,
	}
}

// observe records key and reports whether it was already present and live.
func (s *seenSet) observe(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, found := s.items[key]; found {
		entry := elem.Value.(*seenEntry)
		if now.Before(entry.expiresAt) {
			s.evictionList.MoveToFront(elem)
			return true
		}
		// expired: treat as new and restart its TTL
		entry.expiresAt = now.Add(s.ttl)
		s.evictionList.MoveToFront(elem)
		return false
	}

	elem := s.evictionList.PushFront(&seenEntry{key: key, expiresAt: now.Add(s.ttl)})
	s.items[key] = elem

	for s.evictionList.Len() > s.capacity {
		s.removeElement(s.evictionList.Back())
	}
	return false
}

// forget drops key so that a redelivery is accepted again.
func (s *seenSet) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, found := s.items[key]; found {
		s.removeElement(elem)
	}
}

// cleanupExpired removes expired identities, oldest first.
func (s *seenSet) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	var next *list.Element
	for elem := s.evictionList.Back(); elem != nil; elem = next {
		next = elem.Prev()
		if now.After(elem.Value.(*seenEntry).expiresAt) {
			s.removeElement(elem)
			removed++
		}
	}
	return removed
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictionList.Len()
}

func (s *seenSet) removeElement(elem *list.Element) {
	s.evictionList.Remove(elem)
	delete(s.items, elem.Value.(*seenEntry).key)
}
