// Package cache provides key-value store implementations for LinkLock.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
)

// MemoryStore is a thread-safe in-process KeyValueStore with per-key TTL and
// LRU eviction of TTL'd keys. Used as the Community tier store and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	maxKeys int
	prefix  string
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type entryKind int

const (
	kindList entryKind = iota
	kindHash
	kindSorted
	kindCounter
)

type storeEntry struct {
	key       string
	kind      entryKind
	expiresAt time.Time // zero means no expiry

	list    [][]byte
	hash    map[string][]byte
	sorted  map[string]float64
	counter int64
}

// NewMemoryStore creates a store holding at most maxKeys expiring keys.
// Keys without a TTL may take it past maxKeys.
func NewMemoryStore(maxKeys int, prefix string) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	return &MemoryStore{
		maxKeys: maxKeys,
		prefix:  prefix,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// ListPush prepends value, trims to maxLen and refreshes the TTL.
func (s *MemoryStore) ListPush(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindList)
	if err != nil {
		return 0, err
	}

	v := make([]byte, len(value))
	copy(v, value)
	e.list = append([][]byte{v}, e.list...)
	if maxLen > 0 && len(e.list) > maxLen {
		e.list = e.list[:maxLen]
	}
	s.expire(e, ttl)
	return int64(len(e.list)), nil
}

// ListRange returns up to limit entries, head first.
func (s *MemoryStore) ListRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}

	n := len(e.list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]byte, n)
	copy(out, e.list[:n])
	return out, nil
}

// ListLen returns the list length.
func (s *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// HashSet stores a hash field.
func (s *MemoryStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindHash)
	if err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	e.hash[field] = v
	return nil
}

// HashGet returns a hash field or nil.
func (s *MemoryStore) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindHash)
	if err != nil || e == nil {
		return nil, err
	}
	return e.hash[field], nil
}

// HashDelete removes a hash field.
func (s *MemoryStore) HashDelete(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindHash)
	if err != nil || e == nil {
		return err
	}
	delete(e.hash, field)
	if len(e.hash) == 0 {
		s.removeKey(e.key)
	}
	return nil
}

// SortedAdd inserts or rescores a member.
func (s *MemoryStore) SortedAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindSorted)
	if err != nil {
		return err
	}
	e.sorted[member] = score
	return nil
}

// SortedRevRange returns members by descending score, ties by descending member.
func (s *MemoryStore) SortedRevRange(ctx context.Context, key string, limit int) ([]domain.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindSorted)
	if err != nil || e == nil {
		return nil, err
	}

	members := sortedMembers(e.sorted)
	// reverse of Redis ascending order: score desc, then member desc
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	if limit > 0 && limit < len(members) {
		members = members[:limit]
	}
	return members, nil
}

// SortedRangeByScore returns members with min <= score <= max, ascending.
func (s *MemoryStore) SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]domain.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindSorted)
	if err != nil || e == nil {
		return nil, err
	}

	var out []domain.ScoredMember
	for _, m := range sortedMembers(e.sorted) {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SortedMove moves member from src to dst under a single lock.
func (s *MemoryStore) SortedMove(ctx context.Context, src, dst, member string, score float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.lookup(src, kindSorted)
	if err != nil || from == nil {
		return false, err
	}
	if _, ok := from.sorted[member]; !ok {
		return false, nil
	}

	to, err := s.getOrCreate(dst, kindSorted)
	if err != nil {
		return false, err
	}

	delete(from.sorted, member)
	to.sorted[member] = score
	if len(from.sorted) == 0 {
		s.removeKey(from.key)
	}
	return true, nil
}

// SortedRemove removes a member.
func (s *MemoryStore) SortedRemove(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindSorted)
	if err != nil || e == nil {
		return false, err
	}
	if _, ok := e.sorted[member]; !ok {
		return false, nil
	}
	delete(e.sorted, member)
	if len(e.sorted) == 0 {
		s.removeKey(e.key)
	}
	return true, nil
}

// SortedCard returns the member count.
func (s *MemoryStore) SortedCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(key, kindSorted)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.sorted)), nil
}

// Incr atomically increments a counter.
func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindCounter)
	if err != nil {
		return 0, err
	}
	e.counter++
	return e.counter, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops all keys.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.order = list.New()
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() (size int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.maxKeys
}

func (s *MemoryStore) makeKey(key string) string {
	return s.prefix + key
}

// lookup returns the live entry for key, nil if absent or expired.
func (s *MemoryStore) lookup(key string, kind entryKind) (*storeEntry, error) {
	fullKey := s.makeKey(key)
	elem, ok := s.items[fullKey]
	if !ok {
		return nil, nil
	}

	e := elem.Value.(*storeEntry)
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.removeElement(elem)
		return nil, nil
	}
	if e.kind != kind {
		return nil, fmt.Errorf("wrong type for key %s", key)
	}

	s.order.MoveToFront(elem)
	return e, nil
}

func (s *MemoryStore) getOrCreate(key string, kind entryKind) (*storeEntry, error) {
	e, err := s.lookup(key, kind)
	if err != nil || e != nil {
		return e, err
	}

	e = &storeEntry{key: s.makeKey(key), kind: kind}
	switch kind {
	case kindHash:
		e.hash = make(map[string][]byte)
	case kindSorted:
		e.sorted = make(map[string]float64)
	}

	elem := s.order.PushFront(e)
	s.items[e.key] = elem

	// Evict if over capacity
	for s.order.Len() > s.maxKeys {
		if !s.evictOldest(elem) {
			break
		}
	}
	return e, nil
}

func (s *MemoryStore) expire(e *storeEntry, ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
}

func (s *MemoryStore) removeKey(fullKey string) {
	if elem, ok := s.items[fullKey]; ok {
		s.removeElement(elem)
	}
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	e := elem.Value.(*storeEntry)
	delete(s.items, e.key)
}

// evictOldest removes the least recently used key that carries a TTL.
// Keys without a TTL (queues, sequence counters, global hashes) are never
// evicted. Returns false when nothing but keep is evictable.
func (s *MemoryStore) evictOldest(keep *list.Element) bool {
	for elem := s.order.Back(); elem != nil; elem = elem.Prev() {
		if elem == keep || elem.Value.(*storeEntry).expiresAt.IsZero() {
			continue
		}
		s.removeElement(elem)
		return true
	}
	return false
}

// sortedMembers orders members the way Redis does: score asc, then member asc.
func sortedMembers(set map[string]float64) []domain.ScoredMember {
	out := make([]domain.ScoredMember, 0, len(set))
	for m, sc := range set {
		out = append(out, domain.ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return strings.Compare(out[i].Member, out[j].Member) < 0
	})
	return out
}
