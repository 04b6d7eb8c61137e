package store

import "time"

// lifetime is implemented by every stored entity so the shared eviction and
// expiry logic can stay generic.
type lifetime interface {
	createdAt() time.Time
	expiresAt() time.Time
}

// isExpired reports whether e has expired at now. A zero expiry never expires.
func isExpired(e lifetime, now time.Time) bool {
	exp := e.expiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// collection is a bounded map of entities. It is not safe for concurrent
// use; MemoryStore guards it.
type collection[T lifetime] struct {
	items map[string]T
	limit int
}

func newCollection[T lifetime](limit int) *collection[T] {
	return &collection[T]{
		items: make(map[string]T),
		limit: limit,
	}
}

func (c *collection[T]) get(key string) (T, bool) {
	v, ok := c.items[key]
	return v, ok
}

// put stores v under key. When a new key would exceed the limit, the
// oldest-created entries are removed first and returned so the caller can
// clean up any secondary indices.
func (c *collection[T]) put(key string, v T) map[string]T {
	var evicted map[string]T
	if _, exists := c.items[key]; !exists && c.limit > 0 {
		for len(c.items) >= c.limit {
			oldestKey, oldest, ok := c.oldest()
			if !ok {
				break
			}
			if evicted == nil {
				evicted = make(map[string]T)
			}
			evicted[oldestKey] = oldest
			delete(c.items, oldestKey)
		}
	}
	c.items[key] = v
	return evicted
}

func (c *collection[T]) remove(key string) {
	delete(c.items, key)
}

func (c *collection[T]) len() int {
	return len(c.items)
}

// oldest finds the entry with the earliest creation time. Ties are broken by
// key so eviction is deterministic.
func (c *collection[T]) oldest() (string, T, bool) {
	var (
		oldestKey string
		oldest    T
		found     bool
	)
	for k, v := range c.items {
		if !found {
			oldestKey, oldest, found = k, v, true
			continue
		}
		ct, ot := v.createdAt(), oldest.createdAt()
		if ct.Before(ot) || (ct.Equal(ot) && k < oldestKey) {
			oldestKey, oldest = k, v
		}
	}
	return oldestKey, oldest, found
}

// expiredKeys lists the keys of entries expired at now.
func (c *collection[T]) expiredKeys(now time.Time) []string {
	var keys []string
	for k, v := range c.items {
		if isExpired(v, now) {
			keys = append(keys, k)
		}
	}
	return keys
}
