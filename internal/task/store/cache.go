package store

import (
	"sync"

	"taskrunner/internal/task"
)

// Cache maps task ids to their single in-process instance.
type Cache struct {
	mu sync.Mutex
	m  map[int64]*task.Task
}

func NewCache() *Cache { return &Cache{m: map[int64]*task.Task{}} }

func (c *Cache) Get(id int64) (*task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.m[id]
	return t, ok
}

// PutIfAbsent stores t unless an instance for its id exists, and returns the
// instance that is now cached.
func (c *Cache) PutIfAbsent(t *task.Task) *task.Task {
	id := t.ID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[id]; ok {
		return cur
	}
	c.m[id] = t
	return t
}

// Replace stores t for its id and returns the instance it displaced, if any.
func (c *Cache) Replace(t *task.Task) *task.Task {
	id := t.ID()
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.m[id]
	c.m[id] = t
	return old
}

// Evict removes t if it is the cached instance for its id.
func (c *Cache) Evict(t *task.Task) {
	id := t.ID()
	c.mu.Lock()
	if c.m[id] == t {
		delete(c.m, id)
	}
	c.mu.Unlock()
}

// Flush evicts ids.
func (c *Cache) Flush(ids ...int64) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.m, id)
	}
	c.mu.Unlock()
}

// Reset evicts everything.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.m = map[int64]*task.Task{}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
