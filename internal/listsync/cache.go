package listsync

import "sync"

// Cache holds the two cached projections of list data. Writes are
// synchronous: a read issued after a write returns the written record, with
// no batching delay, because the coordinator depends on read-after-write
// within one optimistic-apply step. Subscribers are notified synchronously
// on every write to their (scope, key).
//
// Only the mutation coordinator and the real-time merge layer write the
// cache; views read and subscribe.
type Cache struct {
	mu          sync.RWMutex
	summaries   map[string]ListSummary
	details     map[string]ListDetail
	invalidated map[scopeKey]bool
	subscribers map[scopeKey]map[int]func()
	subSeq      int
}

type scopeKey struct {
	scope Scope
	key   string
}

func NewCache() *Cache {
	return &Cache{
		summaries:   map[string]ListSummary{},
		details:     map[string]ListDetail{},
		invalidated: map[scopeKey]bool{},
		subscribers: map[scopeKey]map[int]func(){},
	}
}

// Summary returns the summary record for a list.
func (c *Cache) Summary(listID string) (ListSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.summaries[listID]
	return record, ok
}

// Summaries returns all cached summary records.
func (c *Cache) Summaries() []ListSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ListSummary, 0, len(c.summaries))
	for _, record := range c.summaries {
		out = append(out, record)
	}
	return out
}

// Detail returns a deep copy of the detail record for a list. Callers may
// not mutate cached state except through the coordinator, so the copy keeps
// the cache authoritative.
func (c *Cache) Detail(listID string) (ListDetail, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.details[listID]
	if !ok {
		return ListDetail{}, false
	}
	return record.clone(), true
}

// SetSummary replaces the summary record and clears any invalidation mark.
func (c *Cache) SetSummary(listID string, record ListSummary) {
	c.mu.Lock()
	c.summaries[listID] = record
	delete(c.invalidated, scopeKey{ScopeSummary, listID})
	notify := c.pendingNotifyLocked(scopeKey{ScopeSummary, listID})
	c.mu.Unlock()
	runAll(notify)
}

// SetDetail replaces the detail record and clears any invalidation mark.
func (c *Cache) SetDetail(listID string, record ListDetail) {
	c.mu.Lock()
	c.details[listID] = record.clone()
	delete(c.invalidated, scopeKey{ScopeDetail, listID})
	notify := c.pendingNotifyLocked(scopeKey{ScopeDetail, listID})
	c.mu.Unlock()
	runAll(notify)
}

// WriteSummary applies an updater to the current summary record, or to the
// zero record when absent.
func (c *Cache) WriteSummary(listID string, fn func(*ListSummary)) {
	c.mu.Lock()
	record := c.summaries[listID]
	fn(&record)
	c.summaries[listID] = record
	notify := c.pendingNotifyLocked(scopeKey{ScopeSummary, listID})
	c.mu.Unlock()
	runAll(notify)
}

// WriteDetail applies an updater to the current detail record. Absent
// records are left absent: an optimistic patch on an unloaded list has
// nothing to patch.
func (c *Cache) WriteDetail(listID string, fn func(*ListDetail)) {
	c.mu.Lock()
	record, ok := c.details[listID]
	if !ok {
		c.mu.Unlock()
		return
	}
	fn(&record)
	c.details[listID] = record
	notify := c.pendingNotifyLocked(scopeKey{ScopeDetail, listID})
	c.mu.Unlock()
	runAll(notify)
}

// Apply runs a detail updater and a summary updater for the same list under
// a single lock acquisition, so no reader can observe a half-applied
// cross-scope patch. Either updater may be nil.
func (c *Cache) Apply(listID string, detailFn func(*ListDetail), summaryFn func(*ListSummary)) {
	c.mu.Lock()
	var notify []func()
	if detailFn != nil {
		if record, ok := c.details[listID]; ok {
			detailFn(&record)
			c.details[listID] = record
			notify = append(notify, c.pendingNotifyLocked(scopeKey{ScopeDetail, listID})...)
		}
	}
	if summaryFn != nil {
		if record, ok := c.summaries[listID]; ok {
			summaryFn(&record)
			c.summaries[listID] = record
			notify = append(notify, c.pendingNotifyLocked(scopeKey{ScopeSummary, listID})...)
		}
	}
	c.mu.Unlock()
	runAll(notify)
}

// Remove drops a record from one scope.
func (c *Cache) Remove(scope Scope, listID string) {
	c.mu.Lock()
	switch scope {
	case ScopeSummary:
		delete(c.summaries, listID)
	case ScopeDetail:
		delete(c.details, listID)
	}
	delete(c.invalidated, scopeKey{scope, listID})
	notify := c.pendingNotifyLocked(scopeKey{scope, listID})
	c.mu.Unlock()
	runAll(notify)
}

// Invalidate marks a record for refetch without dropping it. Stale data
// stays readable until replaced.
func (c *Cache) Invalidate(scope Scope, listID string) {
	c.mu.Lock()
	c.invalidated[scopeKey{scope, listID}] = true
	notify := c.pendingNotifyLocked(scopeKey{scope, listID})
	c.mu.Unlock()
	runAll(notify)
}

// Invalidated reports whether a record is marked for refetch.
func (c *Cache) Invalidated(scope Scope, listID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidated[scopeKey{scope, listID}]
}

// Subscribe registers a callback invoked synchronously after every write to
// (scope, listID). The returned function unsubscribes; calling it more than
// once is harmless.
func (c *Cache) Subscribe(scope Scope, listID string, fn func()) func() {
	c.mu.Lock()
	key := scopeKey{scope, listID}
	if c.subscribers[key] == nil {
		c.subscribers[key] = map[int]func(){}
	}
	c.subSeq++
	id := c.subSeq
	c.subscribers[key][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if subs, ok := c.subscribers[key]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subscribers, key)
			}
		}
		c.mu.Unlock()
	}
}

// Reset drops all records, invalidation marks, and subscriptions.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.summaries = map[string]ListSummary{}
	c.details = map[string]ListDetail{}
	c.invalidated = map[scopeKey]bool{}
	c.subscribers = map[scopeKey]map[int]func(){}
	c.mu.Unlock()
}

func (c *Cache) pendingNotifyLocked(key scopeKey) []func() {
	subs := c.subscribers[key]
	if len(subs) == 0 {
		return nil
	}
	out := make([]func(), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
