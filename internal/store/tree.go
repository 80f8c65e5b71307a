package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// tree is a flat path -> value map with child watchers. MemoryStore and
// MQTTStore both keep their state in one.
//
// Values are stored at the exact path they were written to; a watcher on
// /meg/control sees writes to /meg/control/{id} and nothing deeper.
type tree struct {
	mu       sync.RWMutex
	values   map[string]json.RawMessage
	watchers map[uint64]watcher
	nextID   uint64
}

type watcher struct {
	path string
	fn   func(ChildEvent)
}

func newTree() *tree {
	return &tree{
		values:   make(map[string]json.RawMessage),
		watchers: make(map[uint64]watcher),
	}
}

// get returns the value stored at p.
func (t *tree) get(p string) (json.RawMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[cleanPath(p)]
	return v, ok
}

// put stores value at p, or removes p when value is empty.
func (t *tree) put(p string, value json.RawMessage) {
	p = cleanPath(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	if isEmptyValue(value) {
		delete(t.values, p)
		return
	}
	t.values[p] = append(json.RawMessage(nil), value...)
}

// notify delivers a change at p to the watchers of its parent.
// Callbacks run outside the lock.
func (t *tree) notify(p string, value json.RawMessage) {
	p = cleanPath(p)
	parent := parentOf(p)

	t.mu.RLock()
	var fns []func(ChildEvent)
	for _, w := range t.watchers {
		if w.path == parent {
			fns = append(fns, w.fn)
		}
	}
	t.mu.RUnlock()

	if isEmptyValue(value) {
		value = json.RawMessage("null")
	}
	event := ChildEvent{Key: leafOf(p), Value: value}
	for _, fn := range fns {
		fn(event)
	}
}

// watch registers fn for the children of p, replays the current children in
// key order, and unregisters when ctx ends.
func (t *tree) watch(ctx context.Context, p string, fn func(ChildEvent)) {
	p = cleanPath(p)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = watcher{path: p, fn: fn}
	existing := t.childrenLocked(p)
	t.mu.Unlock()

	for _, event := range existing {
		fn(event)
	}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}()
}

func (t *tree) childrenLocked(p string) []ChildEvent {
	var events []ChildEvent
	for key, value := range t.values {
		if parentOf(key) == p {
			events = append(events, ChildEvent{Key: leafOf(key), Value: value})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events
}

// watcherCount returns the number of registered watchers.
func (t *tree) watcherCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.watchers)
}
