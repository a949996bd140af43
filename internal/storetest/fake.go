// Package storetest provides an in-memory fake of store.Store for unit
// tests of the packages built on top of it (queue, lease, throttle, drain).
// It is deliberately simple — a mutex and a few maps — trading away
// Redis's actual atomicity guarantees for straightforward sequential
// behavior, since every caller in this module already serializes access
// per repo via the lease.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/shhac/automerge/internal/store"
)

// Fake is an in-memory store.Store.
type Fake struct {
	mu sync.Mutex

	lists map[string][]string
	sets  map[string]map[string]bool
	kv    map[string]kvEntry
	hash  map[string]map[string]string

	// Now lets tests control TTL expiry deterministically. Defaults to
	// time.Now.
	Now func() time.Time
}

type kvEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// New builds an empty Fake.
func New() *Fake {
	return &Fake{
		lists: make(map[string][]string),
		sets:  make(map[string]map[string]bool),
		kv:    make(map[string]kvEntry),
		hash:  make(map[string]map[string]string),
		Now:   time.Now,
	}
}

func (f *Fake) expired(e kvEntry) bool {
	return !e.expires.IsZero() && f.Now().After(e.expires)
}

func (f *Fake) ListPushTail(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
	return nil
}

func (f *Fake) ListPopHead(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if len(items) == 0 {
		return "", store.ErrNotFound
	}
	head := items[0]
	f.lists[key] = items[1:]
	return head, nil
}

func (f *Fake) ListLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func (f *Fake) ListPeek(_ context.Context, key string, index int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if index < 0 || index >= int64(len(items)) {
		return "", store.ErrNotFound
	}
	return items[index], nil
}

func (f *Fake) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if int64(len(items)) == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(items)) {
		stop = int64(len(items)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (f *Fake) SetAdd(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	if set[member] {
		return false, nil
	}
	set[member] = true
	return true, nil
}

func (f *Fake) SetContains(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[key][member], nil
}

func (f *Fake) SetRemove(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *Fake) KVSetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.kv[key]; ok && !f.expired(e) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = f.Now().Add(ttl)
	}
	f.kv[key] = kvEntry{value: value, expires: expires}
	return true, nil
}

func (f *Fake) KVSet(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = f.Now().Add(ttl)
	}
	f.kv[key] = kvEntry{value: value, expires: expires}
	return nil
}

func (f *Fake) KVGet(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok || f.expired(e) {
		return "", store.ErrNotFound
	}
	return e.value, nil
}

func (f *Fake) KVDelete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	return nil
}

func (f *Fake) HashSetIfAbsent(_ context.Context, key, field, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		h = make(map[string]string)
		f.hash[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (f *Fake) HashDeleteField(_ context.Context, key, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hash[key], field)
	return nil
}

func (f *Fake) EnqueuePipeline(ctx context.Context, listKey, value, setKey, member, hashKey, hashField, hashValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[setKey]
	if !ok {
		set = make(map[string]bool)
		f.sets[setKey] = set
	}
	added := !set[member]
	if !added {
		return false, nil
	}
	set[member] = true

	f.lists[listKey] = append(f.lists[listKey], value)

	h, ok := f.hash[hashKey]
	if !ok {
		h = make(map[string]string)
		f.hash[hashKey] = h
	}
	if _, exists := h[hashField]; !exists {
		h[hashField] = hashValue
	}

	return true, nil
}

func (f *Fake) CompareAndSet(_ context.Context, key, expected, newValue string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok || f.expired(e) || e.value != expected {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = f.Now().Add(ttl)
	}
	f.kv[key] = kvEntry{value: newValue, expires: expires}
	return true, nil
}

func (f *Fake) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok || f.expired(e) || e.value != expected {
		return false, nil
	}
	delete(f.kv, key)
	return true, nil
}

var _ store.Store = (*Fake)(nil)
