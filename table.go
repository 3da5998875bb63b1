package hwq

import (
	"errors"
	"fmt"
)

// ResourceType tags the owner of an index table entry so completion routing
// can switch on it explicitly.
type ResourceType int8

const (
	ResourceNone ResourceType = iota
	ResourceQP
	ResourceSRQ
	ResourceRawWQ
)

// Resource is the tagged variant stored in the index table. The table holds
// a back-reference only; it never keeps a resource alive.
type Resource struct {
	Type ResourceType
	QP   *QueuePair
	SRQ  *SharedReceiveQueue
	WQ   *RawWorkQueue
}

var errSlotsExhausted = errors.New("no free user index slots")

// resourceTable routes a compact integer key back to its resource. Both
// strategies are safe for concurrent use on disjoint keys; lookups on the
// completion paths are additionally serialized by the completion queue lock.
type resourceTable interface {
	insert(key uint32, r Resource) error
	lookup(key uint32) (Resource, bool)
	remove(key uint32)
}

// directTable keys by the hardware-returned resource number. Entries appear
// only after the external create call succeeds, because the key is not known
// before that.
type directTable struct {
	mu optionalMutex
	m  map[uint32]Resource
}

func newDirectTable() *directTable {
	return &directTable{
		mu: optionalMutex{mu: newSyncMutex(mutexKey{Type: "resource-table"})},
		m:  make(map[uint32]Resource),
	}
}

func (t *directTable) insert(key uint32, r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; ok {
		return fmt.Errorf("resource number %d already registered", key)
	}
	t.m[key] = r
	return nil
}

func (t *directTable) lookup(key uint32) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.m[key]
	return r, ok
}

func (t *directTable) remove(key uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

// slotTable keys by a driver-chosen user index handed to the device at
// create time. A slot is reserved before the external call and either bound
// by insert or handed back by unreserve when the call fails.
type slotTable struct {
	mu      optionalMutex
	entries []slotEntry
	next    uint32 // rotate the scan start so freed slots are not reused hot
}

type slotEntry struct {
	reserved bool
	r        Resource
}

func newSlotTable(capacity uint32) *slotTable {
	return &slotTable{
		mu:      optionalMutex{mu: newSyncMutex(mutexKey{Type: "resource-table"})},
		entries: make([]slotEntry, capacity),
	}
}

// reserve picks a free slot and marks it taken. The device requires the
// index at create time, so reservation precedes the external call.
func (t *slotTable) reserve() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint32(len(t.entries))
	for i := uint32(0); i < n; i++ {
		key := (t.next + i) % n
		if !t.entries[key].reserved {
			t.entries[key].reserved = true
			t.next = key + 1
			return key, nil
		}
	}
	return 0, errSlotsExhausted
}

// unreserve returns a slot whose external create call failed.
func (t *slotTable) unreserve(key uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key < uint32(len(t.entries)) {
		t.entries[key] = slotEntry{}
	}
}

func (t *slotTable) insert(key uint32, r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key >= uint32(len(t.entries)) || !t.entries[key].reserved {
		return fmt.Errorf("user index %d was not reserved", key)
	}
	if t.entries[key].r.Type != ResourceNone {
		return fmt.Errorf("user index %d already bound", key)
	}
	t.entries[key].r = r
	return nil
}

func (t *slotTable) lookup(key uint32) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key >= uint32(len(t.entries)) || t.entries[key].r.Type == ResourceNone {
		return Resource{}, false
	}
	return t.entries[key].r, true
}

func (t *slotTable) remove(key uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key < uint32(len(t.entries)) {
		t.entries[key] = slotEntry{}
	}
}
