// Package pool implements the fixed-size, free-list-backed object arena
// shared by the VM, VP and VPS object pools. Each pool is an array of N
// objects sized at compile time; every object is given its array index as
// its id at initialization and linked into a singly-linked free list
// through an index rather than a pointer, since index 0xFFFF doubles as
// the invalid-id sentinel used throughout the syscall ABI.
package pool

import (
	"github.com/rianquinn/hypervisor-sub002/kernel"
	"github.com/rianquinn/hypervisor-sub002/kernel/sync"
)

// InvalidID is the reserved id (spec's BF_INVALID_ID) meaning "no object".
// It also doubles as the free-list terminator.
const InvalidID = uint16(0xFFFF)

// Status is the allocation lifecycle state of a pooled object. Zombie is
// an absorbing terminal state for any object whose deallocation failed
// partway: the object is no longer usable but its slot is never returned
// to the free list.
type Status uint8

const (
	Unallocated Status = iota
	Allocated
	Zombie
)

// ErrOutOfMemory is returned by Allocate once every object in the pool is
// either allocated or zombified.
var ErrOutOfMemory = &kernel.Error{Module: "pool", Message: "object pool exhausted"}

// ErrInvalidID is returned by Deallocate/Zombify for an id outside the
// pool's range, and by Deallocate for an id that is not Allocated.
var ErrInvalidID = &kernel.Error{Module: "pool", Message: "invalid or non-allocated object id"}

// Pool is a generic, index-addressed free-list arena over exactly N
// pre-sized objects of type T. T itself holds only the domain fields (VM,
// VP or VPS state); Pool owns the allocation bookkeeping so that object
// packages never have to implement a free list themselves.
type Pool[T any] struct {
	mu sync.Spinlock

	objects []T
	status  []Status
	next    []uint16
	head    uint16
}

// Init sizes the pool to exactly n objects, all initially unallocated and
// linked into the free list in ascending id order.
func (p *Pool[T]) Init(n uint16) {
	p.objects = make([]T, n)
	p.status = make([]Status, n)
	p.next = make([]uint16, n)
	for i := uint16(0); i < n; i++ {
		if i == n-1 {
			p.next[i] = InvalidID
		} else {
			p.next[i] = i + 1
		}
	}
	p.head = 0
	if n == 0 {
		p.head = InvalidID
	}
}

// Allocate unlinks the head of the free list and returns its id along with
// a pointer to its zero-valued storage.
// Callers are responsible for initializing the rest of the object's
// domain-specific fields.
func (p *Pool[T]) Allocate() (uint16, *T, *kernel.Error) {
	p.mu.Acquire()
	defer p.mu.Release()

	if p.head == InvalidID {
		return InvalidID, nil, ErrOutOfMemory
	}

	id := p.head
	p.head = p.next[id]
	p.status[id] = Allocated

	var zero T
	p.objects[id] = zero
	return id, &p.objects[id], nil
}

// Deallocate relinks id onto the head of the free list. It fails if id is
// out of range or not currently Allocated (a zombie or already-free id).
func (p *Pool[T]) Deallocate(id uint16) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	if int(id) >= len(p.objects) || p.status[id] != Allocated {
		return ErrInvalidID
	}

	p.status[id] = Unallocated
	p.next[id] = p.head
	p.head = id
	return nil
}

// Zombify marks id as a terminal zombie: it stops being Allocated but is
// never relinked into the free list, so its slot is permanently leaked.
// Used by failure-reversal handlers when a partially-constructed object
// cannot be proven safe to reclaim.
func (p *Pool[T]) Zombify(id uint16) *kernel.Error {
	p.mu.Acquire()
	defer p.mu.Release()

	if int(id) >= len(p.objects) {
		return ErrInvalidID
	}
	p.status[id] = Zombie
	return nil
}

// StatusOf returns the current lifecycle state of id.
func (p *Pool[T]) StatusOf(id uint16) Status {
	p.mu.Acquire()
	defer p.mu.Release()

	if int(id) >= len(p.objects) {
		return Unallocated
	}
	return p.status[id]
}

// At returns a pointer to the object storage for id without checking its
// status; callers that need the allocation to be live should check
// StatusOf first (the object packages do this as part of their own
// precondition checks).
func (p *Pool[T]) At(id uint16) *T {
	return &p.objects[id]
}

// Len returns the pool's fixed capacity.
func (p *Pool[T]) Len() uint16 {
	return uint16(len(p.objects))
}
