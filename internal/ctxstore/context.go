// Package ctxstore implements the op-context store of spec.md 4.4: a
// reusable pool of per-submission records for the completion backend.
//
// Per spec.md 9 ("Arena + index for contexts"), the intrusive
// available/taken doubly-linked lists of the source are replaced by a
// slot arena addressed through a generational index. SQE user-data
// carries the packed index; on completion the backend looks the index up
// by (slot, generation) and a stale generation (from a slot that has
// since been recycled) silently drops the completion instead of risking
// a use-after-free from a buggy cancellation path.
package ctxstore

import "runtime"

// OpType identifies the kind of operation a Context was acquired for.
type OpType int

const (
	OpRead OpType = iota
	OpWrite
	OpRecv
	OpSend
	OpSendMsg
	OpRecvMsg
	OpSplice
	OpPoll
	OpTimeout
	OpAccept
	OpConnect
	OpClose
	OpChain
	OpMultishotAccept
	OpMultishotTimeout
	OpPollFD
)

// MultishotRefCount is the sentinel ref-count meaning "this context is
// never auto-released on a single completion"; release only happens when
// the multishot operation terminates (spec.md 3, 4.4).
const MultishotRefCount = -1

// Index is a generational handle into the arena, packed into the 64 bits
// of io_uring SQE user-data by the completion backend.
type Index struct {
	Slot uint32
	Gen  uint32
}

// Pack encodes the index as the user-data value the kernel echoes back
// on the CQE.
func (i Index) Pack() uint64 {
	return uint64(i.Gen)<<32 | uint64(i.Slot)
}

// Unpack decodes a user-data value back into an Index.
func Unpack(userData uint64) Index {
	return Index{Slot: uint32(userData), Gen: uint32(userData >> 32)}
}

// Context is a single in-flight (or free) operation record, per spec.md 3.
type Context struct {
	ID          uint64
	Type        OpType
	Fiber       interface{} // waiting fiber; nil when on the free list
	Result      int32       // kernel return value once observed
	ResumeValue interface{} // usually the waiter fiber; special for multishot queues
	RefCount    int         // 2 submitter+kernel, 1 once either releases, MultishotRefCount for multishot
	Buffers     [][]byte    // owned buffers kept alive until the kernel is done with them
	Cancelled   bool        // true once a cancel SQE has been issued for this op
	Pinner      runtime.Pinner // pins Buffers' backing arrays for the duration of the kernel op
}

func (c *Context) reset() {
	c.Fiber = nil
	c.Result = 0
	c.ResumeValue = nil
	c.RefCount = 0
	c.Buffers = nil
	c.Cancelled = false
	c.Pinner.Unpin()
}

type slot struct {
	ctx  Context
	gen  uint32
	live bool
}

// Store is the two-list (available/taken modeled as live/free) arena.
// Not safe for concurrent use; each completion backend owns exactly one,
// driven only by its owning thread (spec.md 5).
type Store struct {
	slots  []slot
	free   []uint32
	nextID uint64
	taken  int
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Taken returns the number of contexts currently in flight.
func (s *Store) Taken() int { return s.taken }

// Available returns the number of free slots ready for reuse without
// growing the arena.
func (s *Store) Available() int { return len(s.free) }

// Acquire takes a free slot (or grows the arena) and initializes a
// Context for opType with ref-count 2 (submitter + kernel), per spec.md
// 4.4's acquire protocol.
func (s *Store) Acquire(opType OpType, fiber interface{}) (*Context, Index) {
	s.nextID++
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, slot{})
		idx = uint32(len(s.slots) - 1)
	}
	sl := &s.slots[idx]
	sl.live = true
	sl.ctx.reset()
	sl.ctx.ID = s.nextID
	sl.ctx.Type = opType
	sl.ctx.Fiber = fiber
	sl.ctx.RefCount = 2
	s.taken++
	return &sl.ctx, Index{Slot: idx, Gen: sl.gen}
}

// Lookup resolves an index to its Context. ok is false if the slot has
// been recycled since the index was issued (stale generation) or the
// slot index is out of range; both cases mean "drop this completion".
func (s *Store) Lookup(idx Index) (*Context, bool) {
	if int(idx.Slot) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[idx.Slot]
	if !sl.live || sl.gen != idx.Gen {
		return nil, false
	}
	return &sl.ctx, true
}

// Release decrements the context's ref-count. If it reaches zero (and is
// not the multishot sentinel), the slot is recycled: its generation is
// bumped so stale indices miss on the next Lookup, any owned buffers are
// dropped, and the slot returns to the free list. Returns true if the
// slot was released.
func (s *Store) Release(idx Index) bool {
	ctx, ok := s.Lookup(idx)
	if !ok {
		return false
	}
	if ctx.RefCount == MultishotRefCount {
		return false
	}
	ctx.RefCount--
	if ctx.RefCount > 0 {
		return false
	}
	sl := &s.slots[idx.Slot]
	sl.live = false
	sl.gen++
	sl.ctx.reset()
	s.free = append(s.free, idx.Slot)
	s.taken--
	return true
}

// ReleaseMultishot forcibly recycles a multishot context once the kernel
// signals the multishot has terminated (the CQE lacks the "more" flag),
// regardless of the sentinel ref-count (spec.md 4.4, Open Questions).
func (s *Store) ReleaseMultishot(idx Index) bool {
	ctx, ok := s.Lookup(idx)
	if !ok {
		return false
	}
	ctx.RefCount = 1
	return s.Release(idx)
}
