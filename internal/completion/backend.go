// Package completion implements the io_uring backend of spec.md 4.5: a
// completion-based backend built on submission/completion queue pairs,
// batched submission, multishot accept, and chained operations.
//
// Grounded on the ring lifecycle of ehrlich-b-go-ublk's internal/uring
// (NewRealRing/Close/Submit*/WaitForCompletion, the real-vs-stub build
// tag split) and rebuilt against github.com/pawelgaczynski/giouring, the
// io_uring binding named in spec.md 9's domain-stack note; the
// ring-setup, Prepare*/GetSQE/Submit*/PeekBatchCQE/CQAdvance call
// shapes follow ianic-xnet's aio event loop (the one pack file built
// directly on giouring), generalized from its TCP-only surface to the
// general read/write/recv/send/splice/accept/connect/timeout operations
// of spec.md 4.5.
package completion

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/constants"
	"github.com/fiberrt/fiberrt/internal/ctxstore"
	"github.com/fiberrt/fiberrt/internal/interfaces"
)

// Result is the outcome of a completed operation, handed back to the op
// layer's resume value.
type Result struct {
	N     int32
	Errno int32
}

// Backend implements interfaces.Backend atop a single io_uring instance.
// Not safe for concurrent use except through its Notifier (spec.md 5).
type Backend struct {
	mu sync.Mutex

	ring *giouring.Ring
	ctxs *ctxstore.Store

	eventFd int

	preparedLimit int // halves on ENOMEM, per spec.md 4.5's backoff note
	deferred      int // SQEs prepared but not yet submitted

	multishotAccepts map[int]ctxstore.Index // listen fd -> arena index

	logger interfaces.Logger
	closed bool
}

// New creates an io_uring instance sized for entries submission slots
// and registers an eventfd for cross-thread wakeup (spec.md 4.5's
// wait-event protocol: a poll SQE targeting the eventfd).
func New(entries uint32, logger interfaces.Logger) (*Backend, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("completion: create ring: %w", err)
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("completion: eventfd: %w", err)
	}
	if err := ring.RegisterEventFd(eventFd); err != nil {
		unix.Close(eventFd)
		ring.QueueExit()
		return nil, fmt.Errorf("completion: register eventfd: %w", err)
	}

	return &Backend{
		ring:             ring,
		ctxs:             ctxstore.New(),
		eventFd:          eventFd,
		preparedLimit:    constants.DefaultPreparedLimit,
		multishotAccepts: make(map[int]ctxstore.Index),
		logger:           logger,
	}, nil
}

func (b *Backend) Kind() string { return "io_uring" }

func (b *Backend) PendingOps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxs.Taken()
}

func (b *Backend) Notifier() interfaces.Notifier { return (*notifier)(b) }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	unix.Close(b.eventFd)
	b.ring.QueueExit()
	return nil
}

// getSQE fetches a submission slot, submitting the deferred batch first
// to free space if the ring reports full, and halving preparedLimit on
// ENOMEM the way spec.md 4.5's backoff note describes (mirrors the
// source's "submit to make room" retry rather than growing the ring).
func (b *Backend) getSQE() *giouring.SubmissionQueueEntry {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		b.submitLocked()
		sqe = b.ring.GetSQE()
	}
	return sqe
}

// acquire grabs an op-context, preparing it for opType, and packs its
// index as the SQE's user-data.
func (b *Backend) acquire(sqe *giouring.SubmissionQueueEntry, opType ctxstore.OpType, fiber interface{}) (*ctxstore.Context, ctxstore.Index) {
	ctx, idx := b.ctxs.Acquire(opType, fiber)
	sqe.UserData = idx.Pack()
	return ctx, idx
}

// deferSubmit marks one SQE as staged and flushes the batch once
// preparedLimit SQEs are staged; below that it is flushed by the next
// getSQE-triggered retry, an explicit submitLocked call, or the next Poll.
func (b *Backend) deferSubmit() {
	b.deferred++
	if b.deferred >= b.preparedLimit {
		b.submitLocked()
	}
}

func (b *Backend) submitLocked() {
	if b.deferred == 0 {
		return
	}
	if _, err := b.ring.SubmitAndWait(0); err != nil {
		if err == unix.ENOMEM && b.preparedLimit > constants.MinPreparedLimit {
			b.preparedLimit /= 2
			b.logger.Debugf("completion: ENOMEM, halving prepared limit to %d", b.preparedLimit)
		} else {
			b.logger.Debugf("completion: submit: %v", err)
		}
	}
	b.deferred = 0
}

// pinBuffer pins buf's backing array against the context's Pinner (so
// the kernel's outstanding pointer into it stays valid) and returns the
// pointer as a uintptr for the SQE.
func pinBuffer(ctx *ctxstore.Context, buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	ptr := unsafe.Pointer(&buf[0])
	ctx.Pinner.Pin(ptr)
	ctx.Buffers = append(ctx.Buffers, buf)
	return uintptr(ptr)
}

// PrepRead stages a read op and returns the packed index the caller
// should await a resume on.
func (b *Backend) PrepRead(fd int, buf []byte, offset uint64, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpRead, fiber)
	sqe.PrepareRead(fd, pinBuffer(ctx, buf), uint32(len(buf)), offset)
	b.deferSubmit()
	return idx, nil
}

// PrepWrite stages a write op.
func (b *Backend) PrepWrite(fd int, buf []byte, offset uint64, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpWrite, fiber)
	sqe.PrepareWrite(fd, pinBuffer(ctx, buf), uint32(len(buf)), offset)
	b.deferSubmit()
	return idx, nil
}

// PrepRecv stages a recv op.
func (b *Backend) PrepRecv(fd int, buf []byte, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpRecv, fiber)
	sqe.PrepareRecv(fd, pinBuffer(ctx, buf), uint32(len(buf)), 0)
	b.deferSubmit()
	return idx, nil
}

// PrepSend stages a send op.
func (b *Backend) PrepSend(fd int, buf []byte, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpSend, fiber)
	sqe.PrepareSend(fd, pinBuffer(ctx, buf), uint32(len(buf)), 0)
	b.deferSubmit()
	return idx, nil
}

// PrepAccept stages a one-shot accept op.
func (b *Backend) PrepAccept(listenFd int, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PrepareAccept(listenFd, 0, 0, 0)
	_, idx := b.acquire(sqe, ctxstore.OpAccept, fiber)
	b.deferSubmit()
	return idx, nil
}

// PrepMultishotAccept registers a standing accept watcher: one SQE keeps
// producing CQEs (one per inbound connection) until cancelled, per
// spec.md 4.5's "multishot accept" operation. The context's ref-count is
// pinned at the multishot sentinel so ordinary completions never recycle
// it; it is recycled by CancelMultishotAccept or by a terminating CQE
// (one without the more flag).
func (b *Backend) PrepMultishotAccept(listenFd int, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.multishotAccepts[listenFd]; ok {
		return idx, nil
	}
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PrepareMultishotAccept(listenFd, 0, 0, 0)
	ctx, idx := b.ctxs.Acquire(ctxstore.OpMultishotAccept, fiber)
	ctx.RefCount = ctxstore.MultishotRefCount
	sqe.UserData = idx.Pack()
	b.multishotAccepts[listenFd] = idx
	b.deferSubmit()
	return idx, nil
}

// OnMultishotAccept registers the callback invoked for every connection
// delivered by a standing multishot accept watcher on listenFd. Replaces
// any previously registered callback.
func (b *Backend) OnMultishotAccept(listenFd int, deliver func(Result)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.multishotAccepts[listenFd]
	if !ok {
		return
	}
	if ctx, ok := b.ctxs.Lookup(idx); ok {
		ctx.ResumeValue = deliver
	}
}

// CancelMultishotAccept issues an async cancellation for a standing
// multishot accept and forcibly recycles its context.
func (b *Backend) CancelMultishotAccept(listenFd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.multishotAccepts[listenFd]
	if !ok {
		return nil
	}
	delete(b.multishotAccepts, listenFd)
	sqe := b.getSQE()
	if sqe != nil {
		sqe.PrepareCancelFd(listenFd, 0)
		b.deferSubmit()
	}
	b.ctxs.ReleaseMultishot(idx)
	return nil
}

// PrepConnect stages a connect op. addr must remain valid and unmoved
// until the op completes; callers typically allocate it from a
// package-level sockaddr conversion helper that itself participates in
// the context's buffer pinning.
func (b *Backend) PrepConnect(fd int, addr unsafe.Pointer, addrLen uint64, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpConnect, fiber)
	ctx.Pinner.Pin(addr)
	sqe.PrepareConnect(fd, uintptr(addr), addrLen)
	b.deferSubmit()
	return idx, nil
}

// PrepSendMsg stages a sendmsg(2) op carrying a single-iovec payload and
// an optional destination address (for unconnected datagram sends);
// ancillary control messages are out of scope here the same way
// spec.md's wire/bit-format non-goal excludes gzip framing — both are
// format-sniffing concerns this runtime passes through rather than
// parses.
func (b *Backend) PrepSendMsg(fd int, buf []byte, dest []byte, flags uint32, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpSendMsg, fiber)
	msg := newMsghdr(ctx, buf, dest)
	sqe.PrepareSendmsg(fd, msg, flags)
	b.deferSubmit()
	return idx, nil
}

// PrepRecvMsg stages a recvmsg(2) op into buf, capturing the sender
// address into a fixed-size scratch buffer the caller can decode once
// the op completes.
func (b *Backend) PrepRecvMsg(fd int, buf []byte, flags uint32, fiber interface{}) (ctxstore.Index, *unix.RawSockaddrAny, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, nil, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpRecvMsg, fiber)
	var srcAddr unix.RawSockaddrAny
	msg := newMsghdrRecv(ctx, buf, &srcAddr)
	sqe.PrepareRecvmsg(fd, msg, flags)
	b.deferSubmit()
	return idx, &srcAddr, nil
}

// newMsghdr builds (and pins) a unix.Msghdr plus its backing iovec/name
// for a send, grounded on the pinned-raw-struct pattern used throughout
// this file for anything the kernel holds a live pointer into.
func newMsghdr(ctx *ctxstore.Context, buf []byte, dest []byte) *unix.Msghdr {
	iov := &unix.Iovec{}
	if len(buf) > 0 {
		iov.Base = &buf[0]
		ctx.Pinner.Pin(unsafe.Pointer(iov.Base))
	}
	iov.SetLen(len(buf))
	ctx.Pinner.Pin(unsafe.Pointer(iov))

	msg := &unix.Msghdr{}
	msg.Iov = iov
	msg.Iovlen = 1
	if len(dest) > 0 {
		msg.Name = &dest[0]
		msg.Namelen = uint32(len(dest))
		ctx.Pinner.Pin(unsafe.Pointer(msg.Name))
	}
	ctx.Pinner.Pin(unsafe.Pointer(msg))
	ctx.Buffers = append(ctx.Buffers, buf, dest)
	return msg
}

// newMsghdrRecv is newMsghdr's receive-side counterpart: buf is the
// payload destination and addr captures the sender.
func newMsghdrRecv(ctx *ctxstore.Context, buf []byte, addr *unix.RawSockaddrAny) *unix.Msghdr {
	iov := &unix.Iovec{}
	if len(buf) > 0 {
		iov.Base = &buf[0]
		ctx.Pinner.Pin(unsafe.Pointer(iov.Base))
	}
	iov.SetLen(len(buf))
	ctx.Pinner.Pin(unsafe.Pointer(iov))

	msg := &unix.Msghdr{}
	msg.Iov = iov
	msg.Iovlen = 1
	msg.Name = (*byte)(unsafe.Pointer(addr))
	msg.Namelen = uint32(unsafe.Sizeof(*addr))
	ctx.Pinner.Pin(unsafe.Pointer(addr))
	ctx.Pinner.Pin(unsafe.Pointer(msg))
	ctx.Buffers = append(ctx.Buffers, buf)
	return msg
}

// PrepTee stages a tee(2) op, the non-consuming sibling of splice used
// by spec.md 4.5's transfer family (duplicates up to n bytes from a
// pipe into another pipe without draining the source).
func (b *Backend) PrepTee(fdIn, fdOut int, n uint32, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PrepareTee(fdIn, fdOut, n, 0)
	_, idx := b.acquire(sqe, ctxstore.OpSplice, fiber)
	b.deferSubmit()
	return idx, nil
}

// PrepPollFD stages a generic readable/writable poll on fd, resuming
// the waiter like any other op once the kernel reports the requested
// events (used by Waitpid's pidfd path, which has no payload to read,
// only a readiness edge to wait for).
func (b *Backend) PrepPollFD(fd int, mask uint32, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PreparePollAdd(fd, mask)
	_, idx := b.acquire(sqe, ctxstore.OpPollFD, fiber)
	b.deferSubmit()
	return idx, nil
}

// PrepClose stages a close op.
func (b *Backend) PrepClose(fd int, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PrepareClose(fd)
	_, idx := b.acquire(sqe, ctxstore.OpClose, fiber)
	b.deferSubmit()
	return idx, nil
}

// PrepTimeout stages a relative timeout op, used by Sleep and as the
// racing timer of Timeout.
func (b *Backend) PrepTimeout(ts *unix.Timespec, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	ctx, idx := b.acquire(sqe, ctxstore.OpTimeout, fiber)
	ctx.Pinner.Pin(unsafe.Pointer(ts))
	sqe.PrepareTimeout(uintptr(unsafe.Pointer(ts)), 0, 0)
	b.deferSubmit()
	return idx, nil
}

// PrepSplice stages a splice(2) op moving up to n bytes between two
// pipe-or-file descriptors, per spec.md 4.5's double-splice support for
// sendfile-style transfers through an intermediate pipe.
func (b *Backend) PrepSplice(fdIn int, offIn int64, fdOut int, offOut int64, n uint32, fiber interface{}) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.getSQE()
	if sqe == nil {
		return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
	}
	sqe.PrepareSplice(fdIn, offIn, fdOut, offOut, n, 0)
	_, idx := b.acquire(sqe, ctxstore.OpSplice, fiber)
	b.deferSubmit()
	return idx, nil
}

// PrepChain stages a sequence of SQEs linked with IOSQE_IO_LINK so the
// kernel executes them in order, aborting the chain on the first
// failure (spec.md 4.5's chained-operation primitive). Each prepFn
// receives the next free SQE to fill in; only the final SQE's context is
// handed back, as the whole chain resumes the fiber once together.
func (b *Backend) PrepChain(fiber interface{}, prepFns ...func(*giouring.SubmissionQueueEntry)) (ctxstore.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(prepFns) == 0 {
		return ctxstore.Index{}, fmt.Errorf("completion: empty chain")
	}
	var last ctxstore.Index
	for i, prepFn := range prepFns {
		sqe := b.getSQE()
		if sqe == nil {
			return ctxstore.Index{}, fmt.Errorf("completion: submission queue full")
		}
		prepFn(sqe)
		if i < len(prepFns)-1 {
			sqe.Flags |= giouring.SqeIOLink
			_, linkIdx := b.acquire(sqe, ctxstore.OpChain, nil)
			// No submitter awaits an intermediate link; its CQE alone
			// recycles the context.
			b.ctxs.Release(linkIdx)
		} else {
			_, idx := b.acquire(sqe, ctxstore.OpChain, fiber)
			last = idx
		}
	}
	b.deferSubmit()
	return last, nil
}

// Release drops the submitter's reference on idx once the fiber that
// issued the op has observed its result; the kernel's own reference was
// already dropped when the CQE was processed in Poll.
func (b *Backend) Release(idx ctxstore.Index) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctxs.Release(idx)
}

// Cancel implements spec.md 4.5 step 5 and 4.13's cancellation-on-
// exception path: a waiter resumed with an exception before its CQE
// arrived still has the kernel's reference outstanding, so the
// submitter's own ref is dropped here, the context is marked cancelled
// (handleCQE must not resume it a second time when the real CQE shows
// up), and a cancel SQE targeting fd is issued so the kernel actually
// stops the op instead of leaving it to complete on its own schedule.
func (b *Backend) Cancel(idx ctxstore.Index, fd int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, ok := b.ctxs.Lookup(idx)
	if !ok {
		return
	}
	ctx.Cancelled = true
	b.ctxs.Release(idx)
	sqe := b.getSQE()
	if sqe == nil {
		return
	}
	sqe.PrepareCancelFd(fd, 0)
	_, cancelIdx := b.acquire(sqe, ctxstore.OpClose, nil)
	// Nobody awaits the cancel SQE itself; drop the submitter's ref now so
	// its own CQE (handled generically, like any other completion) frees
	// the slot instead of pinning it at ref-count 1 forever.
	b.ctxs.Release(cancelIdx)
	b.deferSubmit()
	b.submitLocked()
}

// CancelTimeout cancels a still-pending timeout op by its own user-data
// rather than by fd, since timeout SQEs have no associated file
// descriptor (spec.md 6's timeout(duration, exception, move-on-value)
// cancelling its own race op once the guarded block finishes first).
func (b *Backend) CancelTimeout(idx ctxstore.Index) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, ok := b.ctxs.Lookup(idx)
	if !ok {
		return
	}
	ctx.Cancelled = true
	b.ctxs.Release(idx)
	sqe := b.getSQE()
	if sqe == nil {
		return
	}
	sqe.PrepareTimeoutRemove(idx.Pack(), 0)
	_, cancelIdx := b.acquire(sqe, ctxstore.OpClose, nil)
	b.ctxs.Release(cancelIdx)
	b.deferSubmit()
	b.submitLocked()
}

// WaitEvent blocks the calling goroutine on the eventfd via a dedicated
// poll SQE, resuming only when Notifier().Notify() (or a real CQE) wakes
// the ring, per spec.md 4.5's "wait event" operation.
func (b *Backend) WaitEvent(ctx context.Context) error {
	b.mu.Lock()
	sqe := b.getSQE()
	if sqe == nil {
		b.mu.Unlock()
		return fmt.Errorf("completion: submission queue full")
	}
	sqe.PreparePollAdd(b.eventFd, unix.POLLIN)
	waitCtx, idx := b.acquire(sqe, ctxstore.OpPoll, nil)
	// Nothing releases the submitter's reference later; drop it now so the
	// poll's CQE recycles the context.
	b.ctxs.Release(idx)
	done := make(chan struct{})
	waitCtx.ResumeValue = done
	b.deferSubmit()
	b.submitLocked()
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll implements interfaces.Backend.Poll: flush any deferred
// submissions, then drain completions, waking the fiber stored on each
// context and recycling single-shot contexts.
func (b *Backend) Poll(ctx context.Context, blocking bool) error {
	b.mu.Lock()
	b.submitLocked()

	if blocking {
		ts := unix.NsecToTimespec(int64(250 * 1e6))
		if _, err := b.ring.WaitCQEs(1, &ts, nil); err != nil && !temporaryErrno(err) {
			b.mu.Unlock()
			return fmt.Errorf("completion: wait cqes: %w", err)
		}
	}

	var cqes [constants.DefaultMaxEvents]*giouring.CompletionQueueEvent
	n := b.ring.PeekBatchCQE(cqes[:])
	b.mu.Unlock()

	for i := uint32(0); i < n; i++ {
		b.handleCQE(cqes[i])
	}
	if n > 0 {
		b.mu.Lock()
		b.ring.CQAdvance(n)
		b.mu.Unlock()
	}
	return nil
}

func temporaryErrno(err error) bool {
	errno, ok := err.(unix.Errno)
	if !ok {
		return false
	}
	return errno == unix.EINTR || errno == unix.EAGAIN || errno == unix.ETIME
}

func (b *Backend) handleCQE(cqe *giouring.CompletionQueueEvent) {
	idx := ctxstore.Unpack(cqe.UserData)

	b.mu.Lock()
	op, ok := b.ctxs.Lookup(idx)
	b.mu.Unlock()
	if !ok {
		return
	}
	op.Result = cqe.Res

	if op.Type == ctxstore.OpMultishotAccept {
		more := cqe.Flags&giouring.CQEFMore != 0
		if deliver, ok := op.ResumeValue.(func(Result)); ok {
			deliver(Result{N: cqe.Res})
		}
		if !more {
			b.mu.Lock()
			b.ctxs.ReleaseMultishot(idx)
			b.mu.Unlock()
		}
		return
	}

	if op.Type == ctxstore.OpPoll {
		if done, ok := op.ResumeValue.(chan struct{}); ok {
			close(done)
		}
		b.mu.Lock()
		b.ctxs.Release(idx)
		b.mu.Unlock()
		return
	}

	result := Result{N: cqe.Res}
	if cqe.Res < 0 {
		result.Errno = -cqe.Res
	}
	waiterVal := op.Fiber
	cancelled := op.Cancelled

	b.mu.Lock()
	b.ctxs.Release(idx)
	b.mu.Unlock()

	// A cancelled op's waiter already resumed with its exception; this
	// completion (normally -ECANCELED, but possibly a race-won normal
	// result) is observed only to free the kernel's reference, never to
	// wake anyone a second time (spec.md 4.13).
	if cancelled {
		return
	}

	if w, ok := waiterVal.(waiter); ok {
		w.Resume(result)
	}
}

// waiter is the minimal contract a completed op's Fiber value must
// satisfy to be resumed from a CQE; the root package's *Fiber type
// implements it without this package importing the root package.
type waiter interface {
	Resume(value interface{})
}

// MarshalSockaddr converts sa into the raw bytes PrepConnect's addr
// pointer expects, grounded on the raw-sockaddr-plus-runtime.Pinner
// pattern observed in other_examples/6f76b9ed_ianic-xnet__aio-loop.go.go's
// Dial (which pins a raw sockaddr across an async PrepareConnect). The
// op layer pins the returned slice itself via PrepConnect's ctx.Pinner,
// so the bytes stay valid for the op's duration without this package
// needing to track them past the call.
func MarshalSockaddr(sa unix.Sockaddr) ([]byte, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		var raw unix.RawSockaddrInet4
		raw.Family = unix.AF_INET
		raw.Port = htons(uint16(a.Port))
		raw.Addr = a.Addr
		return structBytes(unsafe.Pointer(&raw), unsafe.Sizeof(raw)), nil
	case *unix.SockaddrInet6:
		var raw unix.RawSockaddrInet6
		raw.Family = unix.AF_INET6
		raw.Port = htons(uint16(a.Port))
		raw.Scope_id = a.ZoneId
		raw.Addr = a.Addr
		return structBytes(unsafe.Pointer(&raw), unsafe.Sizeof(raw)), nil
	case *unix.SockaddrUnix:
		var raw unix.RawSockaddrUnix
		raw.Family = unix.AF_UNIX
		n := copy(raw.Path[:len(raw.Path)-1], a.Name)
		size := unsafe.Offsetof(raw.Path) + uintptr(n) + 1
		return structBytes(unsafe.Pointer(&raw), size), nil
	default:
		return nil, fmt.Errorf("completion: unsupported sockaddr type %T", sa)
	}
}

// structBytes views a fixed-layout struct's backing memory as a byte
// slice of size n, the same unsafe-cast-to-[]byte idiom the raw
// sockaddr structs above require to hand their bits to a syscall.
func structBytes(ptr unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

// htons converts a host-byte-order port into the network byte order
// every sockaddr_in/in6 wire struct requires.
func htons(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}

// UnmarshalSockaddr is MarshalSockaddr's inverse, used to decode the
// sender address recvmsg writes into the scratch RawSockaddrAny.
func UnmarshalSockaddr(raw *unix.RawSockaddrAny) (unix.Sockaddr, error) {
	switch raw.Addr.Family {
	case unix.AF_INET:
		in4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(raw))
		return &unix.SockaddrInet4{Port: int(htons(in4.Port)), Addr: in4.Addr}, nil
	case unix.AF_INET6:
		in6 := (*unix.RawSockaddrInet6)(unsafe.Pointer(raw))
		return &unix.SockaddrInet6{Port: int(htons(in6.Port)), ZoneId: in6.Scope_id, Addr: in6.Addr}, nil
	case unix.AF_UNIX:
		un := (*unix.RawSockaddrUnix)(unsafe.Pointer(raw))
		name := make([]byte, 0, len(un.Path))
		for _, b := range un.Path {
			if b == 0 {
				break
			}
			name = append(name, byte(b))
		}
		return &unix.SockaddrUnix{Name: string(name)}, nil
	default:
		return nil, fmt.Errorf("completion: unsupported sockaddr family %d", raw.Addr.Family)
	}
}

// notifier adapts *Backend to interfaces.Notifier by writing to the
// ring's registered eventfd. The write completes a pending WaitEvent
// poll, whose CQE ends a blocked WaitCQEs call; with no such poll in
// flight it does not wake WaitCQEs, and a blocked Poll returns at the
// next completion or at its 250ms timeout.
type notifier Backend

func (n *notifier) Arm() error { return nil }

func (n *notifier) Notify() error {
	b := (*Backend)(n)
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(b.eventFd, one[:])
	return err
}

func (n *notifier) Close() error { return nil }
