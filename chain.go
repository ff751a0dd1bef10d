package fiberrt

import (
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/fiberrt/fiberrt/internal/completion"
)

// ChainOpKind selects one link's operation, matching spec.md 6's chain
// descriptor symbols (:write | :send | :splice).
type ChainOpKind int

const (
	ChainWrite ChainOpKind = iota
	ChainSend
	ChainSplice
)

// ChainOp is one link of a Chain call (spec.md 203's descriptor format:
// an op kind plus its arguments).
type ChainOp struct {
	Kind ChainOpKind

	// Write/Send
	Fd  int
	Buf []byte

	// Splice
	FdIn  int
	FdOut int
	Max   uint32
}

func chainPrepFn(op ChainOp) func(*giouring.SubmissionQueueEntry) {
	switch op.Kind {
	case ChainWrite:
		return func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareWrite(op.Fd, bufAddr(op.Buf), uint32(len(op.Buf)), 0)
		}
	case ChainSend:
		return func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSend(op.Fd, bufAddr(op.Buf), uint32(len(op.Buf)), 0)
		}
	case ChainSplice:
		return func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSplice(op.FdIn, -1, op.FdOut, -1, op.Max, 0)
		}
	default:
		return func(*giouring.SubmissionQueueEntry) {}
	}
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Chain submits ops as hard-linked SQEs so the kernel runs each in
// order and aborts the remainder on the first failure, resuming once
// with the final op's result (spec.md 6/113's chain primitive). The ops
// slice itself keeps every write/send buffer's backing array reachable
// for the whole call, which is enough to keep the kernel's outstanding
// pointers into them valid since Go's garbage collector never moves
// heap allocations.
//
// The readiness backend has no linked-SQE primitive, so Chain falls
// back to running each op as an ordinary sequential blocking call
// there: externally, "each completes before the next starts, stop on
// first error" is preserved, only the single-round-trip kernel benefit
// is lost.
func Chain(f *Fiber, ops ...ChainOp) (int, error) {
	if len(ops) == 0 {
		return 0, ArgumentError("chain", "no ops given")
	}

	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		prepFns := make([]func(*giouring.SubmissionQueueEntry), len(ops))
		for i, op := range ops {
			prepFns[i] = chainPrepFn(op)
		}
		idx, err := backend.PrepChain(f, prepFns...)
		if err != nil {
			return 0, SystemError("chain", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, chainFd(ops[len(ops)-1]))
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("chain", errnoError(res.Errno))
		}
		return int(res.N), nil
	default:
		total := 0
		for _, op := range ops {
			n, err := chainOpFallback(f, op)
			total += n
			if err != nil {
				return total, err
			}
		}
		return total, nil
	}
}

func chainFd(op ChainOp) int {
	if op.Kind == ChainSplice {
		return op.FdOut
	}
	return op.Fd
}

func chainOpFallback(f *Fiber, op ChainOp) (int, error) {
	switch op.Kind {
	case ChainWrite:
		return blockingWrite(f, op.Fd, op.Buf)
	case ChainSend:
		return blockingSend(f, op.Fd, op.Buf)
	case ChainSplice:
		return Splice(f, op.FdIn, op.FdOut, op.Max)
	default:
		return 0, ArgumentError("chain", "unknown op kind")
	}
}
