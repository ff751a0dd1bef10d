package fiberrt

import (
	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
	"github.com/fiberrt/fiberrt/internal/readiness"
)

// Splice moves up to max bytes directly from src to dst without passing
// through userspace, per spec.md 6's splice(src, dst, max). At least one
// of src/dst must be a pipe (splice(2)'s own restriction).
func Splice(f *Fiber, src, dst int, max uint32) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepSplice(src, -1, dst, -1, max, f)
		if err != nil {
			return 0, SystemError("splice", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, src)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("splice", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		n, err := readinessSyscall(f, backend, src, readiness.EventRead, func() (int, error) {
			return rawSplice(src, dst, int(max), unix.SPLICE_F_NONBLOCK)
		})
		if err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, BugError("splice", "thread has no recognized backend")
	}
}

// DoubleSplice moves bytes from src to dst through an intermediate pipe,
// the sendfile-style transfer spec.md 6's double-splice(src, dst)
// exists for: neither src nor dst needs to be a pipe, since the pipe
// created here satisfies splice(2)'s one-pipe-endpoint requirement
// twice over (grounded on original_source/ext/polyphony/io_extensions.c's
// IO_http1_splice_chunked, which relays a socket to a file, and vice
// versa, through exactly this kind of relay pipe).
func DoubleSplice(f *Fiber, src, dst int, max uint32) (int, error) {
	relay, err := NewPipe()
	if err != nil {
		return 0, err
	}
	defer relay.Close()

	n, err := Splice(f, src, relay.WriteFd(), max)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return Splice(f, relay.ReadFd(), dst, uint32(n))
}

// Tee duplicates up to max bytes from src to dst without consuming them
// from src (spec.md 6's tee(src, dst, max)); both ends must be pipes,
// the same as tee(2) itself.
func Tee(f *Fiber, src, dst int, max uint32) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepTee(src, dst, max, f)
		if err != nil {
			return 0, SystemError("tee", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, src)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("tee", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		return readinessSyscall(f, backend, src, readiness.EventRead, func() (int, error) {
			return rawTee(src, dst, int(max), unix.SPLICE_F_NONBLOCK)
		})
	default:
		return 0, BugError("tee", "thread has no recognized backend")
	}
}

// SpliceChunks relays src to dst in chunks of chunkSize, writing prefix
// once before the first chunk and postfix once after the last, with
// chunkPrefix/chunkPostfix framing each individual chunk, including the
// final zero-byte splice that detects the end of src (spec.md 6's
// splice-chunks, grounded on io_extensions.c's chunked relay loop; the
// gzip/zlib encoding that file layers on top of the same loop is the
// existing wire-format non-goal and is not reproduced here).
func SpliceChunks(f *Fiber, src, dst int, prefix, postfix, chunkPrefix, chunkPostfix []byte, chunkSize uint32) (int, error) {
	total := 0
	if len(prefix) > 0 {
		if _, err := writeRawFd(f, dst, prefix); err != nil {
			return total, err
		}
	}

	for {
		if len(chunkPrefix) > 0 {
			if _, err := writeRawFd(f, dst, chunkPrefix); err != nil {
				return total, err
			}
		}
		n, err := Splice(f, src, dst, chunkSize)
		total += n
		if err != nil {
			return total, err
		}
		if len(chunkPostfix) > 0 {
			if _, err := writeRawFd(f, dst, chunkPostfix); err != nil {
				return total, err
			}
		}
		if n == 0 {
			break
		}
	}

	if len(postfix) > 0 {
		if _, err := writeRawFd(f, dst, postfix); err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeRawFd(f *Fiber, fd int, buf []byte) (int, error) {
	return blockingWrite(f, fd, buf)
}
