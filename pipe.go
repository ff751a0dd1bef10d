package fiberrt

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Pipe wraps a pipe(2) file descriptor pair with fiber-blocking
// Read/Write (spec.md 4.10). Both ends are opened non-blocking so the
// readiness backend never actually blocks the OS thread in the
// syscalls it performs after a watcher fires.
type Pipe struct {
	mu          sync.Mutex
	readFd      int
	writeFd     int
	readClosed  bool
	writeClosed bool
}

// NewPipe creates a pipe(2) pair.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, SystemError("new-pipe", err)
	}
	return &Pipe{readFd: fds[0], writeFd: fds[1]}, nil
}

// ReadFd returns the pipe's read-end file descriptor.
func (p *Pipe) ReadFd() int { return p.readFd }

// WriteFd returns the pipe's write-end file descriptor.
func (p *Pipe) WriteFd() int { return p.writeFd }

// Read blocks f until at least one byte is available, reading into buf.
// Returns ClosedResourceError if the read end was already closed.
func (p *Pipe) Read(f *Fiber, buf []byte) (int, error) {
	p.mu.Lock()
	if p.readClosed {
		p.mu.Unlock()
		return 0, ClosedResourceError("pipe-read")
	}
	fd := p.readFd
	p.mu.Unlock()
	return blockingRead(f, fd, buf)
}

// Write blocks f until buf (or a prefix of it, per write(2) semantics)
// has been written. Returns ClosedResourceError if the write end was
// already closed.
func (p *Pipe) Write(f *Fiber, buf []byte) (int, error) {
	p.mu.Lock()
	if p.writeClosed {
		p.mu.Unlock()
		return 0, ClosedResourceError("pipe-write")
	}
	fd := p.writeFd
	p.mu.Unlock()
	return blockingWrite(f, fd, buf)
}

// CloseRead half-closes the pipe's read end; a blocked or future Write
// on the other end will observe EPIPE/SIGPIPE-equivalent errors from
// the kernel once the write end notices there is no reader.
func (p *Pipe) CloseRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readClosed {
		return nil
	}
	p.readClosed = true
	return unix.Close(p.readFd)
}

// CloseWrite half-closes the pipe's write end; a blocked Read on the
// other end observes EOF (a zero-length read) once the kernel drains
// any buffered data.
func (p *Pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeClosed {
		return nil
	}
	p.writeClosed = true
	return unix.Close(p.writeFd)
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	err1 := p.CloseRead()
	err2 := p.CloseWrite()
	if err1 != nil {
		return err1
	}
	return err2
}
