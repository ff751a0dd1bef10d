package fiberrt

import (
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
)

// Socket wraps a non-blocking stream socket file descriptor with
// fiber-blocking I/O (spec.md 6's read/recv/send/accept/connect/close
// operation group). Unlike Pipe, a Socket is two-way and supports the
// full recv/send/recvmsg/sendmsg surface.
type Socket struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// socketFromFd wraps an already-open, already-configured fd.
func socketFromFd(fd int) *Socket { return &Socket{fd: fd} }

// Fd returns the socket's raw file descriptor.
func (s *Socket) Fd() int { return s.fd }

// Listen creates a listening TCP socket bound to addr ("host:port"),
// grounded on the bind/listen shape of
// other_examples/6f76b9ed_ianic-xnet__aio-loop.go.go's Listen (that
// file's own resolveTCPAddr/listen helpers were not part of the
// retrieved pack, so resolveTCPAddr below parses the address with
// net.SplitHostPort, net.ParseIP and net.LookupIP: host:port resolution
// is argument validation, not an I/O concern any pack library covers).
func Listen(addr string) (*Socket, error) {
	sa, domain, err := resolveTCPAddr(addr)
	if err != nil {
		return nil, ArgumentError("listen", err.Error())
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, SystemError("listen", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, SystemError("listen", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, SystemError("listen", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, SystemError("listen", err)
	}
	return socketFromFd(fd), nil
}

func resolveTCPAddr(addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, SystemError("resolve", err)
		}
		ip = ips[0]
	}
	if ip4 := ip.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		return &unix.SockaddrInet4{Port: port, Addr: a}, unix.AF_INET, nil
	}
	var a [16]byte
	copy(a[:], ip.To16())
	return &unix.SockaddrInet6{Port: port, Addr: a}, unix.AF_INET6, nil
}

// Accept accepts one pending connection (spec.md 6's
// accept(server, socket-class)).
func (s *Socket) Accept(f *Fiber) (*Socket, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ClosedResourceError("accept")
	}
	fd := s.fd
	s.mu.Unlock()

	connFd, err := blockingAccept(f, fd)
	if err != nil {
		return nil, err
	}
	return socketFromFd(connFd), nil
}

// AcceptLoop repeatedly accepts connections on s, invoking yield with
// each new Socket until yield returns false or the fiber is cancelled
// (spec.md 6's accept-loop{yield}).
func (s *Socket) AcceptLoop(f *Fiber, yield func(*Socket) bool) error {
	for {
		conn, err := s.Accept(f)
		if err != nil {
			return err
		}
		if !yield(conn) {
			return nil
		}
	}
}

// Connect dials addr ("host:port") and returns the connected socket
// (spec.md 6's connect(sock, host, port)).
func Connect(f *Fiber, addr string) (*Socket, error) {
	sa, domain, err := resolveTCPAddr(addr)
	if err != nil {
		return nil, ArgumentError("connect", err.Error())
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, SystemError("connect", err)
	}
	if err := blockingConnect(f, fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return socketFromFd(fd), nil
}

// Read implements the same blocking read used by Pipe, extended to
// sockets (spec.md 6's read(io, buf, len, to-eof?, pos): the to-eof
// looping variant is ReadLoop below).
func (s *Socket) Read(f *Fiber, buf []byte) (int, error) {
	return blockingRead(f, s.checkedFd("read"), buf)
}

// ReadLoop reads up to maxlen bytes at a time until EOF (n == 0) or until
// yield returns false, invoking yield with each chunk (spec.md 6's
// read-loop(io, maxlen){yield}).
func (s *Socket) ReadLoop(f *Fiber, maxlen int, yield func([]byte) bool) error {
	buf := make([]byte, maxlen)
	for {
		n, err := s.Read(f, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if !yield(buf[:n]) {
			return nil
		}
	}
}

// Write implements write(io, buf).
func (s *Socket) Write(f *Fiber, buf []byte) (int, error) {
	return blockingWrite(f, s.checkedFd("write"), buf)
}

// Writev writes every buffer in bufs in order (spec.md 6's
// writev(io, bufs...)); each call is its own write op rather than a
// single iovec submission, which keeps this on the same per-op
// cancellation path as Write instead of a third code path.
func (s *Socket) Writev(f *Fiber, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := s.Write(f, b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Recv implements recv(io, buf, len, pos).
func (s *Socket) Recv(f *Fiber, buf []byte) (int, error) {
	return blockingRecv(f, s.checkedFd("recv"), buf)
}

// Send implements send(io, buf, flags); it takes no flags argument and
// the send is always issued with flags 0.
func (s *Socket) Send(f *Fiber, buf []byte) (int, error) {
	return blockingSend(f, s.checkedFd("send"), buf)
}

// Sendv sends every part in order (spec.md 6's sendv(io, parts, flags)).
func (s *Socket) Sendv(f *Fiber, parts [][]byte) (int, error) {
	total := 0
	for _, p := range parts {
		n, err := s.Send(f, p)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SendMsg implements sendmsg(io, buf, flags, dest, ctrls) without flags
// or control messages; control messages are out of scope the same way
// spec.md's wire/bit-format non-goal excludes gzip framing.
func (s *Socket) SendMsg(f *Fiber, buf []byte, dest unix.Sockaddr) (int, error) {
	fd := s.checkedFd("sendmsg")
	var destBytes []byte
	if dest != nil {
		raw, err := completion.MarshalSockaddr(dest)
		if err != nil {
			return 0, ArgumentError("sendmsg", err.Error())
		}
		destBytes = raw
	}
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepSendMsg(fd, buf, destBytes, 0, f)
		if err != nil {
			return 0, SystemError("sendmsg", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("sendmsg", errnoError(res.Errno))
		}
		return int(res.N), nil
	default:
		if dest != nil {
			if err := unix.Sendto(fd, buf, 0, dest); err != nil {
				return 0, SystemError("sendmsg", err)
			}
			return len(buf), nil
		}
		return s.Send(f, buf)
	}
}

// RecvMsg implements recvmsg(io, buf, max, pos, flags, ctrlmax, opts),
// returning the byte count and the sender address; the received message
// flags are not returned.
func (s *Socket) RecvMsg(f *Fiber, buf []byte) (int, net.Addr, error) {
	fd := s.checkedFd("recvmsg")
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, rawAddr, err := backend.PrepRecvMsg(fd, buf, 0, f)
		if err != nil {
			return 0, nil, SystemError("recvmsg", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, nil, cancelErr
		}
		if res.N < 0 {
			return 0, nil, SystemError("recvmsg", errnoError(res.Errno))
		}
		var addr net.Addr
		if rawAddr != nil {
			if sa, err := completion.UnmarshalSockaddr(rawAddr); err == nil {
				addr = sockaddrToNetAddr(sa)
			}
		}
		return int(res.N), addr, nil
	default:
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return 0, nil, SystemError("recvmsg", err)
		}
		return n, sockaddrToNetAddr(from), nil
	}
}

// sockaddrToNetAddr adapts a unix.Sockaddr (as returned by recvfrom or
// decoded from a recvmsg CQE) into the net.Addr shape callers expect,
// mirroring the conversion other_examples/6f76b9ed_ianic-xnet__aio-loop.go.go
// performs on its own receive path.
func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}

// Close closes the socket (spec.md 6's close(io)).
func (s *Socket) Close(f *Fiber) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.mu.Unlock()
	return blockingClose(f, fd)
}

// WaitIO parks f until the socket is ready for read (or write), with no
// syscall of its own (spec.md 6's wait-io(io, write?)).
func (s *Socket) WaitIO(f *Fiber, write bool) error {
	return blockingWaitIO(f, s.checkedFd("wait-io"), write)
}

func (s *Socket) checkedFd(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}
