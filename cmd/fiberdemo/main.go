// Command fiberdemo spawns a handful of cooperating fibers on one
// thread to exercise the runtime end to end: a producer/consumer pair
// over a Queue, a ping/pong pair over an Event, a byte round-trip over a
// Pipe, a TCP echo server and client, a splice relay between two pipes,
// a chained pair of writes, a timeout racing a long sleep, and a
// waitpid on a real child process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiberrt/fiberrt"
	"github.com/fiberrt/fiberrt/internal/logging"
)

func main() {
	var (
		backendFlag = flag.String("backend", "auto", "backend to use: auto, io_uring, libev")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.New(logConfig)
	logging.SetDefault(logger)

	kind, err := parseBackend(*backendFlag)
	if err != nil {
		logger.Errorf("invalid -backend flag: %v", err)
		os.Exit(1)
	}

	thread, err := fiberrt.NewThread(kind)
	if err != nil {
		logger.Errorf("failed to create thread: %v", err)
		os.Exit(1)
	}
	defer thread.Close()

	logger.Infof("running on %s backend", backendName(thread.BackendKind()))

	queue := fiberrt.NewQueue()
	done := fiberrt.NewEvent()

	thread.Spawn("producer", func(self *fiberrt.Fiber, arg any) any {
		for i := 0; i < 5; i++ {
			queue.Push(i)
			logger.Debugf("produced %d", i)
		}
		queue.Close()
		return nil
	})

	thread.Spawn("consumer", func(self *fiberrt.Fiber, arg any) any {
		for {
			v, err := queue.Shift(self)
			if err != nil {
				break
			}
			logger.Debugf("consumed %v", v)
		}
		done.Signal()
		return nil
	})

	thread.Spawn("pipe-demo", func(self *fiberrt.Fiber, arg any) any {
		pipe, err := fiberrt.NewPipe()
		if err != nil {
			logger.Errorf("pipe-demo: %v", err)
			return nil
		}
		defer pipe.Close()

		writer := thread.Spawn("pipe-writer", func(wf *fiberrt.Fiber, arg any) any {
			_, werr := pipe.Write(wf, []byte("ping"))
			return werr
		})

		buf := make([]byte, 4)
		n, rerr := pipe.Read(self, buf)
		if rerr != nil {
			logger.Errorf("pipe-demo read: %v", rerr)
		} else {
			logger.Infof("pipe round-trip: %q", string(buf[:n]))
		}
		_ = writer
		return nil
	})

	const echoAddr = "127.0.0.1:18423"
	listener, err := fiberrt.Listen(echoAddr)
	if err != nil {
		logger.Errorf("echo-server listen: %v", err)
	} else {
		thread.Spawn("echo-server", func(self *fiberrt.Fiber, arg any) any {
			defer listener.Close(self)
			conn, aerr := listener.Accept(self)
			if aerr != nil {
				logger.Errorf("echo-server accept: %v", aerr)
				return nil
			}
			defer conn.Close(self)
			buf := make([]byte, 64)
			n, rerr := conn.Read(self, buf)
			if rerr != nil {
				logger.Errorf("echo-server read: %v", rerr)
				return nil
			}
			if _, werr := conn.Write(self, buf[:n]); werr != nil {
				logger.Errorf("echo-server write: %v", werr)
			}
			return nil
		})

		thread.Spawn("echo-client", func(self *fiberrt.Fiber, arg any) any {
			if serr := fiberrt.Sleep(self, 10*time.Millisecond); serr != nil {
				logger.Errorf("echo-client sleep: %v", serr)
				return nil
			}
			conn, cerr := fiberrt.Connect(self, echoAddr)
			if cerr != nil {
				logger.Errorf("echo-client connect: %v", cerr)
				return nil
			}
			defer conn.Close(self)
			if _, werr := conn.Write(self, []byte("hello")); werr != nil {
				logger.Errorf("echo-client write: %v", werr)
				return nil
			}
			buf := make([]byte, 64)
			n, rerr := conn.Read(self, buf)
			if rerr != nil {
				logger.Errorf("echo-client read: %v", rerr)
				return nil
			}
			logger.Infof("echo round-trip: %q", string(buf[:n]))
			return nil
		})
	}

	thread.Spawn("splice-demo", func(self *fiberrt.Fiber, arg any) any {
		src, serr := fiberrt.NewPipe()
		if serr != nil {
			logger.Errorf("splice-demo: %v", serr)
			return nil
		}
		defer src.Close()
		dst, derr := fiberrt.NewPipe()
		if derr != nil {
			logger.Errorf("splice-demo: %v", derr)
			return nil
		}
		defer dst.Close()

		payload := []byte("spliced")
		thread.Spawn("splice-writer", func(wf *fiberrt.Fiber, arg any) any {
			_, werr := src.Write(wf, payload)
			return werr
		})

		n, werr := fiberrt.Splice(self, src.ReadFd(), dst.WriteFd(), uint32(len(payload)))
		if werr != nil {
			logger.Errorf("splice-demo splice: %v", werr)
			return nil
		}
		buf := make([]byte, n)
		if _, rerr := dst.Read(self, buf); rerr != nil {
			logger.Errorf("splice-demo read: %v", rerr)
			return nil
		}
		logger.Infof("splice relay: %q", string(buf))
		return nil
	})

	thread.Spawn("chain-demo", func(self *fiberrt.Fiber, arg any) any {
		pipe, perr := fiberrt.NewPipe()
		if perr != nil {
			logger.Errorf("chain-demo: %v", perr)
			return nil
		}
		defer pipe.Close()

		reader := thread.Spawn("chain-reader", func(rf *fiberrt.Fiber, arg any) any {
			buf := make([]byte, 11)
			n, rerr := pipe.Read(rf, buf)
			if rerr != nil {
				return rerr
			}
			logger.Infof("chain result: %q", string(buf[:n]))
			return nil
		})

		_, cerr := fiberrt.Chain(self,
			fiberrt.ChainOp{Kind: fiberrt.ChainWrite, Fd: pipe.WriteFd(), Buf: []byte("chain")},
			fiberrt.ChainOp{Kind: fiberrt.ChainWrite, Fd: pipe.WriteFd(), Buf: []byte("-linked")},
		)
		if cerr != nil {
			logger.Errorf("chain-demo chain: %v", cerr)
		}
		_ = reader
		return nil
	})

	thread.Spawn("timeout-demo", func(self *fiberrt.Fiber, arg any) any {
		result, terr := fiberrt.Timeout(self, 50*time.Millisecond, nil, "moved-on", func() (any, error) {
			if serr := fiberrt.Sleep(self, 10*time.Second); serr != nil {
				return nil, serr
			}
			return "slept-full", nil
		})
		if terr != nil {
			logger.Errorf("timeout-demo: %v", terr)
			return nil
		}
		logger.Infof("timeout-demo result: %v", result)
		return nil
	})

	if cmd := exec.Command("/bin/sh", "-c", "exit 0"); cmd.Start() == nil {
		pid := cmd.Process.Pid
		thread.Spawn("waitpid-demo", func(self *fiberrt.Fiber, arg any) any {
			status, werr := fiberrt.Waitpid(self, pid)
			if werr != nil {
				logger.Errorf("waitpid-demo: %v", werr)
				return nil
			}
			logger.Infof("waitpid-demo: child %d exited with status %d", pid, status)
			return nil
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()

	if err := thread.Run(runCtx); err != nil && err != context.DeadlineExceeded {
		logger.Errorf("thread run: %v", err)
		os.Exit(1)
	}

	stats := thread.Stats()
	fmt.Printf("switches=%d polls=%d ops=%d runqueue_high_water=%d\n",
		stats.SwitchCount, stats.PollCount, stats.OpCount, stats.RunqueueMaxLen)
}

func parseBackend(s string) (fiberrt.BackendKind, error) {
	switch s {
	case "auto", "":
		return fiberrt.BackendAuto, nil
	case "io_uring":
		return fiberrt.BackendIOUring, nil
	case "libev":
		return fiberrt.BackendLibev, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", s)
	}
}

func backendName(k fiberrt.BackendKind) string {
	switch k {
	case fiberrt.BackendIOUring:
		return "io_uring"
	case fiberrt.BackendLibev:
		return "libev"
	default:
		return "unknown"
	}
}
