// Command greenecho runs a loopback TCP echo server and a number of
// concurrent clients on a single scheduler, as a smoke test of the poller
// backends.
//
// Run with: go run ./cmd/greenecho -poller=poll -count=8
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/go-greenloop/greenio"
	"github.com/joeycumines/go-greenloop/poller"
	"github.com/joeycumines/go-greenloop/scheduler"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("greenecho", flag.ContinueOnError)
	var (
		addr    = fs.String("addr", "127.0.0.1:0", "listen address")
		kind    = fs.String("poller", "", "poller backend (epoll, kqueue, poll, select), default is the best available")
		count   = fs.Int("count", 4, "number of clients")
		timeout = fs.Duration("timeout", 5*time.Second, "per-operation timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	listenAddr, err := netip.ParseAddrPort(*addr)
	if err != nil {
		return fmt.Errorf("invalid -addr: %w", err)
	}

	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr))).Logger()

	opts := []scheduler.Option{scheduler.WithLogger(logger)}
	if *kind != "" {
		k, err := poller.ParseKind(*kind)
		if err != nil {
			return err
		}
		opts = append(opts, scheduler.WithPollerKind(k))
	}
	s, err := scheduler.New(opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var failed int
	handler, err := s.AddExceptionHandler(func(err *scheduler.PanicError) {
		logger.Err().Err(err).Log("greenecho: task failed")
		failed++
	})
	if err != nil {
		return err
	}
	// handlers are held weakly
	defer handler.Remove()

	var result error
	if err := s.Main(ctx, func() {
		result = echo(s, logger, listenAddr, *count, *timeout)
	}); err != nil {
		return err
	}
	if result == nil && failed != 0 {
		result = fmt.Errorf("%d task(s) panicked", failed)
	}
	return result
}

func echo(s *scheduler.Scheduler, logger *logiface.Logger[logiface.Event], addr netip.AddrPort, count int, timeout time.Duration) error {
	l, err := greenio.Listen(s, addr, 0)
	if err != nil {
		return err
	}
	defer l.Close()
	addr = l.Addr()

	logger.Info().
		Str("addr", addr.String()).
		Int("clients", count).
		Log("greenecho: listening")

	s.Go(func() {
		for {
			c, err := l.Accept()
			if err != nil {
				if !errors.Is(err, greenio.ErrClosed) {
					logger.Err().Err(err).Log("greenecho: accept failed")
				}
				return
			}
			c.SetTimeout(timeout)
			s.Go(func() { serve(logger, c) })
		}
	})

	results := make([]error, count)
	done := s.NewSignal()
	remaining := count
	for i := range count {
		s.Go(func() {
			defer func() {
				remaining--
				if remaining == 0 {
					done.Set()
				}
			}()
			results[i] = client(s, addr, i, timeout)
		})
	}
	for remaining != 0 {
		done.Wait(-1)
	}

	var errs []error
	for i, err := range results {
		if err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Notice().
		Int("clients", count).
		Log("greenecho: all clients verified")
	return nil
}

func serve(logger *logiface.Logger[logiface.Event], c *greenio.Conn) {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err != io.EOF {
				logger.Warning().Err(err).Log("greenecho: read failed")
			}
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			logger.Warning().Err(err).Log("greenecho: write failed")
			return
		}
	}
}

func client(s *scheduler.Scheduler, addr netip.AddrPort, id int, timeout time.Duration) error {
	c, err := greenio.Dial(s, addr, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetTimeout(timeout)

	msg := bytes.Repeat([]byte(fmt.Sprintf("hello from %d\n", id)), 100)
	if _, err := c.Write(msg); err != nil {
		return err
	}
	if err := c.CloseWrite(); err != nil {
		return err
	}
	got, err := io.ReadAll(c)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, msg) {
		return fmt.Errorf("echo mismatch: sent %d bytes, got %d", len(msg), len(got))
	}
	return nil
}
