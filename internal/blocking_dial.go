// Package internal holds helpers shared by the hub's tests and example
// programs.
package internal

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// hubKeepalive keeps idle sessions alive: a session can sit for a long time
// between invocations, with no frames in either direction.
var hubKeepalive = keepalive.ClientParameters{
	Time:                30 * time.Second,
	Timeout:             10 * time.Second,
	PermitWithoutStream: true,
}

// BlockingDial dials the hub at the given address and returns the resulting
// gRPC client conn, over which sessions can be opened. Unless opts say
// otherwise, the connection is plaintext.
//
// It blocks for the client to become ready. If the given context finishes
// before then, it returns the most recent error from the underlying network
// dial, or the context error if there was none.
func BlockingDial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastErr dialError
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(hubKeepalive),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			conn, err := dialTCP(ctx, addr)
			if err != nil {
				lastErr.set(err)
				if !isTemporary(err) {
					cancel()
				}
			}
			return conn, err
		}),
	}
	cc, err := grpc.NewClient(addr, append(dialOpts, opts...)...)
	if err != nil {
		return nil, err
	}

	cc.Connect()
	for {
		connState := cc.GetState()
		if connState == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, connState) {
			_ = cc.Close()
			if err := lastErr.get(); err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	return (&net.Dialer{
		// A negative value stops the stdlib from overriding the keepalive time
		// and interval, so enabling keepalives below uses the OS defaults.
		KeepAlive: time.Duration(-1),
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			})
		},
	}).DialContext(ctx, "tcp", addr)
}

type dialError struct {
	mu  sync.Mutex
	err error
}

func (d *dialError) set(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *dialError) get() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// copied from grpc-go
func isTemporary(err error) bool {
	switch err := err.(type) {
	case interface {
		Temporary() bool
	}:
		return err.Temporary()
	case interface {
		Timeout() bool
	}:
		// Timeouts may be resolved upon retry, and are thus treated as
		// temporary.
		return err.Timeout()
	}
	return true
}
