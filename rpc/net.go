package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// NetListener accepts framed stream connections on a unix or tcp socket.
type NetListener struct {
	ln net.Listener
	// OnDecodeError receives frames that fail to decode on accepted
	// connections. May be nil.
	OnDecodeError func(error)
}

var _ Listener = (*NetListener)(nil)

// Listen opens a socket. A stale unix socket file at addr is removed first.
func Listen(network, addr string) (*NetListener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &NetListener{ln: ln}, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Accept waits for the next connection or for ctx to end.
func (l *NetListener) Accept(ctx context.Context) (Conn, error) {
	if d, ok := l.ln.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
		defer func() {
			if stop() {
				return
			}
			_ = d.SetDeadline(time.Time{})
		}()
	}

	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewStreamConn(c, l.OnDecodeError), nil
}

func (l *NetListener) Close() error { return l.ln.Close() }

// Addr returns the bound address (useful with port 0).
func (l *NetListener) Addr() string { return l.ln.Addr().String() }

// NetDialer dials a framed stream connection.
type NetDialer struct {
	Network       string
	Address       string
	OnDecodeError func(error)
}

var _ Dialer = NetDialer{}

func (d NetDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, d.Network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", d.Network, d.Address, err)
	}
	return NewStreamConn(c, d.OnDecodeError), nil
}
