package transport

import (
	"context"
	"net"
	"time"
)

// Listener accepts peer connections for the host side.
type Listener struct {
	ln net.Listener
}

// Listen binds address. A bind failure is the one fatal startup error.
func Listen(ctx context.Context, network, address string) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener) *Listener {
	return &Listener{ln: ln}
}

// Accept blocks until a peer connects. Cancelling ctx closes the listener.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to a host. timeout bounds the connect only.
func Dial(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}
