// Package transport owns the socket. One goroutine per connection runs
// Conn.Run, which interleaves reading and writing in a single loop:
//
//	        ┌─────────── Conn.Run (network goroutine) ───────────┐
//	socket ─┤ read (short deadline) → Reassembler → inbound.Push │
//	socket ←┤ outbound.TryPop → frame → flush → Notifier.Notify  │
//	        └────────────────────────────────────────────────────┘
//
// Nothing else touches the net.Conn. Other goroutines only push to the
// outbound queue, and the dispatcher only pops the inbound queue.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostbridge/message"
	"hostbridge/metrics"
	"hostbridge/protocol"
	"hostbridge/queue"
	"hostbridge/relay"
)

const (
	DefaultReadBufferSize = 1024
	DefaultPollInterval   = time.Millisecond
)

// Sink receives reassembled payloads.
type Sink interface {
	Push(payload []byte) error
}

// Source yields payloads to send without blocking.
type Source interface {
	TryPop() ([]byte, bool)
}

// Options tune one connection. Zero values pick the defaults.
type Options struct {
	ReadBufferSize int
	PollInterval   time.Duration
	// WriteTimeout bounds a single frame write; zero means no deadline.
	WriteTimeout time.Duration
	Limits       protocol.Limits
	Notifier     relay.Notifier
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	o.Limits = o.Limits.Normalize()
	if o.Notifier == nil {
		o.Notifier = relay.NopNotifier
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn is one peer session.
type Conn struct {
	conn   net.Conn
	opts   Options
	reasm  *protocol.Reassembler
	writer *bufio.Writer
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewConn(conn net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		conn:   conn,
		opts:   opts,
		reasm:  protocol.NewReassembler(opts.Limits),
		writer: bufio.NewWriterSize(conn, opts.ReadBufferSize*4),
		logger: opts.Logger.With(zap.Stringer("remote", conn.RemoteAddr())),
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the socket. Safe to call from any goroutine; a running Run
// returns shortly after.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Run is the network loop. It returns when ctx ends or the connection fails;
// in both cases the socket is closed and buffered bytes are discarded.
// io.EOF means the peer hung up.
func (c *Conn) Run(ctx context.Context, inbound Sink, outbound Source) error {
	defer func() {
		c.Close()
		c.reasm.Reset()
	}()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.readOnce(buf, inbound); err != nil {
			return err
		}
		if err := c.drain(outbound); err != nil {
			return err
		}
	}
}

// readOnce waits at most PollInterval for bytes and forwards every frame they complete.
func (c *Conn) readOnce(buf []byte, inbound Sink) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PollInterval)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	n, err := c.conn.Read(buf)
	if n > 0 {
		payloads, ferr := c.reasm.Feed(buf[:n])
		for _, p := range payloads {
			c.opts.Metrics.RecordFrame("in", len(p))
			if perr := inbound.Push(p); perr != nil {
				if errors.Is(perr, queue.ErrClosed) {
					return perr
				}
				c.logger.Warn("inbound message dropped",
					zap.Error(perr),
					zap.String("preview", message.Preview(p, 64)),
				)
			}
		}
		if ferr != nil {
			return fmt.Errorf("read frame: %w", ferr)
		}
	}
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// drain writes every queued frame. Each frame is flushed to the socket before
// the peer is notified, so the peer never wakes up to a partial frame.
func (c *Conn) drain(outbound Source) error {
	for {
		payload, ok := outbound.TryPop()
		if !ok {
			return nil
		}
		if err := c.writeFrame(payload); err != nil {
			return err
		}
		c.opts.Metrics.RecordFrame("out", len(payload))
		if err := c.opts.Notifier.Notify(); err != nil {
			c.logger.Debug("peer notification failed", zap.Error(err))
		}
	}
}

func (c *Conn) writeFrame(payload []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := protocol.Encode(c.writer, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
