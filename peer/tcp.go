package peer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds a single envelope on the wire. Negotiation messages
// are small; anything larger is hostile or corrupt.
const maxFrameSize = 1 << 20

// tcpConn frames envelopes as big-endian uint32 length + JSON.
type tcpConn struct {
	nc net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Dial connects to a listening counterparty.
func Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpConn{nc: nc}, nil
}

// Accept listens on addr and waits for a single inbound counterparty
// connection. The listener is closed once the peer connects.
func Accept(ctx context.Context, addr string) (Conn, error) {
	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer l.Close()

	type accepted struct {
		nc  net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		nc, err := l.Accept()
		ch <- accepted{nc, err}
	}()
	select {
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("accept on %s: %w", addr, a.err)
		}
		return &tcpConn{nc: a.nc}, nil
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}

func (c *tcpConn) Send(ctx context.Context, e *Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(raw) > maxFrameSize {
		return fmt.Errorf("envelope too large: %d bytes", len(raw))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.applyDeadline(ctx, c.nc.SetWriteDeadline)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.nc.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *tcpConn) Recv(ctx context.Context) (*Envelope, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.applyDeadline(ctx, c.nc.SetReadDeadline)
	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return nil, c.mapDeadline(ctx, fmt.Errorf("read frame header: %w", err))
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("bad frame size %d", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(c.nc, raw); err != nil {
		return nil, c.mapDeadline(ctx, fmt.Errorf("read frame: %w", err))
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

func (c *tcpConn) Close() error {
	return c.nc.Close()
}

// applyDeadline mirrors the context deadline onto the socket so Recv and
// Send honor negotiation round timeouts.
func (c *tcpConn) applyDeadline(ctx context.Context, set func(time.Time) error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	} else {
		_ = set(time.Time{})
	}
}

// mapDeadline converts a socket timeout caused by the context deadline
// back into the context error the session layer expects.
func (c *tcpConn) mapDeadline(ctx context.Context, err error) error {
	if ne, ok := unwrapNetError(err); ok && ne.Timeout() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return context.DeadlineExceeded
	}
	return err
}

func unwrapNetError(err error) (net.Error, bool) {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			return ne, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
