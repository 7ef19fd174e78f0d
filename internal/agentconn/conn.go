// Package agentconn runs the server side of one agent connection: it reads
// frames, dispatches them to the fleet components and writes queued frames
// back, independent of the underlying transport.
package agentconn

import (
	"context"
	"errors"
	"sync"

	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/google/uuid"
)

const sendChannelBuffer = 100

var (
	ErrConnClosed = errors.New("connection closed")
	ErrQueueFull  = errors.New("send queue full")
)

// FrameConn is a message-oriented duplex stream of encoded frames.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

// Conn is the registry's handle on one agent connection. Send only queues;
// the connection's send loop does the writing.
type Conn struct {
	id     string
	fc     FrameConn
	sendCh chan protocol.Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewConn(ctx context.Context, fc FrameConn) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		id:     uuid.NewString(),
		fc:     fc,
		sendCh: make(chan protocol.Frame, sendChannelBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(frame protocol.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Writable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Close stops the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.fc.Close()
}

func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) RemoteAddr() string {
	return c.fc.RemoteAddr()
}
