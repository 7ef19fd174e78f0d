package server

import (
	"context"
	"sync"

	"github.com/EternisAI/silo-fleet/internal/agentconn"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
)

// streamConn adapts a server stream to agentconn.FrameConn. The stream
// itself ends when the stream handler returns, so Close only fails
// further writes.
type streamConn struct {
	stream grpc.ServerStream

	mu     sync.Mutex
	closed bool
}

func newStreamConn(stream grpc.ServerStream) *streamConn {
	return &streamConn{stream: stream}
}

func (c *streamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var f wire.Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.Data, nil
}

func (c *streamConn) WriteFrame(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return agentconn.ErrConnClosed
	}
	return c.stream.SendMsg(&wire.Frame{Data: data})
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *streamConn) RemoteAddr() string {
	if p, ok := peer.FromContext(c.stream.Context()); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
