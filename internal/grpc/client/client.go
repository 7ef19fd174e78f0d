// Package client is an agent-side connection to the gRPC agent stream. It
// registers, sends heartbeats and answers commands, reconnecting with
// backoff when the stream drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	sendChannelBuffer        = 100
	defaultHeartbeatInterval = 15 * time.Second
	initialDelay             = 1 * time.Second
	maxDelay                 = 30 * time.Second
	backoffFactor            = 2
)

var ErrSendQueueFull = errors.New("send channel full")

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

// MetricsSource reports the host's current resource usage.
type MetricsSource func() fleet.Metrics

type Config struct {
	ServerAddr        string
	Hostname          string
	Platform          string
	AgentVersion      string
	SystemInfo        map[string]any
	HeartbeatInterval time.Duration
	TLS               *TLSConfig
	DialOptions       []grpc.DialOption
}

type Client struct {
	cfg     Config
	runner  CommandRunner
	metrics MetricsSource

	conn   *grpc.ClientConn
	stream grpc.ClientStream

	sendCh chan protocol.Frame
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewClient(cfg Config, runner CommandRunner, metrics MetricsSource) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if metrics == nil {
		metrics = func() fleet.Metrics { return fleet.Metrics{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		runner:            runner,
		metrics:           metrics,
		sendCh:            make(chan protocol.Frame, sendChannelBuffer),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (c *Client) Start() error {
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	close(c.stopCh)
	c.cancel()
	<-c.doneCh
	slog.Info("gRPC client stopped")
	return nil
}

func (c *Client) Send(f protocol.Frame) error {
	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SessionID returns the id the server acknowledged, or "" before the first
// registration completes.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
			if err := c.connect(); err != nil {
				slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
				select {
				case <-time.After(c.reconnectDelay):
					c.increaseReconnectDelay()
					continue
				case <-c.stopCh:
					return
				}
			}

			c.reconnectDelay = initialDelay

			if err := c.handleStream(); err != nil {
				if errors.Is(err, io.EOF) {
					slog.Info("Server closed connection")
				} else {
					slog.Error("Stream error", "error", err)
				}
			}

			c.disconnect()

			select {
			case <-c.stopCh:
				return
			case <-time.After(c.reconnectDelay):
				slog.Info("Reconnecting", "delay", c.reconnectDelay)
				c.increaseReconnectDelay()
			}
		}
	}
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "address", c.cfg.ServerAddr)

	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.Codec{}))}

	if tlsCfg := c.cfg.TLS; tlsCfg != nil && tlsCfg.Enabled {
		creds, err := grpctls.LoadClientCredentials(grpctls.Files{
			CertFile: tlsCfg.CertFile,
			KeyFile:  tlsCfg.KeyFile,
			CAFile:   tlsCfg.CAFile,
		}, tlsCfg.ServerNameOverride)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
		slog.Info("Using TLS connection")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection (TLS disabled)")
	}
	opts = append(opts, c.cfg.DialOptions...)

	conn, err := grpc.NewClient(c.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := conn.NewStream(c.ctx, &wire.StreamDesc, wire.StreamMethod)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	register := protocol.Register{
		Hostname:     c.cfg.Hostname,
		Platform:     c.cfg.Platform,
		SystemInfo:   c.cfg.SystemInfo,
		AgentVersion: c.cfg.AgentVersion,
	}
	if err := writeFrame(stream, register); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to send registration: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	slog.Info("Connected to server", "address", c.cfg.ServerAddr, "hostname", c.cfg.Hostname)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.heartbeatLoop(done, errChan)

	err := <-errChan
	close(done)
	return err
}

func (c *Client) currentStream() grpc.ClientStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}

			var f wire.Frame
			if err := stream.RecvMsg(&f); err != nil {
				errChan <- err
				return
			}

			frame, err := protocol.Decode(f.Data)
			if err != nil {
				slog.Warn("Invalid frame from server", "error", err)
				continue
			}
			c.processFrame(frame)
		}
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case f := <-c.sendCh:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}
			if err := writeFrame(stream, f); err != nil {
				slog.Error("Error sending frame", "type", f.Type(), "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{Hostname: c.cfg.Hostname, Metrics: c.metrics()}
			if err := c.Send(hb); err != nil {
				slog.Error("Failed to queue heartbeat", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) processFrame(f protocol.Frame) {
	switch f := f.(type) {
	case protocol.Registered:
		c.mu.Lock()
		c.sessionID = f.ID
		c.mu.Unlock()
		slog.Info("Registered with server", "session_id", f.ID)

	case protocol.Command:
		slog.Debug("Command received", "command_id", f.ID)
		go c.runCommand(f)

	case protocol.UpdateRequest:
		slog.Info("Update requested by server")
		c.reportLog("update request received")

	case protocol.UninstallRequest:
		slog.Info("Uninstall requested by server")
		c.reportLog("uninstall request received")

	default:
		slog.Warn("Unexpected frame type", "type", f.Type())
	}
}

func (c *Client) runCommand(cmd protocol.Command) {
	var result fleet.CommandResult
	if c.runner == nil {
		result = fleet.CommandResult{Error: "command execution disabled"}
	} else {
		result = c.runner.Run(c.ctx, cmd.Command)
	}

	err := c.Send(protocol.CommandResult{
		ID:       cmd.ID,
		Hostname: c.cfg.Hostname,
		Result:   result,
	})
	if err != nil {
		slog.Error("Failed to send command result", "command_id", cmd.ID, "error", err)
	}
}

func (c *Client) reportLog(message string) {
	if err := c.Send(protocol.AgentLog{Hostname: c.cfg.Hostname, Message: message}); err != nil {
		slog.Error("Failed to send agent log", "error", err)
	}
}

func writeFrame(stream grpc.ClientStream, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return stream.SendMsg(&wire.Frame{Data: data})
}
