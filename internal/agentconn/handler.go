package agentconn

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/alerts"
	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/notify"
	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/EternisAI/silo-fleet/internal/registry"
	"github.com/EternisAI/silo-fleet/internal/updates"
)

type Registry interface {
	Register(ctx context.Context, reg registry.Registration, t registry.Transport) (string, error)
	HeartbeatVia(ctx context.Context, t registry.Transport, m fleet.Metrics)
	Disconnect(ctx context.Context, t registry.Transport)
	SessionByHostname(hostname string) (fleet.Session, bool)
}

type Correlator interface {
	Deliver(ctx context.Context, id string, result fleet.CommandResult)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message)
}

type Handler struct {
	registry   Registry
	correlator Correlator
	tracker    *updates.Tracker
	notifier   Notifier
}

func NewHandler(registry Registry, correlator Correlator, tracker *updates.Tracker, notifier Notifier) *Handler {
	return &Handler{
		registry:   registry,
		correlator: correlator,
		tracker:    tracker,
		notifier:   notifier,
	}
}

// Serve runs the connection until the peer goes away, a write fails, or
// the registry closes it. The registry is told about the disconnect before
// Serve returns.
func (h *Handler) Serve(ctx context.Context, fc FrameConn) error {
	conn := NewConn(ctx, fc)
	base := context.WithoutCancel(ctx)

	slog.Info("Agent connection established", "transport", conn.ID(), "remote_addr", conn.RemoteAddr())

	defer func() {
		h.registry.Disconnect(base, conn)
		_ = conn.Close()
		slog.Info("Agent connection closed", "transport", conn.ID(), "remote_addr", conn.RemoteAddr())
	}()

	v := &visitor{h: h, conn: conn, ctx: base}
	errCh := make(chan error, 2)

	go h.receiveLoop(conn, v, errCh)
	go h.sendLoop(conn, errCh)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrConnClosed) {
			return err
		}
		return nil
	case <-conn.Done():
		return nil
	}
}

func (h *Handler) receiveLoop(conn *Conn, v *visitor, errCh chan<- error) {
	for {
		data, err := conn.fc.ReadFrame(conn.ctx)
		if err != nil {
			errCh <- err
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Invalid frame from agent", "transport", conn.ID(), "error", err)
			continue
		}

		in, ok := frame.(protocol.Inbound)
		if !ok {
			slog.Warn("Agent sent a server-only frame", "transport", conn.ID(), "type", frame.Type())
			continue
		}

		if err := in.Accept(v); err != nil {
			slog.Error("Failed to handle frame", "transport", conn.ID(), "type", frame.Type(), "error", err)
		}
	}
}

func (h *Handler) sendLoop(conn *Conn, errCh chan<- error) {
	for {
		select {
		case <-conn.Done():
			return
		case frame := <-conn.sendCh:
			data, err := protocol.Encode(frame)
			if err != nil {
				slog.Error("Failed to encode frame", "transport", conn.ID(), "type", frame.Type(), "error", err)
				continue
			}
			if err := conn.fc.WriteFrame(conn.ctx, data); err != nil {
				slog.Error("Error sending frame", "transport", conn.ID(), "type", frame.Type(), "error", err)
				errCh <- err
				return
			}
			slog.Debug("Frame sent", "transport", conn.ID(), "type", frame.Type())
		}
	}
}

// visitor handles the inbound frames of one connection.
type visitor struct {
	h         *Handler
	conn      *Conn
	ctx       context.Context
	sessionID string
}

func (v *visitor) HandleRegister(f protocol.Register) error {
	id, err := v.h.registry.Register(v.ctx, registry.Registration{
		Hostname:     f.Hostname,
		Platform:     f.Platform,
		SystemInfo:   f.SystemInfo,
		AgentVersion: f.DeclaredVersion(),
	}, v.conn)
	if errors.Is(err, fleet.ErrPersistence) {
		slog.Warn("Agent registered without durable record", "session_id", id, "error", err)
		err = nil
	}
	if err != nil {
		return err
	}
	v.sessionID = id
	return nil
}

func (v *visitor) HandleHeartbeat(f protocol.Heartbeat) error {
	if v.sessionID == "" {
		slog.Debug("Heartbeat before registration ignored", "transport", v.conn.ID())
		return nil
	}
	v.h.registry.HeartbeatVia(v.ctx, v.conn, f.Metrics)
	return nil
}

func (v *visitor) HandleCommandResult(f protocol.CommandResult) error {
	v.h.correlator.Deliver(v.ctx, f.ID, f.Result)
	return nil
}

func (v *visitor) HandleUpdateStatus(f protocol.UpdateStatus) error {
	slog.Info("Agent update status",
		"hostname", f.Hostname,
		"status", f.Status,
		"version", f.Version,
		"error", f.Error)
	v.h.tracker.RecordStatus(updates.Status{
		Hostname: f.Hostname,
		Status:   f.Status,
		Version:  f.Version,
		Error:    f.Error,
	})
	return nil
}

func (v *visitor) HandleAgentLog(f protocol.AgentLog) error {
	slog.Info("Agent log", "hostname", f.Hostname, "message", f.Message)
	if !v.h.tracker.AppendLog(f.Hostname, f.Message) {
		return nil
	}

	group := ""
	if s, ok := v.h.registry.SessionByHostname(f.Hostname); ok {
		group = s.Group()
	}
	if v.h.notifier != nil {
		v.h.notifier.Notify(v.ctx, alerts.UninstalledMessage(f.Hostname, group))
	}
	return nil
}
