// Package notify delivers human readable fleet events to operator channels.
// Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

const (
	ColorRed    = 0xff0000
	ColorGreen  = 0x00ff00
	ColorOrange = 0xffa500
	ColorPurple = 0x9c27b0
	ColorDeep   = 0xff5722
)

type Message struct {
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Color     int            `json:"color"`
	Severity  fleet.Severity `json:"severity"`
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Hostname  string         `json:"hostname,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }
