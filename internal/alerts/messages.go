package alerts

import (
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/notify"
)

// Liveness builds the alert raised when an online session goes offline.
func Liveness(s fleet.Session, reason string, at time.Time) fleet.Alert {
	return fleet.Alert{
		SessionID: s.ID,
		Hostname:  s.Hostname,
		Group:     s.Group(),
		Kind:      fleet.AlertLiveness,
		Severity:  fleet.SeverityCritical,
		Message:   fmt.Sprintf("Machine %s (%s) went offline: %s", s.Hostname, s.Group(), reason),
		Evidence: map[string]any{
			"reason":       reason,
			"last_seen_at": s.LastSeenAt,
			"group":        s.Group(),
		},
		Timestamp: at,
	}
}

// MessageFor renders an alert for the operator channel.
func MessageFor(a fleet.Alert) notify.Message {
	group := a.Group
	if group == "" {
		group = "Unknown"
	}

	msg := notify.Message{
		Severity:  a.Severity,
		Kind:      string(a.Kind),
		SessionID: a.SessionID,
		Hostname:  a.Hostname,
		Timestamp: a.Timestamp,
	}

	switch a.Kind {
	case fleet.AlertLiveness:
		msg.Title = "🔴 Machine Offline"
		msg.Body = fmt.Sprintf("**%s** (%s) has gone offline", a.Hostname, group)
		msg.Color = notify.ColorRed
	case fleet.AlertResource:
		msg.Title = "⚠️ High Resource Usage"
		msg.Body = fmt.Sprintf("**%s** (%s) - %s", a.Hostname, group, a.Message)
		msg.Color = notify.ColorOrange
	case fleet.AlertAnomaly:
		msg.Title = "📈 Anomaly Detected"
		msg.Body = fmt.Sprintf("**%s** (%s) - %s", a.Hostname, group, a.Message)
		msg.Color = notify.ColorOrange
	case fleet.AlertPredictive:
		msg.Title = "🔮 Predictive Alert"
		msg.Body = fmt.Sprintf("**%s** (%s) - %s", a.Hostname, group, a.Message)
		msg.Color = notify.ColorPurple
	case fleet.AlertTrend:
		msg.Title = "📊 Degradation Trend"
		msg.Body = fmt.Sprintf("**%s** (%s) - %s", a.Hostname, group, a.Message)
		msg.Color = notify.ColorPurple
	default:
		msg.Title = "Fleet Alert"
		msg.Body = fmt.Sprintf("**%s** (%s) - %s", a.Hostname, group, a.Message)
		msg.Color = notify.ColorOrange
	}
	return msg
}

func OnlineMessage(s fleet.Session) notify.Message {
	return notify.Message{
		Title:     "🟢 Machine Online",
		Body:      fmt.Sprintf("**%s** (%s) is back online", s.Hostname, s.Group()),
		Color:     notify.ColorGreen,
		Severity:  fleet.SeverityInfo,
		Kind:      "online",
		SessionID: s.ID,
		Hostname:  s.Hostname,
	}
}

func UninstalledMessage(hostname, group string) notify.Message {
	if group == "" {
		group = "Unknown"
	}
	return notify.Message{
		Title:    "🗑️ Agent Uninstalled",
		Body:     fmt.Sprintf("**%s** (%s) - SysWatch agent has been removed", hostname, group),
		Color:    notify.ColorDeep,
		Severity: fleet.SeverityInfo,
		Kind:     "uninstalled",
		Hostname: hostname,
	}
}
