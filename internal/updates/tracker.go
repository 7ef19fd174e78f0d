// Package updates tracks agent self-updates and polls the release feed for
// new server and agent versions.
package updates

import (
	"slices"
	"strings"
	"sync"
	"time"
)

const DefaultLogCapacity = 200

// Update status values reported by agents.
const (
	StatusChecking = "checking"
	StatusUpdating = "updating"
	StatusUpToDate = "up_to_date"
	StatusError    = "error"
)

const uninstallMarker = "uninstalled successfully"

type Status struct {
	Hostname  string    `json:"hostname"`
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker keeps the latest update status and a bounded log per host. It is
// created once at startup and shared by the agent transports and the API.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	logs     map[string][]LogEntry
	capacity int
	now      func() time.Time
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Tracker{
		statuses: make(map[string]Status),
		logs:     make(map[string][]LogEntry),
		capacity: capacity,
		now:      time.Now,
	}
}

func (t *Tracker) RecordStatus(s Status) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[s.Hostname] = s
}

// Statuses returns the latest status of every host, ordered by hostname.
func (t *Tracker) Statuses() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Hostname, b.Hostname) })
	return out
}

// AppendLog stores message for hostname, dropping the oldest entry once the
// host's log is full. It reports whether the message announces that the
// agent uninstalled itself.
func (t *Tracker) AppendLog(hostname, message string) bool {
	entry := LogEntry{Message: message, Timestamp: t.now()}

	t.mu.Lock()
	logs := append(t.logs[hostname], entry)
	if len(logs) > t.capacity {
		logs = slices.Delete(logs, 0, len(logs)-t.capacity)
	}
	t.logs[hostname] = logs
	t.mu.Unlock()

	return IsUninstallMessage(message)
}

func (t *Tracker) Logs(hostname string) []LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.logs[hostname])
}

func IsUninstallMessage(message string) bool {
	return strings.Contains(strings.ToLower(message), uninstallMarker)
}
