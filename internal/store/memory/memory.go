// Package memory is an in-process store used when no database is
// configured and in tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	machines map[string]fleet.Session
	samples  map[string][]fleet.Sample
	alerts   []fleet.Alert
	nextID   int64
	commands map[string]fleet.Command
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		machines: make(map[string]fleet.Session),
		samples:  make(map[string][]fleet.Sample),
		commands: make(map[string]fleet.Command),
	}
}

func (s *Store) UpsertMachine(ctx context.Context, m fleet.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m.Clone()
	return nil
}

func (s *Store) UpdateMachineStatus(ctx context.Context, id string, status fleet.Status, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
	}
	m.Status = status
	m.LastSeenAt = lastSeen
	s.machines[id] = m
	return nil
}

func (s *Store) UpdateAgentVersion(ctx context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
	}
	m.AgentVersion = version
	s.machines[id] = m
	return nil
}

func (s *Store) Machine(ctx context.Context, id string) (fleet.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[id]
	if !ok {
		return fleet.Session{}, fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *Store) AppendSample(ctx context.Context, sample fleet.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.SessionID] = append(s.samples[sample.SessionID], sample)
	return nil
}

// window returns the session's samples with from <= ts (< to when to is
// non-zero), ordered by timestamp. Callers hold s.mu.
func (s *Store) window(sessionID string, from, to time.Time) []fleet.Sample {
	var out []fleet.Sample
	for _, smp := range s.samples[sessionID] {
		if smp.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !smp.Timestamp.Before(to) {
			continue
		}
		out = append(out, smp)
	}
	slices.SortStableFunc(out, func(a, b fleet.Sample) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func (s *Store) Baseline(ctx context.Context, sessionID string, metric fleet.Metric, from, to time.Time) (fleet.Baseline, error) {
	if !metric.Valid() {
		return fleet.Baseline{}, fmt.Errorf("unknown metric %q", metric)
	}

	s.mu.RLock()
	samples := s.window(sessionID, from, to)
	s.mu.RUnlock()

	var b fleet.Baseline
	var sum float64
	for i, smp := range samples {
		v := smp.Value(metric)
		sum += v
		if i == 0 || v < b.Min {
			b.Min = v
		}
		if i == 0 || v > b.Max {
			b.Max = v
		}
	}
	b.Count = len(samples)
	if b.Count > 0 {
		b.Avg = sum / float64(b.Count)
	}
	return b, nil
}

func (s *Store) Series(ctx context.Context, sessionID string, metric fleet.Metric, since time.Time) ([]fleet.Point, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	s.mu.RLock()
	samples := s.window(sessionID, since, time.Time{})
	s.mu.RUnlock()

	points := make([]fleet.Point, len(samples))
	for i, smp := range samples {
		points[i] = fleet.Point{Value: smp.Value(metric), Timestamp: smp.Timestamp}
	}
	return points, nil
}

func (s *Store) MetricHistory(ctx context.Context, sessionID string, since time.Time) ([]fleet.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window(sessionID, since, time.Time{}), nil
}

func (s *Store) SaveAlert(ctx context.Context, alert fleet.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	alert.ID = s.nextID
	if alert.Evidence != nil {
		alert.Evidence = maps.Clone(alert.Evidence)
	}
	s.alerts = append(s.alerts, alert)
	return alert.ID, nil
}

func (s *Store) ActiveAlerts(ctx context.Context, sessionID string) ([]fleet.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []fleet.Alert
	for _, a := range s.alerts {
		if a.Acknowledged || (sessionID != "" && a.SessionID != sessionID) {
			continue
		}
		out = append(out, a)
	}
	slices.SortStableFunc(out, func(a, b fleet.Alert) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("alert %d: %w", id, store.ErrNotFound)
}

func (s *Store) LogCommand(ctx context.Context, cmd fleet.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID] = cmd
	return nil
}

func (s *Store) RecordCommandResult(ctx context.Context, id string, result fleet.CommandResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	cmd.Result = &result
	cmd.CompletedAt = &at
	s.commands[id] = cmd
	return nil
}

// Command returns a logged command.
func (s *Store) Command(id string) (fleet.Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	return cmd, ok
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, samples := range s.samples {
		kept := samples[:0]
		for _, smp := range samples {
			if smp.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, smp)
		}
		s.samples[id] = kept
	}

	keptAlerts := s.alerts[:0]
	for _, a := range s.alerts {
		if a.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptAlerts = append(keptAlerts, a)
	}
	s.alerts = keptAlerts
	return removed, nil
}

func (s *Store) Close() error {
	return nil
}
