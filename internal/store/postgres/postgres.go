// Package postgres implements the fleet store on PostgreSQL using a pgx
// connection pool. The schema lives in internal/db/migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-fleet/internal/fleet"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) UpsertMachine(ctx context.Context, m fleet.Session) error {
	info, err := json.Marshal(m.SystemInfo)
	if err != nil {
		return fmt.Errorf("failed to encode system info: %w", err)
	}
	if m.SystemInfo == nil {
		info = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO machines (id, hostname, platform, status, system_info, agent_version, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			hostname      = EXCLUDED.hostname,
			platform      = EXCLUDED.platform,
			status        = EXCLUDED.status,
			system_info   = EXCLUDED.system_info,
			agent_version = EXCLUDED.agent_version,
			registered_at = EXCLUDED.registered_at,
			last_seen_at  = EXCLUDED.last_seen_at`,
		m.ID, m.Hostname, m.Platform, string(m.Status), info, m.AgentVersion, m.RegisteredAt, m.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert machine: %w", err)
	}
	return nil
}

func (s *Store) UpdateMachineStatus(ctx context.Context, id string, status fleet.Status, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE machines SET status = $2, last_seen_at = $3 WHERE id = $1`,
		id, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update machine status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateAgentVersion(ctx context.Context, id, version string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE machines SET agent_version = $2 WHERE id = $1`,
		id, version)
	if err != nil {
		return fmt.Errorf("failed to update agent version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) Machine(ctx context.Context, id string) (fleet.Session, error) {
	var (
		m      fleet.Session
		status string
		info   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, hostname, platform, status, system_info, agent_version, registered_at, last_seen_at
		FROM machines WHERE id = $1`, id).
		Scan(&m.ID, &m.Hostname, &m.Platform, &status, &info, &m.AgentVersion, &m.RegisteredAt, &m.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Session{}, fmt.Errorf("machine %s: %w", id, store.ErrNotFound)
		}
		return fleet.Session{}, fmt.Errorf("failed to get machine: %w", err)
	}
	m.Status = fleet.Status(status)
	if len(info) > 0 {
		_ = json.Unmarshal(info, &m.SystemInfo)
	}
	return m, nil
}

func (s *Store) AppendSample(ctx context.Context, sample fleet.Sample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics (machine_id, cpu_percent, memory_percent, disk_percent, process_count, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.SessionID, sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent, sample.ProcessCount, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert metric sample: %w", err)
	}
	return nil
}

// column maps a metric to its sanitized column name. Only known metrics are
// accepted so the result is safe to splice into SQL.
func column(metric fleet.Metric) (string, error) {
	if !metric.Valid() {
		return "", fmt.Errorf("unknown metric %q", metric)
	}
	return pgx.Identifier{string(metric)}.Sanitize(), nil
}

func (s *Store) Baseline(ctx context.Context, sessionID string, metric fleet.Metric, from, to time.Time) (fleet.Baseline, error) {
	col, err := column(metric)
	if err != nil {
		return fleet.Baseline{}, err
	}

	var (
		b     fleet.Baseline
		count int64
	)
	query := fmt.Sprintf(`
		SELECT COALESCE(AVG(%[1]s), 0), COALESCE(MIN(%[1]s), 0), COALESCE(MAX(%[1]s), 0), COUNT(*)
		FROM metrics
		WHERE machine_id = $1 AND recorded_at >= $2 AND recorded_at < $3`, col)
	if err := s.pool.QueryRow(ctx, query, sessionID, from, to).Scan(&b.Avg, &b.Min, &b.Max, &count); err != nil {
		return fleet.Baseline{}, fmt.Errorf("failed to compute baseline: %w", err)
	}
	b.Count = int(count)
	return b, nil
}

func (s *Store) Series(ctx context.Context, sessionID string, metric fleet.Metric, since time.Time) ([]fleet.Point, error) {
	col, err := column(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s, recorded_at
		FROM metrics
		WHERE machine_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at, id`, col)
	rows, err := s.pool.Query(ctx, query, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric series: %w", err)
	}

	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fleet.Point, error) {
		var p fleet.Point
		err := row.Scan(&p.Value, &p.Timestamp)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metric series: %w", err)
	}
	return points, nil
}

func (s *Store) MetricHistory(ctx context.Context, sessionID string, since time.Time) ([]fleet.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, cpu_percent, memory_percent, disk_percent, process_count, recorded_at
		FROM metrics
		WHERE machine_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at, id`, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric history: %w", err)
	}

	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fleet.Sample, error) {
		var smp fleet.Sample
		err := row.Scan(&smp.SessionID, &smp.CPUPercent, &smp.MemoryPercent, &smp.DiskPercent, &smp.ProcessCount, &smp.Timestamp)
		return smp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metric history: %w", err)
	}
	return samples, nil
}

func (s *Store) SaveAlert(ctx context.Context, a fleet.Alert) (int64, error) {
	var data []byte
	if a.Evidence != nil {
		var err error
		if data, err = json.Marshal(a.Evidence); err != nil {
			return 0, fmt.Errorf("failed to encode alert evidence: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (machine_id, hostname, group_name, kind, severity, metric, message, data, created_at, acknowledged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.SessionID, a.Hostname, a.Group, string(a.Kind), string(a.Severity), string(a.Metric),
		a.Message, data, a.Timestamp, a.Acknowledged).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	return id, nil
}

func (s *Store) ActiveAlerts(ctx context.Context, sessionID string) ([]fleet.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, hostname, group_name, kind, severity, metric, message, data, created_at, acknowledged
		FROM alerts
		WHERE acknowledged = false AND ($1 = '' OR machine_id = $1)
		ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}

	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fleet.Alert, error) {
		var (
			a                      fleet.Alert
			kind, severity, metric string
			data                   []byte
		)
		if err := row.Scan(&a.ID, &a.SessionID, &a.Hostname, &a.Group, &kind, &severity, &metric,
			&a.Message, &data, &a.Timestamp, &a.Acknowledged); err != nil {
			return a, err
		}
		a.Kind = fleet.AlertKind(kind)
		a.Severity = fleet.Severity(severity)
		a.Metric = fleet.Metric(metric)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &a.Evidence)
		}
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	return alerts, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET acknowledged = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) LogCommand(ctx context.Context, cmd fleet.Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commands (id, machine_id, hostname, command, issued_at)
		VALUES ($1, $2, $3, $4, $5)`,
		cmd.ID, cmd.SessionID, cmd.Hostname, cmd.Text, cmd.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	return nil
}

func (s *Store) RecordCommandResult(ctx context.Context, id string, result fleet.CommandResult, at time.Time) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode command result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE commands SET result = $2, completed_at = $3 WHERE id = $1`,
		id, data, pgtype.Timestamptz{Time: at, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to record command result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Command loads a logged command with its result, if any.
func (s *Store) Command(ctx context.Context, id string) (fleet.Command, error) {
	var (
		cmd       fleet.Command
		result    []byte
		completed pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, hostname, command, issued_at, result, completed_at
		FROM commands WHERE id = $1`, id).
		Scan(&cmd.ID, &cmd.SessionID, &cmd.Hostname, &cmd.Text, &cmd.IssuedAt, &result, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fleet.Command{}, fmt.Errorf("command %s: %w", id, store.ErrNotFound)
		}
		return fleet.Command{}, fmt.Errorf("failed to get command: %w", err)
	}
	if len(result) > 0 {
		var r fleet.CommandResult
		if err := json.Unmarshal(result, &r); err == nil {
			cmd.Result = &r
		}
	}
	if completed.Valid {
		t := completed.Time
		cmd.CompletedAt = &t
	}
	return cmd, nil
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	metrics, err := tx.Exec(ctx, `DELETE FROM metrics WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge metrics: %w", err)
	}
	alerts, err := tx.Exec(ctx, `DELETE FROM alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return metrics.RowsAffected() + alerts.RowsAffected(), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
