package scheduler

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ExecutionRecord is one fired-or-skipped schedule invocation.
type ExecutionRecord struct {
	AgentID    string    `json:"agentId"`
	ScheduleID string    `json:"scheduleId"`
	FiredAt    time.Time `json:"firedAt"`
	Outcome    string    `json:"outcome"` // ran|skipped_precheck|skipped_max_concurrent|skipped_no_prompt|error|cancelled|timeout
	Detail     string    `json:"detail,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// ExecutionStore persists ExecutionRecords for the schedule history API.
type ExecutionStore interface {
	Record(rec ExecutionRecord) error
	List(agentID, scheduleID string, limit int) ([]ExecutionRecord, error)
}

// memoryExecutionStore is the default store: adequate for a single-process
// deployment, lost on restart.
type memoryExecutionStore struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

// NewMemoryExecutionStore returns an in-process ExecutionStore.
func NewMemoryExecutionStore() ExecutionStore {
	return &memoryExecutionStore{}
}

func (m *memoryExecutionStore) Record(rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryExecutionStore) List(agentID, scheduleID string, limit int) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionRecord
	for _, r := range m.records {
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		if scheduleID != "" && r.ScheduleID != scheduleID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresExecutionStore persists execution history to Postgres via lib/pq,
// for deployments that want schedule history to survive a restart.
type PostgresExecutionStore struct {
	db *sql.DB
}

// NewPostgresExecutionStore opens dsn with the postgres driver and ensures
// the backing table exists.
func NewPostgresExecutionStore(dsn string) (*PostgresExecutionStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("scheduler: opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("scheduler: pinging postgres: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS scheduler_executions (
		id SERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		schedule_id TEXT NOT NULL,
		fired_at TIMESTAMPTZ NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		duration_ms BIGINT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("scheduler: creating scheduler_executions table: %w", err)
	}
	return &PostgresExecutionStore{db: db}, nil
}

func (p *PostgresExecutionStore) Close() error { return p.db.Close() }

func (p *PostgresExecutionStore) Record(rec ExecutionRecord) error {
	const q = `INSERT INTO scheduler_executions (agent_id, schedule_id, fired_at, outcome, detail, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.Exec(q, rec.AgentID, rec.ScheduleID, rec.FiredAt, rec.Outcome, rec.Detail, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("scheduler: recording execution: %w", err)
	}
	return nil
}

func (p *PostgresExecutionStore) List(agentID, scheduleID string, limit int) ([]ExecutionRecord, error) {
	q := `SELECT agent_id, schedule_id, fired_at, outcome, detail, duration_ms FROM scheduler_executions WHERE 1=1`
	var args []any
	if agentID != "" {
		args = append(args, agentID)
		q += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if scheduleID != "" {
		args = append(args, scheduleID)
		q += fmt.Sprintf(" AND schedule_id = $%d", len(args))
	}
	q += " ORDER BY fired_at DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: listing executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.AgentID, &rec.ScheduleID, &rec.FiredAt, &rec.Outcome, &detail, &rec.DurationMs); err != nil {
			return nil, fmt.Errorf("scheduler: scanning execution row: %w", err)
		}
		rec.Detail = detail.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
