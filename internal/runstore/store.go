// Package runstore keeps queryable snapshots of runs, phase outcomes and gate
// requests in SQLite. The audit chain stays the source of truth; this is what
// status queries and the review console read.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run snapshots
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or updates the run row. Phase outcomes and gates are saved separately.
func (s *Store) SaveRun(run domain.PipelineRun) error {
	inputs, err := marshalNullable(run.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	failure, err := marshalNullable(run.Failure)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, pipeline_id, seed, status, current_phase, inputs, failure, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_phase = excluded.current_phase,
			failure = excluded.failure,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`,
		run.RunID,
		run.PipelineID,
		run.Seed,
		string(run.Status),
		run.CurrentPhaseIndex,
		inputs,
		failure,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		time.Now().UTC().Format(timeLayout),
	)
	return err
}

// SaveOutcome records the outcome of a phase of runID
func (s *Store) SaveOutcome(runID string, o domain.PhaseOutcome) error {
	result, err := json.Marshal(o.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	verdict, err := json.Marshal(o.Ethics)
	if err != nil {
		return err
	}
	cost, err := json.Marshal(o.Resource)
	if err != nil {
		return err
	}
	gate, err := marshalNullable(o.Gate)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO phase_outcomes (run_id, phase_index, phase_name, started_at, completed_at, result, ethics, resource, gate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, phase_index) DO UPDATE SET
			completed_at = excluded.completed_at,
			result = excluded.result,
			ethics = excluded.ethics,
			resource = excluded.resource,
			gate = excluded.gate
	`,
		runID,
		o.PhaseIndex,
		o.PhaseName,
		formatTime(&o.StartedAt),
		formatTime(&o.CompletedAt),
		string(result),
		string(verdict),
		string(cost),
		gate,
	)
	return err
}

// SaveGate inserts or updates a gate request
func (s *Store) SaveGate(req domain.GateRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO gate_requests (id, run_id, phase_index, required_role, status, actor_role, rationale, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			actor_role = excluded.actor_role,
			rationale = excluded.rationale,
			resolved_at = excluded.resolved_at
	`,
		req.ID,
		req.RunID,
		req.PhaseIndex,
		req.RequiredRole,
		string(req.Status),
		req.ActorRole,
		req.Rationale,
		req.CreatedAt.UTC().Format(timeLayout),
		formatTime(req.ResolvedAt),
	)
	return err
}

const runColumns = `id, pipeline_id, seed, status, current_phase, inputs, failure, started_at, finished_at`

// GetRun loads a run with its phase outcomes and any pending gate
func (s *Store) GetRun(id string) (*domain.PipelineRun, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadDetails(run); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun loads the most recently updated run
func (s *Store) LatestRun() (*domain.PipelineRun, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM runs ORDER BY updated_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no runs recorded", domain.ErrUnknownRun)
	}
	if err != nil {
		return nil, err
	}
	return s.GetRun(id)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns run rows, newest first, without their outcomes
func (s *Store) ListRuns(opts ListOptions) ([]*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY updated_at DESC, rowid DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PendingGates returns every gate still waiting for a decision, oldest first
func (s *Store) PendingGates() ([]domain.GateRequest, error) {
	return s.queryGates(`WHERE status = ? ORDER BY created_at`, string(domain.GatePending))
}

// Gates returns the gate requests of a run in creation order
func (s *Store) Gates(runID string) ([]domain.GateRequest, error) {
	return s.queryGates(`WHERE run_id = ? ORDER BY created_at`, runID)
}

// GetGate loads one gate request
func (s *Store) GetGate(id string) (domain.GateRequest, error) {
	gates, err := s.queryGates(`WHERE id = ?`, id)
	if err != nil {
		return domain.GateRequest{}, err
	}
	if len(gates) == 0 {
		return domain.GateRequest{}, fmt.Errorf("%w: %s", domain.ErrUnknownGate, id)
	}
	return gates[0], nil
}

func (s *Store) queryGates(where string, args ...any) ([]domain.GateRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, phase_index, required_role, status, actor_role, rationale, created_at, resolved_at
		FROM gate_requests `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []domain.GateRequest
	for rows.Next() {
		var req domain.GateRequest
		var status, created string
		var actor, rationale, resolved sql.NullString
		if err := rows.Scan(&req.ID, &req.RunID, &req.PhaseIndex, &req.RequiredRole, &status, &actor, &rationale, &created, &resolved); err != nil {
			return nil, err
		}
		req.Status = domain.GateStatus(status)
		req.ActorRole = actor.String
		req.Rationale = rationale.String
		if req.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("gate %s created_at: %w", req.ID, err)
		}
		if req.ResolvedAt, err = parseTime(resolved); err != nil {
			return nil, fmt.Errorf("gate %s resolved_at: %w", req.ID, err)
		}
		gates = append(gates, req)
	}
	return gates, rows.Err()
}

func (s *Store) loadDetails(run *domain.PipelineRun) error {
	rows, err := s.db.Query(`
		SELECT phase_index, phase_name, started_at, completed_at, result, ethics, resource, gate
		FROM phase_outcomes WHERE run_id = ? ORDER BY phase_index
	`, run.RunID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var o domain.PhaseOutcome
		var started, completed, gate sql.NullString
		var result, verdict, cost string
		if err := rows.Scan(&o.PhaseIndex, &o.PhaseName, &started, &completed, &result, &verdict, &cost, &gate); err != nil {
			return err
		}
		if t, err := parseTime(started); err != nil {
			return err
		} else if t != nil {
			o.StartedAt = *t
		}
		if t, err := parseTime(completed); err != nil {
			return err
		} else if t != nil {
			o.CompletedAt = *t
		}
		if err := json.Unmarshal([]byte(result), &o.Result); err != nil {
			return fmt.Errorf("phase %d result: %w", o.PhaseIndex, err)
		}
		if err := json.Unmarshal([]byte(verdict), &o.Ethics); err != nil {
			return fmt.Errorf("phase %d ethics: %w", o.PhaseIndex, err)
		}
		if err := json.Unmarshal([]byte(cost), &o.Resource); err != nil {
			return fmt.Errorf("phase %d resource: %w", o.PhaseIndex, err)
		}
		if gate.Valid {
			o.Gate = &domain.GateDecision{}
			if err := json.Unmarshal([]byte(gate.String), o.Gate); err != nil {
				return fmt.Errorf("phase %d gate: %w", o.PhaseIndex, err)
			}
		}
		run.PhaseOutcomes = append(run.PhaseOutcomes, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	gates, err := s.queryGates(`WHERE run_id = ? AND status = ?`, run.RunID, string(domain.GatePending))
	if err != nil {
		return err
	}
	if len(gates) > 0 {
		run.OpenGate = &gates[0]
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status string
	var inputs, failure, started, finished sql.NullString

	err := row.Scan(&run.RunID, &run.PipelineID, &run.Seed, &status, &run.CurrentPhaseIndex, &inputs, &failure, &started, &finished)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)

	if inputs.Valid {
		if err := json.Unmarshal([]byte(inputs.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("run %s inputs: %w", run.RunID, err)
		}
	}
	if failure.Valid {
		run.Failure = &domain.Failure{}
		if err := json.Unmarshal([]byte(failure.String), run.Failure); err != nil {
			return nil, fmt.Errorf("run %s failure: %w", run.RunID, err)
		}
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	return &run, nil
}

// marshalNullable encodes v as JSON, or SQL NULL for nil values
func marshalNullable(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
