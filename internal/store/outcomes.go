package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coursepilot/internal/pool"
	"coursepilot/internal/workflow"
)

// RecordOutcome appends a finished workflow to the ledger.
func (s *Store) RecordOutcome(ctx context.Context, batchNo int, o workflow.Outcome) error {
	executed, err := json.Marshal(o.Executed)
	if err != nil {
		return err
	}
	if o.Executed == nil {
		executed = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes (batch_no, workflow_id, username, status, message, executed, reauths, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batchNo, o.WorkflowID, o.Username, string(o.Status), o.Message, string(executed), o.Reauths,
		formatTime(o.StartedAt), formatTime(o.FinishedAt))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// OutcomeFilter narrows an Outcomes query. Zero fields match everything.
type OutcomeFilter struct {
	BatchNo    int
	WorkflowID string
	Status     workflow.Status
	Limit      int
}

// Outcomes returns ledger entries, newest first.
func (s *Store) Outcomes(ctx context.Context, f OutcomeFilter) ([]workflow.Outcome, error) {
	var where []string
	var args []any
	if f.BatchNo != 0 {
		where = append(where, "batch_no = ?")
		args = append(args, f.BatchNo)
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := "SELECT batch_no, workflow_id, username, status, message, executed, reauths, started_at, finished_at FROM outcomes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []workflow.Outcome
	for rows.Next() {
		var o workflow.Outcome
		var batchNo int
		var status, executed, started, finished string
		if err := rows.Scan(&batchNo, &o.WorkflowID, &o.Username, &status, &o.Message, &executed, &o.Reauths, &started, &finished); err != nil {
			return nil, err
		}
		o.BatchID = (&pool.Batch{No: batchNo}).ID()
		o.Status = workflow.Status(status)
		o.StartedAt = parseTime(started)
		o.FinishedAt = parseTime(finished)
		if err := json.Unmarshal([]byte(executed), &o.Executed); err != nil {
			return nil, fmt.Errorf("decode executed trail: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordBatch stores the latest summary of a batch run.
func (s *Store) RecordBatch(ctx context.Context, st pool.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (no, batch_id, template_id, state, total, succeeded, failed, held, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(no) DO UPDATE SET batch_id = excluded.batch_id, template_id = excluded.template_id,
			state = excluded.state, total = excluded.total, succeeded = excluded.succeeded,
			failed = excluded.failed, held = excluded.held, started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		st.No, st.ID, st.Template, string(st.State), st.Total, st.Succeeded, st.Failed, st.Held,
		formatTime(st.StartedAt), formatTime(st.FinishedAt))
	if err != nil {
		return fmt.Errorf("record batch %d: %w", st.No, err)
	}
	return nil
}

// LastRun returns the stored summary of the latest run of batch no.
func (s *Store) LastRun(ctx context.Context, no int) (pool.BatchStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st pool.BatchStatus
	var state, started, finished string
	err := s.db.QueryRowContext(ctx, `
		SELECT no, batch_id, template_id, state, total, succeeded, failed, held, started_at, finished_at
		FROM batch_runs WHERE no = ?`, no).
		Scan(&st.No, &st.ID, &st.Template, &state, &st.Total, &st.Succeeded, &st.Failed, &st.Held, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("batch run %d: %w", no, ErrNotFound)
	}
	if err != nil {
		return st, err
	}
	st.State = pool.BatchState(state)
	st.StartedAt = parseTime(started)
	st.FinishedAt = parseTime(finished)
	return st, nil
}
