package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qanerd/internal/types"
)

// CreateAgentExecution inserts a new agent execution in RUNNING state.
func (s *Store) CreateAgentExecution(e *types.AgentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = types.AgentRunning
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO agent_executions (id, agent_kind, status, goal, current_iter,
			max_iter, started_at, total_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentKind, e.Status, e.Goal, e.CurrentIter, e.MaxIter,
		e.StartedAt.UTC(), e.TotalCost)
	if err != nil {
		return fmt.Errorf("failed to create agent execution: %w", err)
	}
	return nil
}

// UpdateAgentProgress records the current iteration and running cost.
func (s *Store) UpdateAgentProgress(id string, iteration int, totalCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE agent_executions SET current_iter = ?, total_cost = ? WHERE id = ?`,
		iteration, totalCost, id)
	if err != nil {
		return fmt.Errorf("failed to update agent progress: %w", err)
	}
	return nil
}

// FinalizeAgentExecution writes the terminal state exactly once.
func (s *Store) FinalizeAgentExecution(id string, status types.AgentStatus, completedAt time.Time, totalCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}
	res, err := s.db.Exec(`
		UPDATE agent_executions SET status = ?, completed_at = ?, total_cost = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, completedAt.UTC(), totalCost, id, types.AgentRunning, types.AgentWaiting)
	if err != nil {
		return fmt.Errorf("failed to finalize agent execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminal
	}
	return nil
}

// AppendAgentAction writes one append-only action-log entry.
func (s *Store) AppendAgentAction(executionID string, a types.AgentAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO agent_actions (execution_id, iteration, kind, input, output, error, cost, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, a.Iteration, a.Kind,
		nullableString(a.Input), nullableString(a.Output), nullableString(a.Error),
		a.Cost, a.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append agent action: %w", err)
	}
	return nil
}

// GetAgentExecution loads an execution with its full action log.
func (s *Store) GetAgentExecution(id string) (*types.AgentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e types.AgentExecution
	var completed sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, agent_kind, status, goal, current_iter, max_iter, started_at,
			completed_at, total_cost
		FROM agent_executions WHERE id = ?`, id).Scan(
		&e.ID, &e.AgentKind, &e.Status, &e.Goal, &e.CurrentIter, &e.MaxIter,
		&e.StartedAt, &completed, &e.TotalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent execution: %w", err)
	}
	e.StartedAt = e.StartedAt.UTC()
	if completed.Valid {
		e.CompletedAt = completed.Time.UTC()
	}

	rows, err := s.db.Query(`
		SELECT iteration, kind, input, output, error, cost, ts
		FROM agent_actions WHERE execution_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load action log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a types.AgentAction
		var input, output, errMsg sql.NullString
		if err := rows.Scan(&a.Iteration, &a.Kind, &input, &output, &errMsg, &a.Cost, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Input = input.String
		a.Output = output.String
		a.Error = errMsg.String
		a.Timestamp = a.Timestamp.UTC()
		e.ActionLog = append(e.ActionLog, a)
	}
	return &e, rows.Err()
}
