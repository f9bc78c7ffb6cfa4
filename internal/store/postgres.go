// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ajc-platform/internal/core"
)

// Postgres PostgreSQL 实现：复合操作各占一个事务，Claim 走 FOR UPDATE SKIP LOCKED
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres 按 dsn 建连接池并确保表结构存在
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Close 关闭连接池
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func insertJobEvent(ctx context.Context, q execer, jobID, eventType, agentID string, details core.Payload, now time.Time) error {
	_, err := q.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, agent_id, details, created_at) VALUES ($1, $2, $3, $4, $5)`,
		jobID, eventType, nullStr(agentID), details.Encode(), now)
	return err
}

func insertTaskHistory(ctx context.Context, q execer, taskID, eventType, agentID string, details core.Payload, now time.Time) error {
	_, err := q.Exec(ctx,
		`INSERT INTO task_history (task_id, event_type, agent_id, details, created_at) VALUES ($1, $2, $3, $4, $5)`,
		taskID, eventType, nullStr(agentID), details.Encode(), now)
	return err
}

// --- row scanners ---

const jobColumns = `id, name, description, status, approval_count, required_approvals,
	total_tasks, completed_tasks, failed_tasks, job_spec, created_at, started_at, completed_at, created_by`

func scanJob(row rowScanner) (*core.Job, error) {
	var j core.Job
	var desc, createdBy *string
	var statusStr string
	var spec []byte
	if err := row.Scan(&j.ID, &j.Name, &desc, &statusStr, &j.ApprovalCount, &j.RequiredApprovals,
		&j.TotalTasks, &j.CompletedTasks, &j.FailedTasks, &spec, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &createdBy); err != nil {
		return nil, err
	}
	status, err := core.ParseJobStatus(statusStr)
	if err != nil {
		return nil, err
	}
	j.Status = status
	j.Description = strOrEmpty(desc)
	j.CreatedBy = strOrEmpty(createdBy)
	j.JobSpec = core.DecodePayload(spec)
	return &j, nil
}

const taskColumns = `id, job_id, task_index, status, task_spec, claimed_by, assigned_at, started_at,
	completed_at, result, error_message, progress_percent, timeout_seconds, retry_count, max_retries, created_at`

func scanTask(row rowScanner) (*core.Task, error) {
	var t core.Task
	var statusStr string
	var claimedBy, errMsg *string
	var spec, result []byte
	if err := row.Scan(&t.ID, &t.JobID, &t.TaskIndex, &statusStr, &spec, &claimedBy, &t.AssignedAt, &t.StartedAt,
		&t.CompletedAt, &result, &errMsg, &t.ProgressPercent, &t.TimeoutSeconds, &t.RetryCount, &t.MaxRetries, &t.CreatedAt); err != nil {
		return nil, err
	}
	status, err := core.ParseTaskStatus(statusStr)
	if err != nil {
		return nil, err
	}
	t.Status = status
	t.ClaimedBy = strOrEmpty(claimedBy)
	t.ErrorMessage = strOrEmpty(errMsg)
	t.TaskSpec = core.DecodePayload(spec)
	t.Result = core.DecodePayload(result)
	return &t, nil
}

const agentColumns = `id, name, status, version, capabilities, registered_at, last_heartbeat`

func scanAgent(row rowScanner) (*core.Agent, error) {
	var a core.Agent
	var statusStr string
	var version *string
	var caps []byte
	if err := row.Scan(&a.ID, &a.Name, &statusStr, &version, &caps, &a.RegisteredAt, &a.LastHeartbeat); err != nil {
		return nil, err
	}
	status, err := core.ParseAgentStatus(statusStr)
	if err != nil {
		return nil, err
	}
	a.Status = status
	a.Version = strOrEmpty(version)
	a.Capabilities = core.DecodePayload(caps)
	return &a, nil
}

// --- Agents ---

func (s *Postgres) CreateAgent(ctx context.Context, a *core.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, status, version, capabilities, registered_at, last_heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = $2, status = $3, version = $4, capabilities = $5, last_heartbeat = $7`,
		a.ID, a.Name, a.Status.String(), nullStr(a.Version), a.Capabilities.Encode(), a.RegisteredAt, a.LastHeartbeat)
	return err
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errNoRows(err) {
		return nil, nil
	}
	return a, err
}

func (s *Postgres) ListAgents(ctx context.Context, status *core.AgentStatus) ([]*core.Agent, error) {
	sql := `SELECT ` + agentColumns + ` FROM agents ORDER BY id`
	args := []any{}
	if status != nil {
		sql = `SELECT ` + agentColumns + ` FROM agents WHERE status = $1 ORDER BY id`
		args = append(args, status.String())
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Postgres) TouchHeartbeat(ctx context.Context, id string, status core.AgentStatus, now time.Time) (bool, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = $2, status = $3 WHERE id = $1`,
		id, now, status.String())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Postgres) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*core.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		 ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (s *Postgres) SetAgentStatus(ctx context.Context, id string, status core.AgentStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, status.String())
	return err
}

// --- Jobs ---

func (s *Postgres) CreateJob(ctx context.Context, j *core.Job) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, name, description, status, approval_count, required_approvals,
			   total_tasks, completed_tasks, failed_tasks, job_spec, created_at, created_by)
			 VALUES ($1, $2, $3, $4, 0, $5, 0, 0, 0, $6, $7, $8)`,
			j.ID, j.Name, nullStr(j.Description), core.JobCommitted.String(), j.RequiredApprovals,
			j.JobSpec.Encode(), j.CreatedAt, nullStr(j.CreatedBy))
		if err != nil {
			return err
		}
		return insertJobEvent(ctx, tx, j.ID, core.EventJobSubmitted, j.CreatedBy, core.Payload{
			"name":        j.Name,
			"description": j.Description,
		}, j.CreatedAt)
	})
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*core.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errNoRows(err) {
		return nil, nil
	}
	return j, err
}

func (s *Postgres) ListJobs(ctx context.Context, status *core.JobStatus) ([]*core.Job, error) {
	sql := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`
	args := []any{}
	if status != nil {
		sql = `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, status.String())
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (s *Postgres) ListJobIDsByStatus(ctx context.Context, status core.JobStatus) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM jobs WHERE status = $1 ORDER BY id`, status.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) CountJobsByStatus(ctx context.Context) (*core.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := &core.StatusCounts{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts.ByStatus[status] = n
		counts.Total += n
	}
	return counts, rows.Err()
}

// --- Approvals ---

func (s *Postgres) RecordApproval(ctx context.Context, jobID, agentID string, now time.Time) (*ApprovalOutcome, error) {
	var out *ApprovalOutcome
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var statusStr string
		var count, required int
		err := tx.QueryRow(ctx,
			`SELECT status, approval_count, required_approvals FROM jobs WHERE id = $1 FOR UPDATE`,
			jobID).Scan(&statusStr, &count, &required)
		if errNoRows(err) {
			return ErrWrongState
		}
		if err != nil {
			return err
		}
		status, err := core.ParseJobStatus(statusStr)
		if err != nil {
			return err
		}
		// 行已 FOR UPDATE 锁定；并发投票把 Job 推进 accepted 后到达的一票在此拒绝
		if status != core.JobCommitted && status != core.JobApproving {
			return ErrWrongState
		}

		vote := &core.JobApproval{JobID: jobID, AgentID: agentID, CreatedAt: now}
		err = tx.QueryRow(ctx,
			`INSERT INTO job_approvals (job_id, agent_id, created_at) VALUES ($1, $2, $3) RETURNING id`,
			jobID, agentID, now).Scan(&vote.ID)
		if isUniqueViolation(err) {
			return ErrDuplicateApproval
		}
		if err != nil {
			return err
		}

		newCount := count + 1
		if _, err := tx.Exec(ctx, `UPDATE jobs SET approval_count = $2 WHERE id = $1`, jobID, newCount); err != nil {
			return err
		}
		out = &ApprovalOutcome{Approval: vote, NewCount: newCount, Required: required}
		if err := insertJobEvent(ctx, tx, jobID, core.EventJobApproved, agentID, core.Payload{
			"approval_count":     newCount,
			"required_approvals": required,
		}, now); err != nil {
			return err
		}
		if status == core.JobCommitted {
			status = core.JobApproving
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, status.String()); err != nil {
				return err
			}
			if err := insertJobEvent(ctx, tx, jobID, core.EventJobApprovalStarted, agentID, nil, now); err != nil {
				return err
			}
		}
		if newCount >= required && status == core.JobApproving {
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, jobID, core.JobAccepted.String()); err != nil {
				return err
			}
			out.Accepted = true
			if err := insertJobEvent(ctx, tx, jobID, core.EventJobAccepted, agentID, core.Payload{
				"approval_count": newCount,
			}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) LatestApprovalSince(ctx context.Context, agentID string, since time.Time) (*time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM job_approvals WHERE agent_id = $1 AND created_at > $2`,
		agentID, since).Scan(&latest)
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *Postgres) ListApprovals(ctx context.Context, jobID string) ([]*core.JobApproval, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, agent_id, created_at FROM job_approvals WHERE job_id = $1 ORDER BY id`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.JobApproval
	for rows.Next() {
		var v core.JobApproval
		if err := rows.Scan(&v.ID, &v.JobID, &v.AgentID, &v.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &v)
	}
	return list, rows.Err()
}

// --- Plan / fan-out ---

func (s *Postgres) CreatePlanTask(ctx context.Context, task *core.Task) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $2, total_tasks = 1 WHERE id = $1 AND status = $3`,
			task.JobID, core.JobPlanning.String(), core.JobAccepted.String())
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		if err := insertJobEvent(ctx, tx, task.JobID, core.EventJobPlanCreated, "", core.Payload{
			"task_id": task.ID,
		}, task.CreatedAt); err != nil {
			return err
		}
		return insertTaskHistory(ctx, tx, task.ID, core.EventTaskCreated, "", nil, task.CreatedAt)
	})
}

func insertTask(ctx context.Context, q execer, t *core.Task) error {
	_, err := q.Exec(ctx,
		`INSERT INTO tasks (id, job_id, task_index, status, task_spec, progress_percent,
		   timeout_seconds, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, 0, $7, $8)`,
		t.ID, t.JobID, t.TaskIndex, core.TaskPending.String(), t.TaskSpec.Encode(),
		t.TimeoutSeconds, t.MaxRetries, t.CreatedAt)
	return err
}

func (s *Postgres) FanOutTasks(ctx context.Context, jobID string, tasks []*core.Task) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now()
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
			now = t.CreatedAt
		}
		cmd, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $2, total_tasks = $3 WHERE id = $1`,
			jobID, core.JobReady.String(), len(tasks))
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		if err := insertJobEvent(ctx, tx, jobID, core.EventJobPlanCompleted, "", core.Payload{
			"task_count": len(tasks),
		}, now); err != nil {
			return err
		}
		return insertJobEvent(ctx, tx, jobID, core.EventJobTasksCreated, "", core.Payload{
			"task_count": len(tasks),
		}, now)
	})
}

func (s *Postgres) FailJob(ctx context.Context, jobID string, reason string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1`,
			jobID, core.JobFailed.String(), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		return insertJobEvent(ctx, tx, jobID, core.EventJobFailed, "", core.Payload{"error": reason}, now)
	})
}

// --- Tasks ---

func (s *Postgres) ClaimNextPendingTask(ctx context.Context, agentID string, now time.Time) (*core.Task, error) {
	var claimed *core.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var taskID string
		err := tx.QueryRow(ctx, `
			SELECT t.id FROM tasks t
			INNER JOIN jobs j ON j.id = t.job_id
			WHERE t.status = 'pending' AND j.status IN ('planning', 'ready', 'executing')
			ORDER BY t.task_index, t.created_at
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED
		`).Scan(&taskID)
		if errNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $2, claimed_by = $3, assigned_at = $4 WHERE id = $1`,
			taskID, core.TaskAssigned.String(), agentID, now); err != nil {
			return err
		}
		if err := insertTaskHistory(ctx, tx, taskID, core.EventTaskAssigned, agentID, nil, now); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errNoRows(err) {
		return nil, nil
	}
	return t, err
}

func (s *Postgres) listTasks(ctx context.Context, sql string, args ...any) ([]*core.Task, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Postgres) ListTasksByJob(ctx context.Context, jobID string) ([]*core.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY task_index`, jobID)
}

func (s *Postgres) ListHeldTasks(ctx context.Context) ([]*core.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('assigned', 'in_progress') ORDER BY id`)
}

func (s *Postgres) ListHeldTasksByAgent(ctx context.Context, agentID string) ([]*core.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('assigned', 'in_progress') AND claimed_by = $1 ORDER BY id`,
		agentID)
}

func (s *Postgres) MarkTaskStarted(ctx context.Context, taskID, agentID string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $2, started_at = $3 WHERE id = $1`,
			taskID, core.TaskInProgress.String(), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		if err := insertTaskHistory(ctx, tx, taskID, core.EventTaskStarted, agentID, nil, now); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $2, started_at = COALESCE(started_at, $3)
			 WHERE id = (SELECT job_id FROM tasks WHERE id = $1) AND status = $4`,
			taskID, core.JobExecuting.String(), now, core.JobReady.String())
		return err
	})
}

func (s *Postgres) UpdateTaskProgress(ctx context.Context, taskID, agentID string, percent int, message string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE tasks SET progress_percent = $2 WHERE id = $1`, taskID, percent)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_progress (task_id, agent_id, progress_percent, message, reported_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			taskID, agentID, percent, nullStr(message), now); err != nil {
			return err
		}
		return insertTaskHistory(ctx, tx, taskID, core.EventTaskProgress, agentID, core.Payload{
			"progress_percent": percent,
			"message":          message,
		}, now)
	})
}

func (s *Postgres) MarkTaskCompleted(ctx context.Context, taskID, agentID string, result core.Payload, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $2, result = $3, progress_percent = 100, completed_at = $4, claimed_by = NULL
			 WHERE id = $1`,
			taskID, core.TaskCompleted.String(), result.Encode(), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		return insertTaskHistory(ctx, tx, taskID, core.EventTaskCompleted, agentID, nil, now)
	})
}

func (s *Postgres) MarkTaskFailed(ctx context.Context, taskID string, status core.TaskStatus, agentID, errMsg, event string, details core.Payload, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`UPDATE tasks SET status = $2, error_message = $3, completed_at = $4, claimed_by = NULL
			 WHERE id = $1`,
			taskID, status.String(), nullStr(errMsg), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrWrongState
		}
		return insertTaskHistory(ctx, tx, taskID, event, agentID, details, now)
	})
}

func (s *Postgres) RequeueTask(ctx context.Context, taskID, agentID, errMsg, event string, now time.Time) (int, error) {
	var retryCount int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE tasks SET status = $2, claimed_by = NULL, assigned_at = NULL, started_at = NULL,
			   progress_percent = 0, error_message = $3, retry_count = retry_count + 1
			 WHERE id = $1
			 RETURNING retry_count`,
			taskID, core.TaskPending.String(), nullStr(errMsg)).Scan(&retryCount)
		if errNoRows(err) {
			return ErrWrongState
		}
		if err != nil {
			return err
		}
		return insertTaskHistory(ctx, tx, taskID, event, agentID, core.Payload{
			"retry_count": retryCount,
			"error":       errMsg,
		}, now)
	})
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

func (s *Postgres) RecomputeJobCounters(ctx context.Context, jobID string, now time.Time) (*CounterSnapshot, error) {
	var snap *CounterSnapshot
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var statusStr string
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&statusStr)
		if errNoRows(err) {
			return ErrWrongState
		}
		if err != nil {
			return err
		}
		status, err := core.ParseJobStatus(statusStr)
		if err != nil {
			return err
		}

		snap = &CounterSnapshot{}
		err = tx.QueryRow(ctx, `
			SELECT
			  COUNT(*) FILTER (WHERE status = 'completed'),
			  COUNT(*) FILTER (WHERE status IN ('failed', 'expired')),
			  COUNT(*) FILTER (WHERE status IN ('pending', 'assigned', 'in_progress')),
			  COUNT(*)
			FROM tasks WHERE job_id = $1 AND task_index > 0
		`, jobID).Scan(&snap.Completed, &snap.Failed, &snap.Active, &snap.Total)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET completed_tasks = $2, failed_tasks = $3 WHERE id = $1`,
			jobID, snap.Completed, snap.Failed); err != nil {
			return err
		}

		if status == core.JobReady && snap.Active > 0 {
			status = core.JobExecuting
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = $2, started_at = COALESCE(started_at, $3) WHERE id = $1`,
				jobID, status.String(), now); err != nil {
				return err
			}
			if err := insertJobEvent(ctx, tx, jobID, core.EventJobExecutionStarted, "", nil, now); err != nil {
				return err
			}
		}
		if snap.Total > 0 && snap.Active == 0 &&
			(status == core.JobReady || status == core.JobExecuting) {
			if snap.Failed > 0 {
				status = core.JobFailed
			} else {
				status = core.JobCompleted
			}
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1`,
				jobID, status.String(), now); err != nil {
				return err
			}
			eventType := core.EventJobCompleted
			details := core.Payload{"completed_tasks": snap.Completed}
			if status == core.JobFailed {
				eventType = core.EventJobFailed
				details["failed_tasks"] = snap.Failed
			}
			if err := insertJobEvent(ctx, tx, jobID, eventType, "", details, now); err != nil {
				return err
			}
		}
		snap.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Postgres) PromoteReadyJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	promoted := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `
			UPDATE jobs SET status = $2, started_at = COALESCE(started_at, $3)
			WHERE id = $1 AND status = 'ready'
			AND EXISTS (
			  SELECT 1 FROM tasks
			  WHERE job_id = $1 AND task_index > 0 AND status IN ('pending', 'assigned', 'in_progress')
			)
		`, jobID, core.JobExecuting.String(), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return nil
		}
		promoted = true
		return insertJobEvent(ctx, tx, jobID, core.EventJobExecutionStarted, "", nil, now)
	})
	return promoted, err
}

func (s *Postgres) PromotePlanningJob(ctx context.Context, jobID string) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'ready',
		  total_tasks = (SELECT COUNT(*) FROM tasks WHERE job_id = $1 AND task_index > 0)
		WHERE id = $1 AND status = 'planning'
		AND EXISTS (SELECT 1 FROM tasks WHERE job_id = $1 AND task_index = 0 AND status = 'completed')
		AND EXISTS (SELECT 1 FROM tasks WHERE job_id = $1 AND task_index > 0)
	`, jobID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Postgres) CountTasksByStatus(ctx context.Context) (*core.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := &core.StatusCounts{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts.ByStatus[status] = n
		counts.Total += n
	}
	return counts, rows.Err()
}

// --- Audit ---

func (s *Postgres) AppendJobEvent(ctx context.Context, ev *core.JobEvent) error {
	return insertJobEvent(ctx, s.pool, ev.JobID, ev.EventType, ev.AgentID, ev.Details, ev.CreatedAt)
}

func (s *Postgres) ListJobEvents(ctx context.Context, jobID string) ([]*core.JobEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, event_type, agent_id, details, created_at FROM job_events WHERE job_id = $1 ORDER BY id`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.JobEvent
	for rows.Next() {
		var ev core.JobEvent
		var agentID *string
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &agentID, &details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.AgentID = strOrEmpty(agentID)
		ev.Details = core.DecodePayload(details)
		list = append(list, &ev)
	}
	return list, rows.Err()
}

func (s *Postgres) ListTaskHistory(ctx context.Context, taskID string) ([]*core.TaskHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, event_type, agent_id, details, created_at FROM task_history WHERE task_id = $1 ORDER BY id`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.TaskHistoryEntry
	for rows.Next() {
		var h core.TaskHistoryEntry
		var agentID *string
		var details []byte
		if err := rows.Scan(&h.ID, &h.TaskID, &h.EventType, &agentID, &details, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.AgentID = strOrEmpty(agentID)
		h.Details = core.DecodePayload(details)
		list = append(list, &h)
	}
	return list, rows.Err()
}

func (s *Postgres) ListTaskProgress(ctx context.Context, taskID string) ([]*core.TaskProgressEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, agent_id, progress_percent, message, reported_at FROM task_progress WHERE task_id = $1 ORDER BY id`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*core.TaskProgressEntry
	for rows.Next() {
		var p core.TaskProgressEntry
		var message *string
		if err := rows.Scan(&p.ID, &p.TaskID, &p.AgentID, &p.ProgressPercent, &message, &p.ReportedAt); err != nil {
			return nil, err
		}
		p.Message = strOrEmpty(message)
		list = append(list, &p)
	}
	return list, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func errNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
