package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
)

// MaxJobAttempts is the number of failed claims after which a job is
// dead-lettered and no longer claimed.
const MaxJobAttempts = 10

// EnqueueJob appends the durable queue message for a ticket and wakes
// listening runners. The wake-up is best effort: runners also poll.
func (db *DB) EnqueueJob(ctx context.Context, p model.JobPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: encode job payload: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_jobs (agent, run_id, payload) VALUES ($1, $2, $3)`,
		p.Agent, p.RunID, payload,
	); err != nil {
		return fmt.Errorf("storage: enqueue job %s: %w", p.RunID, err)
	}
	if err := db.Notify(ctx, ChannelAgentJobs, p.RunID.String()); err != nil {
		db.logger.Warn("storage: job wake-up failed, runners will poll", "run_id", p.RunID, "error", err)
	}
	return nil
}

// ClaimJobs locks up to limit ready jobs for lease. Claimed jobs are
// invisible to other runners until the lease expires, so a runner that
// crashes mid-job leaves the message to be redelivered.
func (db *DB) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]model.QueuedJob, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT id, payload, attempts
		 FROM agent_jobs
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxJobAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select ready jobs: %w", err)
	}

	var jobs []model.QueuedJob
	var ids []int64
	var broken []int64
	for rows.Next() {
		var (
			j   model.QueuedJob
			raw []byte
		)
		if err := rows.Scan(&j.ID, &raw, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		if err := json.Unmarshal(raw, &j.Payload); err != nil {
			db.logger.Error("storage: undecodable job payload, dropping", "job_id", j.ID, "error", err)
			broken = append(broken, j.ID)
			continue
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan jobs: %w", err)
	}

	if len(broken) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM agent_jobs WHERE id = ANY($1)`, broken); err != nil {
			return nil, fmt.Errorf("storage: drop broken jobs: %w", err)
		}
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE agent_jobs SET locked_until = now() + $2::float8 * interval '1 second' WHERE id = ANY($1)`,
			ids, lease.Seconds(),
		); err != nil {
			return nil, fmt.Errorf("storage: lease jobs: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return jobs, nil
}

// AckJob removes a processed job from the queue.
func (db *DB) AckJob(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM agent_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: ack job %d: %w", id, err)
	}
	return nil
}

// FailJob records a failed delivery and backs the job off exponentially:
// locked_until = now() + 2^attempts seconds, capped at 5 minutes.
// It returns true when the job has reached MaxJobAttempts.
func (db *DB) FailJob(ctx context.Context, id int64, errMsg string) (bool, error) {
	var attempts int
	err := db.pool.QueryRow(ctx,
		`UPDATE agent_jobs
		 SET attempts = attempts + 1,
		     last_error = $2,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $1
		 RETURNING attempts`,
		id, errMsg,
	).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("storage: fail job %d: %w", id, err)
	}
	return attempts >= MaxJobAttempts, nil
}

// QueueDepth returns the number of jobs still eligible for delivery.
func (db *DB) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_jobs WHERE attempts < $1`, MaxJobAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return n, nil
}

// CleanupDeadJobs deletes dead-lettered jobs older than olderThan.
func (db *DB) CleanupDeadJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM agent_jobs WHERE attempts >= $1 AND created_at < now() - $2::float8 * interval '1 second'`,
		MaxJobAttempts, olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
