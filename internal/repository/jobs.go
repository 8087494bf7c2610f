package repository

import (
	"context"
	"time"

	"github.com/sqlc-dev/pqtype"
)

const createJobRun = `
INSERT INTO job_runs (job_name, started_at, finished_at, processed, failed, details)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, job_name, started_at, finished_at, processed, failed, details
`

type CreateJobRunParams struct {
	JobName    string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int64
	Failed     int64
	Details    pqtype.NullRawMessage
}

func (q *Queries) CreateJobRun(ctx context.Context, arg CreateJobRunParams) (JobRun, error) {
	row := q.db.QueryRowContext(ctx, createJobRun,
		arg.JobName, arg.StartedAt, arg.FinishedAt, arg.Processed, arg.Failed, arg.Details)
	var j JobRun
	err := row.Scan(&j.ID, &j.JobName, &j.StartedAt, &j.FinishedAt, &j.Processed, &j.Failed, &j.Details)
	return j, err
}
