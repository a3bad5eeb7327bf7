package postgres

import (
	"database/sql"
	"fmt"

	"github.com/phrazzld/syncwarden/internal/queue"
)

// scanCounts folds rows of (queue, status, delayed, count) into per-queue
// counts. Every known queue is present in the result.
func scanCounts(rows *sql.Rows) (map[queue.QueueName]queue.Counts, error) {
	out := make(map[queue.QueueName]queue.Counts)
	for _, q := range queue.AllQueues() {
		out[q] = queue.Counts{}
	}
	for rows.Next() {
		var (
			name    queue.QueueName
			status  queue.JobStatus
			delayed bool
			n       int64
		)
		if err := rows.Scan(&name, &status, &delayed, &n); err != nil {
			return nil, fmt.Errorf("scan queue counts: %w", err)
		}
		c := out[name]
		switch status {
		case queue.JobWaiting, queue.JobDelayed:
			if delayed {
				c.Delayed += n
			} else {
				c.Waiting += n
			}
		case queue.JobActive:
			c.Active += n
		case queue.JobCompleted:
			c.Completed += n
		case queue.JobFailed:
			c.Failed += n
		}
		out[name] = c
	}
	return out, rows.Err()
}

// limitArg turns a non-positive limit into NULL, which Postgres reads as no limit.
func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
