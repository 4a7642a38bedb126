package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/multierr"

	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/worker"
)

const jobsTable = "attachment_downloads"

// Visible jobs are retried at most this often, ignoring their backoff.
const prioritizedRetryWindow = time.Hour

var jobColumns = []string{
	"id", "message_id", "attachment_type", "attachment_signature", "attachment_json",
	"content_type", "size", "ciphertext_size", "source", "original_source",
	"is_manual_download", "received_at", "sent_at", "active", "attempts",
	"retry_after", "last_attempt_at",
}

// original_source keeps the value from the first insert.
const upsertJobSQL = `
INSERT INTO attachment_downloads (
    id, message_id, attachment_type, attachment_signature, attachment_json,
    content_type, size, ciphertext_size, source, original_source,
    is_manual_download, received_at, sent_at, active, attempts,
    retry_after, last_attempt_at
) VALUES (
    :id, :message_id, :attachment_type, :attachment_signature, :attachment_json,
    :content_type, :size, :ciphertext_size, :source, :original_source,
    :is_manual_download, :received_at, :sent_at, :active, :attempts,
    :retry_after, :last_attempt_at
)
ON CONFLICT(id) DO UPDATE SET
    message_id = excluded.message_id,
    attachment_type = excluded.attachment_type,
    attachment_signature = excluded.attachment_signature,
    attachment_json = excluded.attachment_json,
    content_type = excluded.content_type,
    size = excluded.size,
    ciphertext_size = excluded.ciphertext_size,
    source = excluded.source,
    is_manual_download = excluded.is_manual_download,
    received_at = excluded.received_at,
    sent_at = excluded.sent_at,
    active = excluded.active,
    attempts = excluded.attempts,
    retry_after = excluded.retry_after,
    last_attempt_at = excluded.last_attempt_at
`

type jobRow struct {
	ID                  string        `db:"id"`
	MessageID           string        `db:"message_id"`
	AttachmentType      string        `db:"attachment_type"`
	AttachmentSignature string        `db:"attachment_signature"`
	AttachmentJSON      string        `db:"attachment_json"`
	ContentType         string        `db:"content_type"`
	Size                int64         `db:"size"`
	CiphertextSize      int64         `db:"ciphertext_size"`
	Source              string        `db:"source"`
	OriginalSource      string        `db:"original_source"`
	IsManualDownload    bool          `db:"is_manual_download"`
	ReceivedAt          int64         `db:"received_at"`
	SentAt              int64         `db:"sent_at"`
	Active              bool          `db:"active"`
	Attempts            int           `db:"attempts"`
	RetryAfter          sql.NullInt64 `db:"retry_after"`
	LastAttemptAt       sql.NullInt64 `db:"last_attempt_at"`
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func toJobRow(job worker.Job[domain.Job]) (jobRow, error) {
	p := job.Payload
	att, err := json.Marshal(p.Attachment)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode attachment: %w", err)
	}
	orig := p.OriginalSource
	if orig == "" {
		orig = p.Source
	}
	return jobRow{
		ID:                  p.ID(),
		MessageID:           p.MessageID,
		AttachmentType:      string(p.AttachmentType),
		AttachmentSignature: p.AttachmentSignature,
		AttachmentJSON:      string(att),
		ContentType:         p.ContentType,
		Size:                p.Size,
		CiphertextSize:      p.CiphertextSize,
		Source:              string(p.Source),
		OriginalSource:      string(orig),
		IsManualDownload:    p.IsManualDownload,
		ReceivedAt:          p.ReceivedAt.UnixMilli(),
		SentAt:              p.SentAt.UnixMilli(),
		Active:              job.Active,
		Attempts:            job.Attempts,
		RetryAfter:          toMillis(job.RetryAfter),
		LastAttemptAt:       toMillis(job.LastAttemptAt),
	}, nil
}

func (row jobRow) job() (worker.Job[domain.Job], error) {
	var att domain.Attachment
	if err := json.Unmarshal([]byte(row.AttachmentJSON), &att); err != nil {
		return worker.Job[domain.Job]{}, fmt.Errorf("decode attachment of %s: %w", row.ID, err)
	}
	return worker.Job[domain.Job]{
		Payload: domain.Job{
			MessageID:           row.MessageID,
			AttachmentType:      domain.AttachmentType(row.AttachmentType),
			AttachmentSignature: row.AttachmentSignature,
			Attachment:          att,
			ContentType:         row.ContentType,
			Size:                row.Size,
			CiphertextSize:      row.CiphertextSize,
			Source:              domain.Source(row.Source),
			OriginalSource:      domain.Source(row.OriginalSource),
			IsManualDownload:    row.IsManualDownload,
			ReceivedAt:          time.UnixMilli(row.ReceivedAt),
			SentAt:              time.UnixMilli(row.SentAt),
		},
		Active:        row.Active,
		Attempts:      row.Attempts,
		RetryAfter:    fromMillis(row.RetryAfter),
		LastAttemptAt: fromMillis(row.LastAttemptAt),
	}, nil
}

func rowsToJobs(rows []jobRow) ([]worker.Job[domain.Job], error) {
	jobs := make([]worker.Job[domain.Job], 0, len(rows))
	for _, row := range rows {
		job, err := row.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// SaveJob inserts or updates a job.
func (r *Repository) SaveJob(ctx context.Context, job worker.Job[domain.Job]) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, upsertJobSQL, row); err != nil {
		return fmt.Errorf("save job %s: %w", row.ID, err)
	}
	return nil
}

// SaveJobs writes jobs in one transaction. Any failing row rolls back the
// batch and every failure is reported.
func (r *Repository) SaveJobs(ctx context.Context, jobs []worker.Job[domain.Job]) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()

	stmt, err := tx.PrepareNamedContext(ctx, upsertJobSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var errs error
	for _, job := range jobs {
		row, convErr := toJobRow(job)
		if convErr != nil {
			errs = multierr.Append(errs, convErr)
			continue
		}
		if _, execErr := stmt.ExecContext(ctx, row); execErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("save job %s: %w", row.ID, execErr))
		}
	}
	if errs != nil {
		return errs
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// RemoveJob deletes a job.
func (r *Repository) RemoveJob(ctx context.Context, job worker.Job[domain.Job]) error {
	query, args, err := r.qb.Delete(jobsTable).Where(sq.Eq{"id": job.Payload.ID()}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove job %s: %w", job.Payload.ID(), err)
	}
	return nil
}

// RemoveJobs deletes inactive jobs whose payload matches pred.
func (r *Repository) RemoveJobs(ctx context.Context, pred func(domain.Job) bool) (int, error) {
	jobs, err := r.listJobs(ctx, sq.Eq{"active": false})
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, job := range jobs {
		if pred(job.Payload) {
			ids = append(ids, job.Payload.ID())
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := r.qb.Delete(jobsTable).
		Where(sq.Eq{"id": ids, "active": false}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("remove jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkAllJobsInactive resets jobs orphaned by a previous process.
func (r *Repository) MarkAllJobsInactive(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE attachment_downloads SET active = 0 WHERE active = 1`)
	return err
}

// GetJob returns the job with id.
func (r *Repository) GetJob(ctx context.Context, id string) (worker.Job[domain.Job], error) {
	jobs, err := r.listJobs(ctx, sq.Eq{"id": id})
	if err != nil {
		return worker.Job[domain.Job]{}, err
	}
	if len(jobs) == 0 {
		return worker.Job[domain.Job]{}, domain.ErrJobNotFound
	}
	return jobs[0], nil
}

// CountJobs returns the number of stored jobs.
func (r *Repository) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM attachment_downloads`)
	return n, err
}

func (r *Repository) listJobs(ctx context.Context, where sq.Sqlizer) ([]worker.Job[domain.Job], error) {
	query, args, err := r.qb.Select(jobColumns...).From(jobsTable).Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return rowsToJobs(rows)
}

// GetNextJobs returns up to q.Limit inactive jobs ready to run.
func (r *Repository) GetNextJobs(ctx context.Context, q domain.NextJobsQuery) ([]worker.Job[domain.Job], error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	now := q.Now.UnixMilli()

	var sources []string
	for _, s := range q.Sources {
		sources = append(sources, string(s))
	}

	var picked []jobRow
	if len(q.PrioritizeMessageIDs) > 0 {
		sel := r.qb.Select(jobColumns...).From(jobsTable).
			Where(sq.Eq{"active": false}).
			Where(sq.Or{
				sq.Eq{"last_attempt_at": nil},
				sq.LtOrEq{"last_attempt_at": now - prioritizedRetryWindow.Milliseconds()},
			}).
			Where(sq.Eq{"message_id": q.PrioritizeMessageIDs}).
			OrderBy("received_at ASC").
			Limit(uint64(q.Limit))
		if len(sources) > 0 {
			sel = sel.Where(sq.Eq{"source": sources})
		}
		rows, err := r.selectRows(ctx, sel)
		if err != nil {
			return nil, err
		}
		picked = rows
	}

	if remaining := q.Limit - len(picked); remaining > 0 {
		sel := r.qb.Select(jobColumns...).From(jobsTable).
			Where(sq.Eq{"active": false}).
			Where(sq.Or{
				sq.Eq{"retry_after": nil},
				sq.LtOrEq{"retry_after": now},
			}).
			OrderBy("received_at DESC").
			Limit(uint64(remaining))
		if len(sources) > 0 {
			sel = sel.Where(sq.Eq{"source": sources})
		}
		if len(picked) > 0 {
			ids := make([]string, len(picked))
			for i, row := range picked {
				ids[i] = row.ID
			}
			sel = sel.Where(sq.NotEq{"id": ids})
		}
		rows, err := r.selectRows(ctx, sel)
		if err != nil {
			return nil, err
		}
		picked = append(picked, rows...)
	}
	return rowsToJobs(picked)
}

func (r *Repository) selectRows(ctx context.Context, sel sq.SelectBuilder) ([]jobRow, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("next jobs: %w", err)
	}
	return rows, nil
}

// GetBackupProgress returns the byte counters of backup media jobs.
func (r *Repository) GetBackupProgress(ctx context.Context) (domain.BackupProgress, error) {
	var p domain.BackupProgress
	err := r.db.QueryRowxContext(ctx,
		`SELECT total_bytes, completed_bytes FROM attachment_downloads_backup_stats WHERE id = 0`,
	).Scan(&p.TotalBytes, &p.CompletedBytes)
	if err != nil {
		return p, fmt.Errorf("backup progress: %w", err)
	}
	return p, nil
}

// ResetBackupProgress zeroes the backup byte counters.
func (r *Repository) ResetBackupProgress(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE attachment_downloads_backup_stats SET total_bytes = 0, completed_bytes = 0 WHERE id = 0`)
	return err
}
