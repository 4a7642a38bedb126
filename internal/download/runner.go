package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/worker"
)

const kib = 1024

// lowDiskMultiple is how many maximum-size attachments must fit on disk
// before a backup media download starts.
const lowDiskMultiple = 5

func (m *Manager) minimumFreeDiskSpace() int64 {
	return lowDiskMultiple * m.opts.MaxAttachmentSizeKiB * kib
}

// outOfDiskSpace checks free space for backup media imports. The first
// failing check pauses backup media downloads and notifies the caller.
func (m *Manager) outOfDiskSpace(ctx context.Context) bool {
	if m.deps.Disk == nil {
		return false
	}
	usage, err := m.deps.Disk.Statfs(m.opts.DiskPath)
	if err != nil {
		m.log.Errorf("checking disk space: %v", err)
		return false
	}
	free := usage.Free()
	if free > m.minimumFreeDiskSpace() {
		return false
	}

	if m.backupPaused.CompareAndSwap(false, true) {
		var remaining int64
		if progress, err := m.deps.Store.GetBackupProgress(ctx); err == nil {
			remaining = progress.Remaining()
		} else {
			m.log.Errorf("backup progress: %v", err)
		}
		m.log.Infof("insufficient disk space for backup media: available %s, needed %s, minimum %s",
			humanize.IBytes(uint64(free)), humanize.IBytes(uint64(remaining)),
			humanize.IBytes(uint64(m.minimumFreeDiskSpace())))
		m.deps.Metrics.LowDiskPause()
		if m.deps.OnLowDiskSpace != nil {
			m.deps.OnLowDiskSpace(remaining)
		}
	}
	return true
}

// cancelReason reports why CancelJobs stopped the attempt, if it did.
func cancelReason(ctx context.Context) (domain.CancelReason, bool) {
	if ctx.Err() == nil {
		return "", false
	}
	var reason domain.CancelReason
	ok := errors.As(context.Cause(ctx), &reason)
	return reason, ok
}

func (m *Manager) runJob(ctx context.Context, wj worker.Job[domain.Job], opts worker.RunOptions) worker.Result[domain.Job] {
	job := wj.Payload
	logID := job.LogID()

	if job.Source == domain.SourceBackupImportWithMedia && m.outOfDiskSpace(ctx) {
		return worker.Result[domain.Job]{Status: worker.Paused}
	}

	msg, err := m.deps.Messages.GetMessage(ctx, job.MessageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		m.log.Infof("job %s: message not found, dropping job", logID)
		return worker.Result[domain.Job]{Status: worker.Finished}
	}
	if err != nil {
		m.log.Errorf("job %s: load message, attempt %d: %v", logID, opts.Attempt, err)
		if opts.IsLastAttempt {
			// Nothing to mark without the message.
			return worker.Result[domain.Job]{Status: worker.Finished}
		}
		return worker.Result[domain.Job]{Status: worker.Retry}
	}

	defer func() {
		// The message may have been deleted meanwhile; that failure is expected.
		if err := m.deps.Messages.SaveMessage(context.WithoutCancel(ctx), msg.ID); err != nil {
			m.log.Warnf("job %s: save message: %v", logID, err)
		}
	}()

	res, err := m.download(ctx, job, msg, opts)
	if err == nil {
		return res
	}
	return m.classify(ctx, job, msg, opts, err)
}

// classify maps a download failure to a job outcome.
func (m *Manager) classify(ctx context.Context, job domain.Job, msg *domain.Message, opts worker.RunOptions, err error) worker.Result[domain.Job] {
	logID := job.LogID()
	finished := worker.Result[domain.Job]{Status: worker.Finished}
	// Message updates must land even when the job context is cancelled.
	saveCtx := context.WithoutCancel(ctx)

	reason, cancelled := cancelReason(ctx)
	switch {
	case cancelled:
		m.log.Infof("job %s: attempt %d cancelled (%s), not retrying", logID, opts.Attempt, reason)
		att := job.Attachment
		att.Pending = false
		m.addToMessage(saveCtx, job, att)
		m.deps.Metrics.DownloadFailed("cancelled")
		return finished

	case errors.Is(context.Cause(ctx), worker.ErrStopped):
		m.log.Infof("job %s: interrupted by shutdown", logID)
		att := job.Attachment
		att.Pending = false
		m.addToMessage(saveCtx, job, att)
		return worker.Result[domain.Job]{Status: worker.Paused}

	case errors.Is(err, domain.ErrAttachmentTooBig):
		m.log.Infof("job %s: %v", logID, err)
		m.addToMessage(saveCtx, job, job.Attachment.MarkTooBig())
		m.deps.Metrics.DownloadFailed("too_big")
		return finished

	case errors.Is(err, domain.ErrIncrementalMacMismatch):
		m.deps.Metrics.DownloadFailed("incremental_mac")
		if opts.IsLastAttempt {
			m.log.Warnf("job %s: incremental mac verification failed on last attempt %d", logID, opts.Attempt)
			m.addToMessage(saveCtx, job, job.Attachment.WithoutIncrementalMac().MarkTransientlyErrored())
			return finished
		}
		m.log.Warnf("job %s: incremental mac verification failed, dropping incremental mac", logID)
		updated := job
		updated.Attachment = job.Attachment.WithoutIncrementalMac()
		m.addToMessage(saveCtx, job, updated.Attachment)
		return worker.Result[domain.Job]{Status: worker.Retry, UpdatedJob: &updated}

	case errors.Is(err, domain.ErrPermanentlyUndownloadable):
		m.deps.Metrics.DownloadFailed("permanent")
		canBackfill := job.IsManualDownload && m.backfillEnabled(job.AttachmentType, msg)
		if job.Source != domain.SourceBackfill && canBackfill {
			m.log.Infof("job %s: permanently undownloadable, requesting backfill", logID)
			if err := m.deps.Backfill.Request(saveCtx, msg); err != nil {
				m.log.Errorf("job %s: request backfill: %v", logID, err)
			}
			return finished
		}
		m.log.Infof("job %s: permanently undownloadable", logID)
		m.addToMessage(saveCtx, job, job.Attachment.MarkPermanentlyErrored(false))
		return finished
	}

	var httpErr *domain.HTTPError
	if errors.As(err, &httpErr) {
		m.log.Infof("job %s: failed to fetch attachment, attempt %d: %v", logID, opts.Attempt, err)
	} else {
		m.log.Warnf("job %s: failed to fetch attachment, attempt %d: %v", logID, opts.Attempt, err)
	}
	m.deps.Metrics.DownloadFailed("transient")

	if opts.IsLastAttempt {
		m.addToMessage(saveCtx, job, job.Attachment.MarkTransientlyErrored())
		return finished
	}

	att := job.Attachment
	att.Pending = false
	m.addToMessage(saveCtx, job, att)
	return worker.Result[domain.Job]{Status: worker.Retry}
}

func (m *Manager) backfillEnabled(typ domain.AttachmentType, msg *domain.Message) bool {
	return m.deps.Backfill != nil && m.deps.Backfill.IsEnabledForJob(typ, msg)
}

func (m *Manager) addToMessage(ctx context.Context, job domain.Job, att domain.Attachment) {
	err := m.deps.Messages.AddAttachmentToMessage(ctx, job.MessageID, att, domain.AddAttachmentOptions{
		Type:  job.AttachmentType,
		LogID: job.LogID(),
	})
	if err != nil {
		m.log.Warnf("job %s: update message: %v", job.LogID(), err)
	}
}

func (m *Manager) sizeLimit(typ domain.AttachmentType) int64 {
	if typ == domain.TypeLongMessage {
		return min(m.opts.MaxTextAttachmentSizeKiB, m.opts.MaxAttachmentSizeKiB) * kib
	}
	return m.opts.MaxAttachmentSizeKiB * kib
}

// download runs one attempt. A nil error means res is final; otherwise the
// error is classified by the caller.
func (m *Manager) download(ctx context.Context, job domain.Job, msg *domain.Message, opts worker.RunOptions) (worker.Result[domain.Job], error) {
	att := job.Attachment
	logID := job.LogID()
	hasMediaBackups := m.deps.HasMediaBackups()

	if limit := m.sizeLimit(job.AttachmentType); att.Size < 0 || att.Size > limit {
		return worker.Result[domain.Job]{}, fmt.Errorf("%w: %s is %s, max %s", domain.ErrAttachmentTooBig,
			job.AttachmentType, humanize.IBytes(uint64(max(att.Size, 0))), humanize.IBytes(uint64(limit)))
	}

	mightHaveThumbnail := att.ThumbnailFromBackup == nil &&
		att.ShouldEndUpInRemoteBackup(hasMediaBackups) &&
		att.CanHaveThumbnail() &&
		!att.WasImportedFromLocalBackup()
	thumbnailFirst := mightHaveThumbnail && m.opts.PreferThumbnail(job, m.isVisible(job.MessageID))

	var withThumbnail *domain.Attachment
	if thumbnailFirst {
		thumb, err := m.downloadThumbnail(ctx, att, logID)
		switch {
		case err == nil:
			withThumbnail = &thumb
			att = thumb
			m.addToMessage(ctx, job, thumb)
		case ctx.Err() != nil:
			return worker.Result[domain.Job]{}, err
		default:
			m.log.Warnf("job %s: thumbnail download failed: %v", logID, err)
		}
	}

	pending := att
	pending.Pending = true
	m.addToMessage(ctx, job, pending)

	if job.Source != domain.SourceBackfill && att.IsPermanentlyUndownloadableWithoutBackfill(hasMediaBackups) {
		return worker.Result[domain.Job]{}, fmt.Errorf("%w: not downloadable without backfill", domain.ErrPermanentlyUndownloadable)
	}

	progress := newThrottle(m.opts.ProgressInterval, m.deps.Now, func(total int64) {
		if ctx.Err() != nil {
			return
		}
		p := pending
		p.TotalDownloaded = min(total, att.Size)
		m.addToMessage(ctx, job, p)
	})
	dl, err := m.deps.Downloader.DownloadAttachment(ctx, att, domain.DownloadOptions{
		Variant:         domain.VariantDefault,
		HasMediaBackups: hasMediaBackups,
		LogID:           logID,
		OnSizeUpdate:    progress.Update,
	})
	progress.Stop()
	if err == nil {
		err = m.finishDownload(ctx, job, att, dl)
	}
	if err == nil {
		return worker.Result[domain.Job]{Status: worker.Finished}, nil
	}

	if errors.Is(err, domain.ErrIncrementalMacMismatch) || ctx.Err() != nil {
		return worker.Result[domain.Job]{}, err
	}

	if mightHaveThumbnail && !thumbnailFirst {
		m.log.Warnf("job %s: full download failed, falling back to backup thumbnail: %v", logID, err)
		thumb, terr := m.downloadThumbnail(ctx, att, logID)
		if terr == nil {
			thumb.Pending = false
			withThumbnail = &thumb
			m.addToMessage(ctx, job, thumb)
		} else {
			m.log.Warnf("job %s: thumbnail fallback failed: %v", logID, terr)
		}
	}

	if withThumbnail != nil && !opts.IsLastAttempt {
		updated := job
		updated.Attachment = *withThumbnail
		updated.Attachment.Pending = false
		m.log.Infof("job %s: kept backup thumbnail, full download will be retried", logID)
		return worker.Result[domain.Job]{Status: worker.Retry, UpdatedJob: &updated}, nil
	}

	if job.IsManualDownload && (job.Source == domain.SourceBackfill || !m.backfillEnabled(job.AttachmentType, msg)) {
		if m.deps.OnDownloadFailed != nil {
			m.deps.OnDownloadFailed(job.MessageID)
		}
	}
	return worker.Result[domain.Job]{}, err
}

func (m *Manager) downloadThumbnail(ctx context.Context, att domain.Attachment, logID string) (domain.Attachment, error) {
	dl, err := m.deps.Downloader.DownloadAttachment(ctx, att, domain.DownloadOptions{
		Variant:         domain.VariantThumbnailFromBackup,
		HasMediaBackups: true,
		LogID:           logID,
		OnSizeUpdate:    func(int64) {},
	})
	if err != nil {
		return att, err
	}
	if dl.Size <= 0 {
		return att, fmt.Errorf("thumbnail for %s has no size", logID)
	}
	contentType := dl.ContentType
	if contentType == "" {
		contentType = "image/webp"
	}
	att.ThumbnailFromBackup = &domain.Thumbnail{
		ContentType: contentType,
		Path:        dl.Path,
		Size:        dl.Size,
	}
	m.deps.Metrics.Downloaded(string(domain.VariantThumbnailFromBackup), dl.Size)
	return att, nil
}

// finishDownload moves a completed download into place and records it on
// the message.
func (m *Manager) finishDownload(ctx context.Context, job domain.Job, att domain.Attachment, dl *domain.Downloaded) error {
	base := att
	base.Error = false
	base.Pending = false

	stored, err := m.deps.Processor.ProcessNewAttachment(ctx, base, dl)
	if err != nil {
		return fmt.Errorf("process attachment: %w", err)
	}

	if path := dl.DownloadPath; path != "" {
		if m.deps.Lightbox != nil && m.deps.Lightbox.IsShowing(job.MessageID, att.Digest) {
			m.deps.Cleaner.Defer(path)
		} else {
			if err := m.deps.Cleaner.Delete(path); err != nil {
				m.log.Warnf("job %s: delete download file: %v", job.LogID(), err)
			}
			stored.DownloadPath = ""
		}
	}
	stored.TotalDownloaded = 0

	m.addToMessage(ctx, job, stored)
	m.deps.Metrics.Downloaded(string(domain.VariantDefault), dl.Size)
	return nil
}
