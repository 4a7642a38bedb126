// Package download schedules attachment downloads on top of the generic job
// engine: admission, size and disk-space gates, the thumbnail-first strategy
// and failure classification.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/metrics"
	"github.com/cwygoda/attachdl/internal/worker"
)

// JobStore is the persistence the manager needs.
type JobStore interface {
	MarkAllJobsInactive(ctx context.Context) error
	SaveJob(ctx context.Context, job worker.Job[domain.Job]) error
	SaveJobs(ctx context.Context, jobs []worker.Job[domain.Job]) error
	RemoveJob(ctx context.Context, job worker.Job[domain.Job]) error
	RemoveJobs(ctx context.Context, pred func(domain.Job) bool) (int, error)
	GetNextJobs(ctx context.Context, q domain.NextJobsQuery) ([]worker.Job[domain.Job], error)
	GetBackupProgress(ctx context.Context) (domain.BackupProgress, error)
	ResetBackupProgress(ctx context.Context) error
}

// Backfiller escalates permanently undownloadable attachments.
type Backfiller interface {
	IsEnabledForJob(typ domain.AttachmentType, msg *domain.Message) bool
	Request(ctx context.Context, msg *domain.Message) error
	HandleResponse(ctx context.Context, resp domain.BackfillResponse) error
}

// ThumbnailPolicy decides whether to fetch the backup thumbnail before the
// full attachment.
type ThumbnailPolicy func(job domain.Job, visible bool) bool

// PreferThumbnailWhenVisible fetches the thumbnail first for messages on screen.
func PreferThumbnailWhenVisible(_ domain.Job, visible bool) bool { return visible }

// Options tunes the manager.
type Options struct {
	MaxConcurrentJobs int
	TickInterval      time.Duration
	BatchWait         time.Duration
	BatchMaxSize      int

	MaxAttachmentSizeKiB     int64
	MaxTextAttachmentSizeKiB int64
	// MessageQueueTime is how long the transit tier keeps attachments.
	MessageQueueTime time.Duration
	// DiskPath is probed for free space before backup media downloads.
	DiskPath         string
	ProgressInterval time.Duration
	PreferThumbnail  ThumbnailPolicy
}

// Deps are the collaborators of the manager.
type Deps struct {
	Store      JobStore
	Messages   domain.MessageStore
	Downloader domain.Downloader
	Processor  domain.AttachmentProcessor
	Cleaner    domain.DownloadCleaner
	Lightbox   domain.LightboxState
	Disk       domain.DiskProbe
	Backfill   Backfiller

	HasMediaBackups func() bool
	// ShouldHoldOff pauses dispatch, e.g. during a call.
	ShouldHoldOff func() bool

	OnLowDiskSpace   func(bytesNeeded int64)
	OnBackupProgress func(domain.BackupProgress)
	OnDownloadFailed func(messageID string)

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager is the attachment download scheduler.
type Manager struct {
	opts   Options
	deps   Deps
	log    *zap.SugaredLogger
	engine *worker.Manager[domain.Job]

	visibleMu sync.RWMutex
	visible   map[string]struct{}

	backupPaused atomic.Bool
}

// New creates a manager. It does not start dispatching until Start.
func New(opts Options, deps Deps) *Manager {
	if opts.MaxAttachmentSizeKiB <= 0 {
		opts.MaxAttachmentSizeKiB = 100 * 1024
	}
	if opts.MaxTextAttachmentSizeKiB <= 0 {
		opts.MaxTextAttachmentSizeKiB = 5 * 1024
	}
	if opts.MessageQueueTime <= 0 {
		opts.MessageQueueTime = 45 * 24 * time.Hour
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 200 * time.Millisecond
	}
	if opts.PreferThumbnail == nil {
		opts.PreferThumbnail = PreferThumbnailWhenVisible
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.HasMediaBackups == nil {
		deps.HasMediaBackups = func() bool { return false }
	}

	m := &Manager{
		opts:    opts,
		deps:    deps,
		log:     deps.Logger.Named("attachment-downloads"),
		visible: make(map[string]struct{}),
	}
	m.engine = worker.New(worker.Params[domain.Job]{
		Name:                              "attachment-downloads",
		MarkAllJobsInactive:               deps.Store.MarkAllJobsInactive,
		SaveJob:                           deps.Store.SaveJob,
		SaveJobs:                          deps.Store.SaveJobs,
		RemoveJob:                         deps.Store.RemoveJob,
		RemoveJobs:                        deps.Store.RemoveJobs,
		GetNextJobs:                       m.getNextJobs,
		RunJob:                            m.runJob,
		ShouldHoldOffOnStartingQueuedJobs: deps.ShouldHoldOff,
		JobID:                             domain.Job.ID,
		JobIDForLogging:                   domain.Job.LogID,
		RetryConfig: func(job domain.Job) worker.RetryConfig {
			return RetryConfigFor(job, deps.HasMediaBackups())
		},
		MaxConcurrentJobs: opts.MaxConcurrentJobs,
		TickInterval:      opts.TickInterval,
		BatchWait:         opts.BatchWait,
		BatchMaxSize:      opts.BatchMaxSize,
		Logger:            deps.Logger,
		Metrics:           deps.Metrics,
		Now:               deps.Now,
	})
	return m
}

// Start resets orphaned jobs and begins dispatching.
func (m *Manager) Start(ctx context.Context) error {
	return m.engine.Start(ctx)
}

// Stop halts dispatch and waits for running jobs until ctx ends.
func (m *Manager) Stop(ctx context.Context) error {
	return m.engine.Stop(ctx)
}

// AddJob validates and queues a download. It returns the attachment as the
// caller should store it; the download itself happens later.
func (m *Manager) AddJob(ctx context.Context, nj domain.NewJob) (domain.Attachment, error) {
	att := nj.Attachment
	if nj.MessageID == "" || !nj.AttachmentType.Valid() {
		return att, fmt.Errorf("%w: message %q type %q", domain.ErrInvalidJob, nj.MessageID, nj.AttachmentType)
	}

	requested := nj.Source
	if requested == "" {
		requested = domain.SourceStandard
	}
	if !requested.Valid() {
		return att, fmt.Errorf("%w: source %q", domain.ErrInvalidJob, requested)
	}
	source := requested
	logID := fmt.Sprintf("addJob(%s.%s)", nj.SentAt.Format("20060102T150405.000"), nj.AttachmentType)

	if _, err := m.deps.Messages.GetMessage(ctx, nj.MessageID); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			m.log.Warnf("%s: message %s not found, not saving job", logID, nj.MessageID)
			return att, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, nj.MessageID)
		}
		return att, fmt.Errorf("load message %s: %w", nj.MessageID, err)
	}

	if source == domain.SourceBackupImportWithMedia && !att.HasRequiredInformationForBackup() {
		source = domain.SourceBackupImportNoMedia
	}

	if source == domain.SourceBackupImportNoMedia {
		if att.Error {
			m.log.Debugf("%s: attachment already errored, skipping", logID)
			return att, nil
		}
		uploadedAt := att.UploadedAt
		if uploadedAt.IsZero() {
			uploadedAt = nj.SentAt
		}
		if m.deps.Now().Sub(uploadedAt) > 2*m.opts.MessageQueueTime {
			m.log.Debugf("%s: too old to still be on the transit tier, skipping", logID)
			return att, nil
		}
	}

	tier := domain.TierStandard
	if source == domain.SourceBackupImportWithMedia {
		tier = domain.TierBackup
	}

	job := domain.Job{
		MessageID:           nj.MessageID,
		AttachmentType:      nj.AttachmentType,
		AttachmentSignature: att.Signature(),
		Attachment:          att,
		ContentType:         att.ContentType,
		Size:                att.Size,
		CiphertextSize:      domain.CiphertextSize(att.Size, tier),
		Source:              source,
		OriginalSource:      requested,
		IsManualDownload:    nj.IsManualDownload,
		ReceivedAt:          nj.ReceivedAt,
		SentAt:              nj.SentAt,
	}

	err := m.engine.AddJob(ctx, job, worker.AddOptions{ForceStart: nj.Urgency == domain.UrgencyImmediate})
	if err != nil {
		return att, err
	}
	return att, nil
}

// UpdateVisibleTimelineMessages replaces the set of on-screen messages whose
// jobs are dispatched first.
func (m *Manager) UpdateVisibleTimelineMessages(ids []string) {
	visible := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		visible[id] = struct{}{}
	}
	m.visibleMu.Lock()
	m.visible = visible
	m.visibleMu.Unlock()
	m.engine.Wake()
}

func (m *Manager) isVisible(messageID string) bool {
	m.visibleMu.RLock()
	defer m.visibleMu.RUnlock()
	_, ok := m.visible[messageID]
	return ok
}

func (m *Manager) visibleIDs() []string {
	m.visibleMu.RLock()
	defer m.visibleMu.RUnlock()
	ids := make([]string, 0, len(m.visible))
	for id := range m.visible {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) getNextJobs(ctx context.Context, limit int, now time.Time) ([]worker.Job[domain.Job], error) {
	q := domain.NextJobsQuery{
		Limit:                limit,
		PrioritizeMessageIDs: m.visibleIDs(),
		Now:                  now,
	}
	if m.backupPaused.Load() {
		q.Sources = []domain.Source{domain.SourceStandard, domain.SourceBackfill}
	}
	return m.deps.Store.GetNextJobs(ctx, q)
}

// CancelJobs cancels running and removes queued jobs matching pred.
func (m *Manager) CancelJobs(ctx context.Context, reason domain.CancelReason, pred func(domain.Job) bool) (int, error) {
	return m.engine.CancelJobs(ctx, reason, pred)
}

// WaitForIdle blocks until the queue is drained, then reconciles backup
// progress and calls callback if set.
func (m *Manager) WaitForIdle(ctx context.Context, callback func()) error {
	if err := m.engine.WaitForIdle(ctx); err != nil {
		return err
	}
	m.updateBackupProgress(ctx)
	if callback != nil {
		callback()
	}
	return nil
}

// BackupProgress returns the current backup media counters.
func (m *Manager) BackupProgress(ctx context.Context) (domain.BackupProgress, error) {
	return m.deps.Store.GetBackupProgress(ctx)
}

func (m *Manager) updateBackupProgress(ctx context.Context) {
	progress, err := m.deps.Store.GetBackupProgress(ctx)
	if err != nil {
		m.log.Errorf("backup progress: %v", err)
		return
	}
	if progress.TotalBytes > 0 && progress.Remaining() == 0 {
		if err := m.deps.Store.ResetBackupProgress(ctx); err != nil {
			m.log.Errorf("reset backup progress: %v", err)
		}
	}
	if m.deps.OnBackupProgress != nil {
		m.deps.OnBackupProgress(progress)
	}
}

// IsBackupMediaPaused reports whether backup media downloads are paused for
// disk space.
func (m *Manager) IsBackupMediaPaused() bool {
	return m.backupPaused.Load()
}

// ResumeBackupMediaDownloads clears the disk-space pause.
func (m *Manager) ResumeBackupMediaDownloads() {
	if m.backupPaused.CompareAndSwap(true, false) {
		m.log.Info("resuming backup media downloads")
		m.engine.Wake()
	}
}

// RequestBackfill asks the sender's devices to resend msg's attachments.
func (m *Manager) RequestBackfill(ctx context.Context, msg *domain.Message) error {
	return m.deps.Backfill.Request(ctx, msg)
}

// HandleBackfillResponse applies a backfill response.
func (m *Manager) HandleBackfillResponse(ctx context.Context, resp domain.BackfillResponse) error {
	return m.deps.Backfill.HandleResponse(ctx, resp)
}

// ActiveJobs returns the number of running downloads.
func (m *Manager) ActiveJobs() int {
	return m.engine.ActiveCount()
}
