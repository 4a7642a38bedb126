package domain

import "time"

// Source classifies why a download job exists. It drives retry policy and
// disk-space backpressure.
type Source string

const (
	SourceStandard              Source = "standard"
	SourceBackfill              Source = "backfill"
	SourceBackupImportWithMedia Source = "backup_import"
	SourceBackupImportNoMedia   Source = "backup_import_no_media"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceStandard, SourceBackfill, SourceBackupImportWithMedia, SourceBackupImportNoMedia:
		return true
	}
	return false
}

// IsBackupImport reports whether the job was created by a backup import.
func (s Source) IsBackupImport() bool {
	return s == SourceBackupImportWithMedia || s == SourceBackupImportNoMedia
}

// Urgency controls whether a new job waits for the next scheduling pass.
type Urgency string

const (
	UrgencyStandard  Urgency = "standard"
	UrgencyImmediate Urgency = "immediate"
)

// Job is the persisted description of one attachment download.
type Job struct {
	MessageID           string
	AttachmentType      AttachmentType
	AttachmentSignature string
	Attachment          Attachment

	ContentType string
	Size        int64
	// CiphertextSize is the expected transfer size, used only for backup
	// progress accounting.
	CiphertextSize int64

	Source         Source
	OriginalSource Source

	IsManualDownload bool
	ReceivedAt       time.Time
	SentAt           time.Time
}

// JobID returns the deterministic identity of a job.
func JobID(messageID string, typ AttachmentType, signature string) string {
	return messageID + "." + string(typ) + "." + signature
}

// ID returns the deterministic identity of the job.
func (j Job) ID() string {
	return JobID(j.MessageID, j.AttachmentType, j.AttachmentSignature)
}

// LogID identifies the job in logs without leaking the full signature.
func (j Job) LogID() string {
	sig := j.AttachmentSignature
	if len(sig) > 8 {
		sig = "[REDACTED]" + sig[len(sig)-3:]
	}
	return j.SentAt.Format("20060102T150405.000") + "." + string(j.AttachmentType) + "." + sig
}

// NewJob is a request to download one attachment of a message.
type NewJob struct {
	MessageID        string
	AttachmentType   AttachmentType
	Attachment       Attachment
	Source           Source
	Urgency          Urgency
	IsManualDownload bool
	ReceivedAt       time.Time
	SentAt           time.Time
}

// NextJobsQuery selects jobs eligible to run.
type NextJobsQuery struct {
	Limit int
	// PrioritizeMessageIDs are fetched first, oldest first, ignoring backoff
	// once their last attempt is an hour old.
	PrioritizeMessageIDs []string
	// Sources restricts the result when non-empty.
	Sources []Source
	Now     time.Time
}
