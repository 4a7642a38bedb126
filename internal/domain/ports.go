package domain

import (
	"context"
	"time"
)

// DownloadOptions tunes a single fetch.
type DownloadOptions struct {
	Variant         Variant
	HasMediaBackups bool
	LogID           string
	// OnSizeUpdate receives the running count of bytes written so far.
	OnSizeUpdate func(total int64)
}

// Downloaded is the result of a successful fetch.
type Downloaded struct {
	Path          string
	Size          int64
	ContentType   string
	PlaintextHash string
	// DownloadPath is a side-car file the caller is responsible for removing.
	DownloadPath string
}

// Downloader is the driven port for fetching attachment bytes. It returns
// ErrPermanentlyUndownloadable, ErrIncrementalMacMismatch, *HTTPError or
// context errors.
type Downloader interface {
	DownloadAttachment(ctx context.Context, att Attachment, opts DownloadOptions) (*Downloaded, error)
}

// AddAttachmentOptions identifies the attachment slot to merge into.
type AddAttachmentOptions struct {
	Type  AttachmentType
	LogID string
}

// MessageStore is the driven port for the message cache.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error
	// AddAttachmentToMessage merges att into the attachment it matches.
	AddAttachmentToMessage(ctx context.Context, messageID string, att Attachment, opts AddAttachmentOptions) error
	// SaveMessage flushes the cached copy to durable storage.
	SaveMessage(ctx context.Context, id string) error
}

// DiskUsage is a filesystem capacity snapshot.
type DiskUsage struct {
	BlockSize       int64
	AvailableBlocks uint64
}

// Free returns the free space in bytes.
func (u DiskUsage) Free() int64 {
	return u.BlockSize * int64(u.AvailableBlocks)
}

// DiskProbe reports free space for a path.
type DiskProbe interface {
	Statfs(path string) (DiskUsage, error)
}

// AttachmentProcessor moves a finished download into permanent storage and
// returns the stored attachment.
type AttachmentProcessor interface {
	ProcessNewAttachment(ctx context.Context, att Attachment, dl *Downloaded) (Attachment, error)
}

// DownloadCleaner removes temporary side-car files.
type DownloadCleaner interface {
	Delete(path string) error
	// Defer queues path for removal once nothing references it.
	Defer(path string)
}

// LightboxState reports whether an attachment is currently shown full-screen.
type LightboxState interface {
	IsShowing(messageID, digest string) bool
}

// BackfillRequest asks the sender's other devices to resend a message's
// attachments.
type BackfillRequest struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SentAt         time.Time `json:"sentAt"`
}

// BackfillItemStatus is the state of one attachment in a backfill response.
type BackfillItemStatus string

const (
	BackfillReady         BackfillItemStatus = "ready"
	BackfillPending       BackfillItemStatus = "pending"
	BackfillTerminalError BackfillItemStatus = "terminal_error"
)

// BackfillItem is one attachment in a backfill response.
type BackfillItem struct {
	Type       AttachmentType     `json:"type"`
	Index      int                `json:"index"`
	Status     BackfillItemStatus `json:"status"`
	Attachment *Attachment        `json:"attachment,omitempty"`
}

// BackfillResponse answers a BackfillRequest.
type BackfillResponse struct {
	MessageID string         `json:"messageId"`
	NotFound  bool           `json:"notFound,omitempty"`
	Items     []BackfillItem `json:"items,omitempty"`
}

// BackfillSender is the driven port for the backfill transport.
type BackfillSender interface {
	SendBackfillRequest(ctx context.Context, req BackfillRequest) error
}

// BackfillFailure describes why a backfill did not produce an attachment.
type BackfillFailure string

const (
	BackfillFailureNotFound BackfillFailure = "not-found"
	BackfillFailureTimeout  BackfillFailure = "timeout"
	BackfillFailureError    BackfillFailure = "error"
)

// BackupProgress tracks bytes of backup-import-with-media jobs.
type BackupProgress struct {
	TotalBytes     int64 `json:"totalBytes"`
	CompletedBytes int64 `json:"completedBytes"`
}

// Remaining returns bytes not yet downloaded.
func (p BackupProgress) Remaining() int64 {
	if p.CompletedBytes >= p.TotalBytes {
		return 0
	}
	return p.TotalBytes - p.CompletedBytes
}
