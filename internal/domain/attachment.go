package domain

import (
	"strings"
	"time"
)

// AttachmentType identifies where on a message an attachment lives.
type AttachmentType string

const (
	TypeLongMessage    AttachmentType = "long-message"
	TypeAttachment     AttachmentType = "attachment"
	TypePreview        AttachmentType = "preview"
	TypeAvatar         AttachmentType = "avatar"
	TypeSticker        AttachmentType = "sticker"
	TypeQuoteThumbnail AttachmentType = "quote-thumbnail"
	TypeContactAvatar  AttachmentType = "contact-avatar"
)

// Valid reports whether t is a known attachment type.
func (t AttachmentType) Valid() bool {
	switch t {
	case TypeLongMessage, TypeAttachment, TypePreview, TypeAvatar,
		TypeSticker, TypeQuoteThumbnail, TypeContactAvatar:
		return true
	}
	return false
}

// Variant is the rendition of an attachment being fetched.
type Variant string

const (
	VariantDefault             Variant = "default"
	VariantThumbnailFromBackup Variant = "thumbnail-from-backup"
)

// MediaTier is where the ciphertext of an attachment lives.
type MediaTier string

const (
	TierStandard MediaTier = "standard"
	TierBackup   MediaTier = "backup"
)

// Thumbnail is a small rendition fetched from the backup tier.
type Thumbnail struct {
	ContentType string `json:"contentType"`
	Path        string `json:"path,omitempty"`
	Size        int64  `json:"size"`
}

// Attachment is the subset of attachment metadata the scheduler reads and writes.
type Attachment struct {
	Size          int64     `json:"size"`
	ContentType   string    `json:"contentType"`
	Digest        string    `json:"digest,omitempty"`
	PlaintextHash string    `json:"plaintextHash,omitempty"`
	Key           string    `json:"key,omitempty"`
	CDNKey        string    `json:"cdnKey,omitempty"`
	UploadedAt    time.Time `json:"uploadedAt,omitzero"`

	// DownloadPath is a temporary side-car file produced by a streamed download.
	DownloadPath string `json:"downloadPath,omitempty"`
	// Path is set once the attachment is fully downloaded.
	Path string `json:"path,omitempty"`

	Pending         bool  `json:"pending,omitempty"`
	Error           bool  `json:"error,omitempty"`
	WasTooBig       bool  `json:"wasTooBig,omitempty"`
	BackfillError   bool  `json:"backfillError,omitempty"`
	TotalDownloaded int64 `json:"totalDownloaded,omitempty"`

	ThumbnailFromBackup *Thumbnail `json:"thumbnailFromBackup,omitempty"`

	IncrementalMac string `json:"incrementalMac,omitempty"`
	ChunkSize      int    `json:"chunkSize,omitempty"`

	LocalBackupPath string `json:"localBackupPath,omitempty"`
	LocalKey        string `json:"localKey,omitempty"`
}

// Signature is the content-derived key of an attachment that has not been
// downloaded yet. It is stable across re-adds of the same attachment.
func (a Attachment) Signature() string {
	return a.Digest + "." + a.PlaintextHash
}

// Matches reports whether other refers to the same attachment content.
func (a Attachment) Matches(other Attachment) bool {
	if a.Digest != "" && a.Digest == other.Digest {
		return true
	}
	if a.PlaintextHash != "" && a.PlaintextHash == other.PlaintextHash {
		return true
	}
	return false
}

// IsDownloaded reports whether the full attachment is available locally.
func (a Attachment) IsDownloaded() bool {
	return a.Path != ""
}

// IsIncremental reports whether the attachment supports streamed playback.
func (a Attachment) IsIncremental() bool {
	return a.IncrementalMac != "" && a.ChunkSize > 0
}

// HasRequiredInformationForBackup reports whether the attachment can be
// located on the backup media tier.
func (a Attachment) HasRequiredInformationForBackup() bool {
	return a.Key != "" && a.PlaintextHash != ""
}

// WasImportedFromLocalBackup reports whether the attachment came from an
// on-disk backup rather than the remote backup tier.
func (a Attachment) WasImportedFromLocalBackup() bool {
	return a.HasRequiredInformationForBackup() && a.LocalBackupPath != "" && a.LocalKey != ""
}

// CanHaveThumbnail reports whether the backup tier generates thumbnails for
// this content type.
func (a Attachment) CanHaveThumbnail() bool {
	return strings.HasPrefix(a.ContentType, "image/") || strings.HasPrefix(a.ContentType, "video/")
}

// ShouldEndUpInRemoteBackup reports whether the attachment is expected to be
// retrievable from the backup tier.
func (a Attachment) ShouldEndUpInRemoteBackup(hasMediaBackups bool) bool {
	return hasMediaBackups && a.HasRequiredInformationForBackup()
}

// HasRequiredInformationToDownloadFromTransitTier reports whether the
// transit tier can serve the attachment with an integrity check.
func (a Attachment) HasRequiredInformationToDownloadFromTransitTier() bool {
	if a.Digest == "" && a.PlaintextHash == "" {
		return false
	}
	return a.CDNKey != "" && a.Key != ""
}

// IsDownloadable reports whether any tier is expected to serve the attachment.
func (a Attachment) IsDownloadable(hasMediaBackups bool) bool {
	return a.HasRequiredInformationToDownloadFromTransitTier() || a.ShouldEndUpInRemoteBackup(hasMediaBackups)
}

// IsPermanentlyUndownloadableWithoutBackfill reports whether a previous
// attempt already gave up on the attachment and only a resend can help.
func (a Attachment) IsPermanentlyUndownloadableWithoutBackfill(hasMediaBackups bool) bool {
	if a.IsDownloadable(hasMediaBackups) || !a.Error {
		return false
	}
	return true
}

// MarkPermanentlyErrored returns a copy flagged as never downloadable.
func (a Attachment) MarkPermanentlyErrored(backfillError bool) Attachment {
	a.Pending = false
	a.Error = true
	a.CDNKey = ""
	a.Key = ""
	a.BackfillError = backfillError
	return a
}

// MarkTooBig returns a copy flagged as exceeding the size ceiling.
func (a Attachment) MarkTooBig() Attachment {
	a = a.MarkPermanentlyErrored(false)
	a.WasTooBig = true
	return a
}

// MarkTransientlyErrored returns a copy the user may retry manually.
func (a Attachment) MarkTransientlyErrored() Attachment {
	a.Pending = false
	a.Error = true
	return a
}

// WithoutIncrementalMac returns a copy that no longer supports streamed
// playback, so the next attempt downloads the whole file.
func (a Attachment) WithoutIncrementalMac() Attachment {
	a.Pending = false
	a.IncrementalMac = ""
	a.ChunkSize = 0
	return a
}
