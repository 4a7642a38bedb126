package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestJob_ID(t *testing.T) {
	job := Job{
		MessageID:           "msg-1",
		AttachmentType:      TypeAttachment,
		AttachmentSignature: Attachment{Digest: "d", PlaintextHash: "p"}.Signature(),
	}
	if got, want := job.ID(), "msg-1.attachment.d.p"; got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}
	if job.ID() != JobID("msg-1", TypeAttachment, "d.p") {
		t.Error("ID() differs from JobID()")
	}
}

func TestJob_LogIDRedactsSignature(t *testing.T) {
	job := Job{
		AttachmentType:      TypeSticker,
		AttachmentSignature: "abcdefghijkl.xyz",
		SentAt:              time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	want := "20240102T030405.000.sticker.[REDACTED]xyz"
	if got := job.LogID(); got != want {
		t.Errorf("LogID() = %q, want %q", got, want)
	}
}

func TestSource_Values(t *testing.T) {
	// Stored verbatim in the jobs table.
	tests := map[Source]string{
		SourceStandard:              "standard",
		SourceBackfill:              "backfill",
		SourceBackupImportWithMedia: "backup_import",
		SourceBackupImportNoMedia:   "backup_import_no_media",
	}
	for src, want := range tests {
		if string(src) != want {
			t.Errorf("source = %q, want %q", src, want)
		}
		if !src.Valid() {
			t.Errorf("%q.Valid() = false", src)
		}
	}
	if Source("bogus").Valid() {
		t.Error("bogus source reported valid")
	}
	if SourceStandard.IsBackupImport() || !SourceBackupImportNoMedia.IsBackupImport() {
		t.Error("IsBackupImport misclassified")
	}
}

func TestAttachment_Predicates(t *testing.T) {
	full := Attachment{
		ContentType:   "image/jpeg",
		Digest:        "dig",
		PlaintextHash: "hash",
		Key:           "key",
		CDNKey:        "cdn",
	}

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"full backup info", full.HasRequiredInformationForBackup(), true},
		{"missing plaintext hash", Attachment{Key: "k"}.HasRequiredInformationForBackup(), false},
		{"image can have thumbnail", full.CanHaveThumbnail(), true},
		{"audio cannot have thumbnail", Attachment{ContentType: "audio/aac"}.CanHaveThumbnail(), false},
		{"remote backup without media backups", full.ShouldEndUpInRemoteBackup(false), false},
		{"remote backup with media backups", full.ShouldEndUpInRemoteBackup(true), true},
		{"transit tier downloadable", full.HasRequiredInformationToDownloadFromTransitTier(), true},
		{"no cdn key", Attachment{Key: "k", Digest: "d"}.HasRequiredInformationToDownloadFromTransitTier(), false},
		{"local backup", Attachment{Key: "k", PlaintextHash: "p", LocalBackupPath: "/b", LocalKey: "lk"}.WasImportedFromLocalBackup(), true},
		{"incremental", Attachment{IncrementalMac: "m", ChunkSize: 10}.IsIncremental(), true},
		{"not downloaded", full.IsDownloaded(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestAttachment_PermanentlyUndownloadable(t *testing.T) {
	att := Attachment{Digest: "d", Key: "k", CDNKey: "c", Pending: true}
	if att.IsPermanentlyUndownloadableWithoutBackfill(false) {
		t.Fatal("fresh attachment reported undownloadable")
	}

	errored := att.MarkPermanentlyErrored(true)
	if errored.Pending || !errored.Error || !errored.BackfillError {
		t.Errorf("flags = pending:%v error:%v backfill:%v", errored.Pending, errored.Error, errored.BackfillError)
	}
	if errored.Key != "" || errored.CDNKey != "" {
		t.Error("locators not cleared")
	}
	if !errored.Matches(att) {
		t.Error("errored copy no longer matches the original")
	}
	if !errored.IsPermanentlyUndownloadableWithoutBackfill(false) {
		t.Error("errored attachment still downloadable")
	}

	tooBig := att.MarkTooBig()
	if !tooBig.WasTooBig || !tooBig.Error || tooBig.BackfillError {
		t.Errorf("MarkTooBig() = %+v", tooBig)
	}
}

func TestAttachment_TransientAndIncremental(t *testing.T) {
	att := Attachment{Key: "k", Pending: true, IncrementalMac: "mac", ChunkSize: 64}

	transient := att.MarkTransientlyErrored()
	if transient.Pending || !transient.Error || transient.Key != "k" {
		t.Errorf("MarkTransientlyErrored() = %+v", transient)
	}

	stripped := att.WithoutIncrementalMac()
	if stripped.IsIncremental() || stripped.Pending {
		t.Errorf("WithoutIncrementalMac() = %+v", stripped)
	}
	if !att.IsIncremental() {
		t.Error("receiver was mutated")
	}
}

func TestMessage_ReplaceAttachment(t *testing.T) {
	msg := &Message{
		ID: "m",
		Attachments: map[AttachmentType][]Attachment{
			TypeAttachment: {{Digest: "a"}, {Digest: "b"}},
		},
	}
	clone := msg.Clone()

	if !msg.ReplaceAttachment(TypeAttachment, Attachment{Digest: "b", Path: "/x"}) {
		t.Fatal("ReplaceAttachment() = false")
	}
	if got, _ := msg.FindAttachment(TypeAttachment, Attachment{Digest: "b"}); got.Path != "/x" {
		t.Errorf("path = %q, want /x", got.Path)
	}
	if got, _ := clone.FindAttachment(TypeAttachment, Attachment{Digest: "b"}); got.Path != "" {
		t.Error("clone shares attachment storage")
	}
	if msg.ReplaceAttachment(TypeSticker, Attachment{Digest: "b"}) {
		t.Error("replaced in empty slot")
	}
}

func TestCancelReason_IsCause(t *testing.T) {
	err := fmt.Errorf("run: %w", CancelUserInitiated)
	var reason CancelReason
	if !errors.As(err, &reason) || reason != CancelUserInitiated {
		t.Errorf("errors.As() reason = %q", reason)
	}
}

func TestCiphertextSize(t *testing.T) {
	tests := []struct {
		size int64
		tier MediaTier
		want int64
	}{
		{0, TierStandard, 592},
		{0, TierBackup, 656},
		{1000, TierStandard, 1072},
		{1000, TierBackup, 1136},
		{100000, TierStandard, 100208},
		{100000, TierBackup, 100272},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.size, tt.tier), func(t *testing.T) {
			if got := CiphertextSize(tt.size, tt.tier); got != tt.want {
				t.Errorf("CiphertextSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBackupProgress_Remaining(t *testing.T) {
	if got := (BackupProgress{TotalBytes: 10, CompletedBytes: 4}).Remaining(); got != 6 {
		t.Errorf("Remaining() = %d, want 6", got)
	}
	if got := (BackupProgress{TotalBytes: 1, CompletedBytes: 4}).Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}
