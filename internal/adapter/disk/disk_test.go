package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cwygoda/attachdl/internal/domain"
)

func TestProbe_Statfs(t *testing.T) {
	usage, err := Probe{}.Statfs(t.TempDir())
	if err != nil {
		t.Fatalf("Statfs() error = %v", err)
	}
	if usage.BlockSize <= 0 {
		t.Errorf("BlockSize = %d, want > 0", usage.BlockSize)
	}
	if usage.Free() < 0 {
		t.Errorf("Free() = %d", usage.Free())
	}

	if _, err := (Probe{}).Statfs(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Statfs() on missing path: expected error")
	}
}

func writeTemp(t *testing.T, dir, content string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "dl-*")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(content)
	f.Close()
	return f.Name()
}

func TestAttachmentStore_ProcessNewAttachment(t *testing.T) {
	root := t.TempDir()
	tmp := t.TempDir()
	s := NewAttachmentStore(root, zaptest.NewLogger(t).Sugar())

	src := writeTemp(t, tmp, "hello")
	att, err := s.ProcessNewAttachment(context.Background(), domain.Attachment{ContentType: "text/plain"}, &domain.Downloaded{
		Path:          src,
		Size:          5,
		ContentType:   "text/plain",
		PlaintextHash: "abcdef",
	})
	if err != nil {
		t.Fatalf("ProcessNewAttachment() error = %v", err)
	}
	if att.Path != filepath.Join("ab", "abcdef") {
		t.Errorf("Path = %q", att.Path)
	}
	if att.PlaintextHash != "abcdef" || att.Size != 5 {
		t.Errorf("attachment = %+v", att)
	}
	got, err := os.ReadFile(filepath.Join(root, att.Path))
	if err != nil || string(got) != "hello" {
		t.Errorf("stored = %q, %v", got, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source not moved: %v", err)
	}

	// Same content again keeps the existing file.
	dup := writeTemp(t, tmp, "hello")
	if _, err := s.ProcessNewAttachment(context.Background(), domain.Attachment{}, &domain.Downloaded{Path: dup, PlaintextHash: "abcdef"}); err != nil {
		t.Fatalf("duplicate ProcessNewAttachment() error = %v", err)
	}
	if _, err := os.Stat(dup); !os.IsNotExist(err) {
		t.Errorf("duplicate download not removed: %v", err)
	}
}

func TestAttachmentStore_NoHash(t *testing.T) {
	s := NewAttachmentStore(t.TempDir(), zaptest.NewLogger(t).Sugar())
	src := writeTemp(t, t.TempDir(), "x")
	att, err := s.ProcessNewAttachment(context.Background(), domain.Attachment{}, &domain.Downloaded{Path: src, Size: 1})
	if err != nil {
		t.Fatalf("ProcessNewAttachment() error = %v", err)
	}
	if att.Path == "" {
		t.Error("Path is empty")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "payload")
	dst := filepath.Join(dir, "copy")
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile() error = %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "payload" {
		t.Errorf("copy = %q", got)
	}
}

func TestCleaner(t *testing.T) {
	dir := t.TempDir()
	c := NewCleaner(zaptest.NewLogger(t).Sugar())

	now := writeTemp(t, dir, "a")
	if err := c.Delete(now); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(now); err != nil {
		t.Errorf("Delete() of missing file error = %v", err)
	}

	shown := writeTemp(t, dir, "b")
	later := writeTemp(t, dir, "c")
	c.Defer(shown)
	c.Defer(later)

	if err := c.Release(shown); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(shown); !os.IsNotExist(err) {
		t.Errorf("released file still exists")
	}
	if n := c.Drain(); n != 1 {
		t.Errorf("Drain() = %d, want 1", n)
	}
	if _, err := os.Stat(later); !os.IsNotExist(err) {
		t.Errorf("drained file still exists")
	}
}
