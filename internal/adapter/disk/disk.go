// Package disk provides filesystem-backed implementations of the storage
// ports: free-space probing, attachment placement and side-car cleanup.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cwygoda/attachdl/internal/domain"
)

// Probe implements domain.DiskProbe with statfs(2).
type Probe struct{}

// Statfs reports the capacity of the filesystem holding path.
func (Probe) Statfs(path string) (domain.DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return domain.DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return domain.DiskUsage{
		BlockSize:       int64(st.Bsize),
		AvailableBlocks: uint64(st.Bavail),
	}, nil
}

// AttachmentStore moves finished downloads into a content-addressed tree.
// It implements domain.AttachmentProcessor.
type AttachmentStore struct {
	dir string
	log *zap.SugaredLogger
}

// NewAttachmentStore creates a store rooted at dir.
func NewAttachmentStore(dir string, log *zap.SugaredLogger) *AttachmentStore {
	return &AttachmentStore{dir: dir, log: log.Named("attachments")}
}

// Dir returns the root of the store.
func (s *AttachmentStore) Dir() string {
	return s.dir
}

// ProcessNewAttachment moves dl.Path into the store and returns att pointing
// at it. Path is relative to the store root.
func (s *AttachmentStore) ProcessNewAttachment(_ context.Context, att domain.Attachment, dl *domain.Downloaded) (domain.Attachment, error) {
	name := dl.PlaintextHash
	if len(name) < 2 {
		name = uuid.NewString()
	}
	rel := filepath.Join(name[:2], name)
	dst := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return att, fmt.Errorf("create attachment dir: %w", err)
	}

	// Same content already stored.
	if _, err := os.Stat(dst); err == nil {
		s.log.Debugf("%s exists, dropping duplicate download", rel)
		os.Remove(dl.Path)
	} else if err := moveFile(dl.Path, dst); err != nil {
		return att, fmt.Errorf("store attachment: %w", err)
	}

	att.Path = rel
	att.Size = dl.Size
	att.DownloadPath = dl.DownloadPath
	if dl.ContentType != "" {
		att.ContentType = dl.ContentType
	}
	if att.PlaintextHash == "" {
		att.PlaintextHash = dl.PlaintextHash
	}
	return att, nil
}

// moveFile renames src to dst, copying across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return err
		}
		os.Remove(src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Cleaner removes side-car download files. It implements
// domain.DownloadCleaner.
type Cleaner struct {
	log *zap.SugaredLogger

	mu       sync.Mutex
	deferred map[string]struct{}
}

// NewCleaner creates a cleaner.
func NewCleaner(log *zap.SugaredLogger) *Cleaner {
	return &Cleaner{log: log.Named("cleaner"), deferred: make(map[string]struct{})}
}

// Delete removes path. A missing file is not an error.
func (c *Cleaner) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Defer queues path until Release or Drain.
func (c *Cleaner) Defer(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred[path] = struct{}{}
}

// Release deletes a deferred path once nothing shows it any more.
func (c *Cleaner) Release(path string) error {
	c.mu.Lock()
	_, ok := c.deferred[path]
	delete(c.deferred, path)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Delete(path)
}

// Drain deletes every deferred path and returns how many were removed.
func (c *Cleaner) Drain() int {
	c.mu.Lock()
	paths := c.deferred
	c.deferred = make(map[string]struct{})
	c.mu.Unlock()

	n := 0
	for path := range paths {
		if err := c.Delete(path); err != nil {
			c.log.Warnf("delete %s: %v", path, err)
			continue
		}
		n++
	}
	return n
}
