// Package fetch downloads attachment bytes over HTTP from the transit and
// backup tiers.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
)

// Config locates the tiers.
type Config struct {
	// TransitBaseURL serves {base}/attachments/{cdnKey}.
	TransitBaseURL string
	// BackupBaseURL serves {base}/media/{plaintextHash} and
	// {base}/media/{plaintextHash}/thumbnail.
	BackupBaseURL string
	// TempDir receives finished downloads until they are moved into place.
	TempDir string
	// DownloadsDir receives side-car files of streamable attachments.
	DownloadsDir string
	Timeout      time.Duration
}

// Client implements domain.Downloader.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.SugaredLogger
}

// New creates a client.
func New(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = cfg.TempDir
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("fetch"),
	}
}

const (
	// sizeSlack covers encryption overhead beyond the tier estimate.
	sizeSlack = 64 * 1024
	// maxThumbnailSize bounds backup thumbnails, whose size is not known ahead.
	maxThumbnailSize = 4 * 1024 * 1024
)

// maxBodySize is the most bytes accepted for att before the download is
// abandoned as corrupt.
func maxBodySize(att domain.Attachment, variant domain.Variant) int64 {
	if variant == domain.VariantThumbnailFromBackup {
		return maxThumbnailSize
	}
	return domain.CiphertextSize(max(att.Size, 0), domain.TierBackup) + sizeSlack
}

type source struct {
	url  string
	hash string
}

// sources lists the locations to try in order.
func (c *Client) sources(att domain.Attachment, opts domain.DownloadOptions) []source {
	var out []source
	inBackup := att.ShouldEndUpInRemoteBackup(opts.HasMediaBackups) && c.cfg.BackupBaseURL != ""

	if opts.Variant == domain.VariantThumbnailFromBackup {
		if inBackup {
			out = append(out, source{url: c.cfg.BackupBaseURL + "/media/" + url.PathEscape(att.PlaintextHash) + "/thumbnail"})
		}
		return out
	}
	if inBackup {
		out = append(out, source{url: c.cfg.BackupBaseURL + "/media/" + url.PathEscape(att.PlaintextHash), hash: att.PlaintextHash})
	}
	if att.HasRequiredInformationToDownloadFromTransitTier() && c.cfg.TransitBaseURL != "" {
		out = append(out, source{url: c.cfg.TransitBaseURL + "/attachments/" + url.PathEscape(att.CDNKey), hash: att.Digest})
	}
	return out
}

// DownloadAttachment fetches att, trying the backup tier before the transit
// tier. A 404 or 410 from every tier is permanent.
func (c *Client) DownloadAttachment(ctx context.Context, att domain.Attachment, opts domain.DownloadOptions) (*domain.Downloaded, error) {
	sources := c.sources(att, opts)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no tier can serve %s", domain.ErrPermanentlyUndownloadable, opts.LogID)
	}

	var lastErr error
	for _, src := range sources {
		dl, err := c.fetch(ctx, src, att, opts)
		if err == nil {
			return dl, nil
		}
		if !errors.Is(err, domain.ErrPermanentlyUndownloadable) {
			return nil, err
		}
		c.log.Infof("%s: %v, trying next tier", opts.LogID, err)
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) fetch(ctx context.Context, src source, att domain.Attachment, opts domain.DownloadOptions) (*domain.Downloaded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", src.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrPermanentlyUndownloadable, src.url, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &domain.HTTPError{Code: resp.StatusCode, URL: src.url}
	}

	if err := os.MkdirAll(c.cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(c.cfg.TempDir, "attachdl-*.part")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(f.Name())
		}
	}()

	writers := []io.Writer{f}
	var sidecar *os.File
	if att.IsIncremental() && opts.Variant == domain.VariantDefault {
		if err := os.MkdirAll(c.cfg.DownloadsDir, 0755); err != nil {
			return nil, fmt.Errorf("create downloads dir: %w", err)
		}
		sidecar, err = os.CreateTemp(c.cfg.DownloadsDir, "stream-*")
		if err != nil {
			return nil, fmt.Errorf("create side-car file: %w", err)
		}
		defer func() {
			sidecar.Close()
			if !ok {
				os.Remove(sidecar.Name())
			}
		}()
		writers = append(writers, sidecar)
	}

	h := sha256.New()
	writers = append(writers, h)
	cw := &countingWriter{onWrite: opts.OnSizeUpdate}
	writers = append(writers, cw)

	limit := maxBodySize(att, opts.Variant)
	n, err := io.Copy(io.MultiWriter(writers...), io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.url, err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %s body exceeds %d bytes", domain.ErrPermanentlyUndownloadable, src.url, limit)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if src.hash != "" && sum != src.hash {
		if att.IsIncremental() {
			return nil, fmt.Errorf("%w: %s", domain.ErrIncrementalMacMismatch, opts.LogID)
		}
		return nil, fmt.Errorf("%s: hash mismatch, got %s", opts.LogID, sum)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = att.ContentType
	}

	ok = true
	dl := &domain.Downloaded{
		Path:          f.Name(),
		Size:          n,
		ContentType:   contentType,
		PlaintextHash: sum,
	}
	if sidecar != nil {
		dl.DownloadPath = filepath.Clean(sidecar.Name())
	}
	c.log.Debugf("%s: fetched %d bytes from %s", opts.LogID, n, src.url)
	return dl, nil
}

type countingWriter struct {
	total   int64
	onWrite func(int64)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.total += int64(len(p))
	if w.onWrite != nil {
		w.onWrite(w.total)
	}
	return len(p), nil
}
