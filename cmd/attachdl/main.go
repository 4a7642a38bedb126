package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/attachdl/internal/adapter/disk"
	"github.com/cwygoda/attachdl/internal/adapter/fetch"
	httpAdapter "github.com/cwygoda/attachdl/internal/adapter/http"
	"github.com/cwygoda/attachdl/internal/adapter/redis"
	"github.com/cwygoda/attachdl/internal/adapter/sqlite"
	"github.com/cwygoda/attachdl/internal/backfill"
	"github.com/cwygoda/attachdl/internal/config"
	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/download"
	"github.com/cwygoda/attachdl/internal/messages"
	"github.com/cwygoda/attachdl/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "attachdl: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	base, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer base.Sync()
	log := base.Sugar()

	log.Infof("starting attachdl on %s", cfg.ListenAddr)
	log.Infof("database: %s", cfg.DBPath)
	log.Infof("attachments: %s", cfg.AttachmentsDir)

	for _, dir := range []string{cfg.AttachmentsDir, cfg.TempDir, cfg.DownloadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer repo.Close()

	msgs := messages.NewCache(repo, log)
	msgs.OnChange = func(msg *domain.Message) {
		log.Debugf("message %s attachments updated", msg.ID)
	}
	store := disk.NewAttachmentStore(cfg.AttachmentsDir, log)
	cleaner := disk.NewCleaner(log)
	lightbox := httpAdapter.NewLightbox()
	fetcher := fetch.New(fetch.Config{
		TransitBaseURL: cfg.TransitBaseURL,
		BackupBaseURL:  cfg.BackupBaseURL,
		TempDir:        cfg.TempDir,
		DownloadsDir:   cfg.DownloadsDir,
		Timeout:        cfg.FetchTimeout.Duration,
	}, log)

	var transport *redis.Transport
	if cfg.Redis.Addr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		transport = redis.New(rdb, redis.Options{
			RequestKey:  cfg.Redis.RequestKey,
			ResponseKey: cfg.Redis.ResponseKey,
		}, log)
	}

	// The backfill and the download manager refer to each other; dl is set
	// before either starts.
	var dl *download.Manager
	bf := backfill.New(backfill.Config{
		Enabled: cfg.Backfill.Enabled && transport != nil,
		Timeout: cfg.Backfill.Timeout.Duration,
	}, backfill.Deps{
		Sender:   backfillSender(transport),
		Messages: msgs,
		Enqueue: func(ctx context.Context, nj domain.NewJob) error {
			_, err := dl.AddJob(ctx, nj)
			return err
		},
		OnFailure: func(messageID string, kind domain.BackfillFailure) {
			log.Warnf("backfill for message %s failed: %s", messageID, kind)
		},
		Logger:  log,
		Metrics: m,
	})

	var inCall atomic.Bool
	dl = download.New(download.Options{
		MaxConcurrentJobs:        cfg.MaxConcurrentJobs,
		TickInterval:             cfg.TickInterval.Duration,
		MaxAttachmentSizeKiB:     cfg.MaxAttachmentSizeKiB,
		MaxTextAttachmentSizeKiB: cfg.MaxTextAttachmentSizeKiB,
		MessageQueueTime:         cfg.MessageQueueTime.Duration,
		DiskPath:                 cfg.AttachmentsDir,
	}, download.Deps{
		Store:           repo,
		Messages:        msgs,
		Downloader:      fetcher,
		Processor:       store,
		Cleaner:         cleaner,
		Lightbox:        lightbox,
		Disk:            disk.Probe{},
		Backfill:        bf,
		HasMediaBackups: func() bool { return cfg.HasMediaBackups },
		ShouldHoldOff:   inCall.Load,
		OnLowDiskSpace: func(needed int64) {
			log.Warnf("backup media downloads paused: %s still to download", humanize.IBytes(uint64(needed)))
		},
		OnBackupProgress: func(p domain.BackupProgress) {
			log.Debugf("backup media: %s of %s", humanize.IBytes(uint64(p.CompletedBytes)), humanize.IBytes(uint64(p.TotalBytes)))
		},
		OnDownloadFailed: func(messageID string) {
			log.Infof("download failed for message %s", messageID)
		},
		Logger:  log,
		Metrics: m,
	})

	srv := httpAdapter.NewServer(dl, httpAdapter.Options{
		Addr:   cfg.ListenAddr,
		Secret: cfg.Secret,
		OnCallState: func(active bool) {
			inCall.Store(active)
			log.Infof("call active: %v", active)
		},
		Ping:     pinger(repo, transport),
		Gatherer: reg,
		Logger:   log,
		Messages: msgs,
		Lightbox: lightbox,
		OnLightboxClosed: func(path string) {
			if err := cleaner.Release(path); err != nil {
				log.Warnf("release %s: %v", path, err)
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dl.Start(ctx); err != nil {
		return fmt.Errorf("start downloads: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("HTTP server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if transport != nil {
		g.Go(func() error {
			return transport.Consume(gctx, dl.HandleBackfillResponse)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
		if err := dl.Stop(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop downloads: %w", err))
		}
		if n := cleaner.Drain(); n > 0 {
			log.Infof("removed %d deferred download files", n)
		}
		return errs
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// backfillSender avoids a typed nil inside the interface when redis is off.
func backfillSender(t *redis.Transport) domain.BackfillSender {
	if t == nil {
		return noSender{}
	}
	return t
}

type noSender struct{}

func (noSender) SendBackfillRequest(context.Context, domain.BackfillRequest) error {
	return errors.New("backfill transport not configured")
}

func pinger(repo *sqlite.Repository, t *redis.Transport) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if t != nil {
			if err := t.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
