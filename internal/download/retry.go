package download

import (
	"time"

	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/worker"
)

// DefaultRetryConfig: 30s, 5m, 50m, then 6h, five attempts in total.
var DefaultRetryConfig = worker.RetryConfig{
	MaxAttempts: 5,
	Backoff: worker.BackoffConfig{
		Multiplier:    10,
		FirstBackoffs: []time.Duration{30 * time.Second},
		MaxBackoff:    6 * time.Hour,
	},
}

// BackupRetryConfig never gives up on attachments expected in the backup
// tier: 30s, 5m, 50m, ~8.3h, then 3 days.
var BackupRetryConfig = worker.RetryConfig{
	MaxAttempts: 0,
	Backoff: worker.BackoffConfig{
		Multiplier:    10,
		FirstBackoffs: []time.Duration{30 * time.Second},
		MaxBackoff:    3 * 24 * time.Hour,
	},
}

// RetryConfigFor resolves the retry policy of a job.
func RetryConfigFor(job domain.Job, hasMediaBackups bool) worker.RetryConfig {
	if job.Attachment.ShouldEndUpInRemoteBackup(hasMediaBackups) {
		return BackupRetryConfig
	}
	return DefaultRetryConfig
}
