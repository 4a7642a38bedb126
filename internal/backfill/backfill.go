// Package backfill asks the sender's other devices to re-upload attachments
// that can no longer be fetched, and applies their responses.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
	"github.com/cwygoda/attachdl/internal/metrics"
)

// DefaultTimeout is how long a request may stay unanswered.
const DefaultTimeout = 10 * time.Second

// Enqueue queues a download job. It is usually download.Manager.AddJob.
type Enqueue func(ctx context.Context, nj domain.NewJob) error

// Config controls backfill.
type Config struct {
	Enabled bool
	Timeout time.Duration
}

// Deps are the collaborators of Backfill.
type Deps struct {
	Sender   domain.BackfillSender
	Messages domain.MessageStore
	Enqueue  Enqueue
	// OnFailure reports a backfill the user should hear about.
	OnFailure func(messageID string, kind domain.BackfillFailure)
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type request struct {
	id    string
	timer *time.Timer
}

// Backfill tracks outstanding requests, at most one per message.
type Backfill struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*request
}

// New creates a Backfill.
func New(cfg Config, deps Deps) *Backfill {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Backfill{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.Named("backfill"),
		pending: make(map[string]*request),
	}
}

// IsEnabledForJob reports whether a backfill may be requested for an
// attachment of type typ on msg.
func (b *Backfill) IsEnabledForJob(typ domain.AttachmentType, msg *domain.Message) bool {
	if msg.Type == domain.MessageStory || msg.DeletedForEveryone {
		return false
	}
	switch typ {
	case domain.TypeLongMessage, domain.TypeAttachment, domain.TypeSticker:
		return b.cfg.Enabled
	}
	return false
}

// Outstanding reports whether a request for messageID awaits a response.
func (b *Backfill) Outstanding(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[messageID]
	return ok
}

// Request sends a backfill request for msg unless one is already outstanding.
func (b *Backfill) Request(ctx context.Context, msg *domain.Message) error {
	b.mu.Lock()
	if _, ok := b.pending[msg.ID]; ok {
		b.mu.Unlock()
		b.log.Debugf("request for %s already outstanding", msg.ID)
		return nil
	}
	req := &request{id: uuid.NewString()}
	req.timer = time.AfterFunc(b.cfg.Timeout, func() { b.onTimeout(msg.ID, req.id) })
	b.pending[msg.ID] = req
	b.mu.Unlock()

	err := b.deps.Sender.SendBackfillRequest(ctx, domain.BackfillRequest{
		ID:             req.id,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SentAt:         msg.SentAt,
	})
	if err != nil {
		b.forget(msg.ID, req.id)
		b.deps.Metrics.Backfill("send_error")
		return fmt.Errorf("send backfill request for %s: %w", msg.ID, err)
	}
	b.log.Infof("requested backfill %s for message %s", req.id, msg.ID)
	b.deps.Metrics.Backfill("requested")
	return nil
}

// forget drops the outstanding request for messageID if it is still id.
// It reports whether the request was outstanding.
func (b *Backfill) forget(messageID, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[messageID]
	if !ok || (id != "" && req.id != id) {
		return false
	}
	req.timer.Stop()
	delete(b.pending, messageID)
	return true
}

func (b *Backfill) fail(messageID string, kind domain.BackfillFailure) {
	b.deps.Metrics.Backfill(string(kind))
	if b.deps.OnFailure != nil {
		b.deps.OnFailure(messageID, kind)
	}
}

// placeholder pads attachment slots the response refers to but the local
// message lacks.
var placeholder = domain.Attachment{Error: true, ContentType: "application/octet-stream"}

// HandleResponse applies a backfill response to the message it answers.
func (b *Backfill) HandleResponse(ctx context.Context, resp domain.BackfillResponse) error {
	if !b.cfg.Enabled {
		b.log.Infof("response for %s ignored, backfill disabled", resp.MessageID)
		return nil
	}

	b.mu.Lock()
	req, outstanding := b.pending[resp.MessageID]
	b.mu.Unlock()

	if resp.NotFound {
		// Only report failures for requests we made and have not timed out.
		if outstanding && b.forget(resp.MessageID, req.id) {
			b.log.Infof("message %s not found on the sender's device", resp.MessageID)
			b.fail(resp.MessageID, domain.BackfillFailureNotFound)
		}
		return nil
	}

	msg, err := b.deps.Messages.GetMessage(ctx, resp.MessageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		b.log.Warnf("response for unknown message %s", resp.MessageID)
		b.forget(resp.MessageID, "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %s: %w", resp.MessageID, err)
	}
	if msg.Attachments == nil {
		msg.Attachments = make(map[domain.AttachmentType][]domain.Attachment)
	}

	var (
		changed        int
		pendingCount   int
		showFailure    bool
		shouldDownload bool
	)
	for _, item := range resp.Items {
		list := msg.Attachments[item.Type]
		for len(list) <= item.Index {
			list = append(list, placeholder)
			changed++
		}
		existing := list[item.Index]
		if existing.IsDownloaded() {
			b.log.Infof("message %s: %s %d already downloaded", msg.ID, item.Type, item.Index)
			msg.Attachments[item.Type] = list
			continue
		}

		switch item.Status {
		case domain.BackfillPending:
			pendingCount++
		case domain.BackfillTerminalError:
			list[item.Index] = existing.MarkPermanentlyErrored(true)
			showFailure = true
			changed++
		case domain.BackfillReady:
			if item.Attachment == nil {
				b.log.Warnf("message %s: ready %s %d without attachment", msg.ID, item.Type, item.Index)
				break
			}
			if existing.Pending {
				shouldDownload = true
			}
			list[item.Index] = *item.Attachment
			changed++
		default:
			b.log.Warnf("message %s: unknown backfill status %q", msg.ID, item.Status)
		}
		msg.Attachments[item.Type] = list
	}

	if showFailure {
		b.fail(msg.ID, domain.BackfillFailureError)
	}
	if pendingCount == 0 {
		if b.forget(msg.ID, "") {
			b.deps.Metrics.Backfill("fulfilled")
		}
	} else if outstanding {
		b.rearm(msg.ID, req.id)
	}

	if changed == 0 {
		b.log.Infof("message %s: backfill response changed nothing", msg.ID)
		return nil
	}
	b.log.Infof("message %s: updating %d attachments from backfill", msg.ID, changed)
	if err := b.deps.Messages.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}

	if shouldDownload {
		return b.enqueue(ctx, msg)
	}
	return nil
}

// rearm restarts the timeout of a request still waiting on pending items.
func (b *Backfill) rearm(messageID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req, ok := b.pending[messageID]; ok && req.id == id {
		req.timer.Reset(b.cfg.Timeout)
	}
}

func (b *Backfill) enqueue(ctx context.Context, msg *domain.Message) error {
	if b.deps.Enqueue == nil {
		return nil
	}
	now := b.deps.Now()
	var errs error
	for _, typ := range []domain.AttachmentType{domain.TypeLongMessage, domain.TypeAttachment, domain.TypeSticker} {
		for _, att := range msg.Attachments[typ] {
			if att.IsDownloaded() || att.Error {
				continue
			}
			err := b.deps.Enqueue(ctx, domain.NewJob{
				MessageID:        msg.ID,
				AttachmentType:   typ,
				Attachment:       att,
				Source:           domain.SourceBackfill,
				Urgency:          domain.UrgencyImmediate,
				IsManualDownload: true,
				ReceivedAt:       now,
				SentAt:           msg.SentAt,
			})
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("queue backfilled downloads for %s: %w", msg.ID, errs)
	}
	b.log.Infof("message %s: queued backfilled downloads", msg.ID)
	return nil
}

func (b *Backfill) onTimeout(messageID, id string) {
	if !b.forget(messageID, id) {
		return
	}
	ctx := context.Background()
	b.log.Infof("backfill request %s for message %s timed out", id, messageID)

	msg, err := b.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		// Message already removed.
		return
	}
	for _, typ := range []domain.AttachmentType{domain.TypeLongMessage, domain.TypeSticker, domain.TypeAttachment} {
		for _, att := range msg.Attachments[typ] {
			if !att.Pending {
				continue
			}
			att.Pending = false
			err := b.deps.Messages.AddAttachmentToMessage(ctx, messageID, att, domain.AddAttachmentOptions{
				Type:  typ,
				LogID: "backfill timeout " + messageID,
			})
			if err != nil {
				b.log.Warnf("clear pending %s on %s: %v", typ, messageID, err)
			}
		}
	}
	if err := b.deps.Messages.SaveMessage(ctx, messageID); err != nil {
		b.log.Warnf("save message %s: %v", messageID, err)
	}
	b.fail(messageID, domain.BackfillFailureTimeout)
}
