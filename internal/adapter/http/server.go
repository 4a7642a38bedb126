package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
)

// Scheduler is the download manager as seen by the control API.
type Scheduler interface {
	AddJob(ctx context.Context, nj domain.NewJob) (domain.Attachment, error)
	CancelJobs(ctx context.Context, reason domain.CancelReason, pred func(domain.Job) bool) (int, error)
	UpdateVisibleTimelineMessages(ids []string)
	BackupProgress(ctx context.Context) (domain.BackupProgress, error)
	IsBackupMediaPaused() bool
	ResumeBackupMediaDownloads()
	HandleBackfillResponse(ctx context.Context, resp domain.BackfillResponse) error
	ActiveJobs() int
}

// MessageWriter ingests the messages downloads are attached to.
type MessageWriter interface {
	UpdateMessage(ctx context.Context, msg *domain.Message) error
	DeleteMessage(ctx context.Context, id string) error
}

// Options configures the server.
type Options struct {
	Addr string
	// Secret enables request signing on mutating routes.
	Secret string
	// OnCallState is told when a call starts or ends.
	OnCallState func(active bool)
	// Ping checks dependencies for /health.
	Ping     func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger

	// Messages enables the /messages routes.
	Messages MessageWriter

	Lightbox *Lightbox
	// OnLightboxClosed receives the download path of an attachment that
	// left the lightbox.
	OnLightboxClosed func(downloadPath string)
}

// Lightbox tracks attachments shown full-screen. It implements
// domain.LightboxState.
type Lightbox struct {
	mu   sync.RWMutex
	open map[string]struct{}
}

func NewLightbox() *Lightbox {
	return &Lightbox{open: make(map[string]struct{})}
}

// IsShowing reports whether the attachment is open.
func (l *Lightbox) IsShowing(messageID, digest string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[messageID+"/"+digest]
	return ok
}

func (l *Lightbox) set(messageID, digest string, showing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if showing {
		l.open[messageID+"/"+digest] = struct{}{}
	} else {
		delete(l.open, messageID+"/"+digest)
	}
}

// Server is the HTTP control API of the download scheduler.
type Server struct {
	sched  Scheduler
	opts   Options
	router chi.Router
	server *http.Server
	log    *zap.SugaredLogger
}

// NewServer creates a new HTTP server.
func NewServer(sched Scheduler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Lightbox == nil {
		opts.Lightbox = NewLightbox()
	}
	s := &Server{
		sched:  sched,
		opts:   opts,
		router: chi.NewRouter(),
		log:    opts.Logger.Named("http"),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Group(func(r chi.Router) {
		if s.opts.Secret != "" {
			r.Use(s.requireSignature)
		}
		r.Post("/jobs", s.handleAddJob)
		r.Post("/jobs/cancel", s.handleCancel)
		r.Post("/timeline/visible", s.handleVisible)
		r.Post("/call", s.handleCall)
		r.Post("/backup/resume", s.handleResume)
		r.Post("/backfill/responses", s.handleBackfillResponse)
		r.Post("/lightbox", s.handleLightbox)
		if s.opts.Messages != nil {
			r.Post("/messages", s.handlePutMessage)
			r.Delete("/messages/{id}", s.handleDeleteMessage)
		}
	})

	s.router.Get("/backup/progress", s.handleProgress)
	s.router.Get("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// addJobRequest is the request body for POST /jobs.
type addJobRequest struct {
	MessageID  string            `json:"messageId"`
	Type       string            `json:"type"`
	Attachment domain.Attachment `json:"attachment"`
	Source     string            `json:"source"`
	Urgency    string            `json:"urgency"`
	IsManual   bool              `json:"isManualDownload"`
	ReceivedAt *time.Time        `json:"receivedAt"`
	SentAt     time.Time         `json:"sentAt"`
}

// messageRequest is the request body for POST /messages.
type messageRequest struct {
	ID                 string                         `json:"id"`
	ConversationID     string                         `json:"conversationId"`
	Type               string                         `json:"type"`
	SentAt             time.Time                      `json:"sentAt"`
	DeletedForEveryone bool                           `json:"deletedForEveryone"`
	Attachments        map[string][]domain.Attachment `json:"attachments"`
}

func (req messageRequest) message() (*domain.Message, error) {
	if req.ID == "" {
		return nil, errors.New("id is required")
	}
	msg := &domain.Message{
		ID:                 req.ID,
		ConversationID:     req.ConversationID,
		Type:               domain.MessageType(req.Type),
		SentAt:             req.SentAt,
		DeletedForEveryone: req.DeletedForEveryone,
		Attachments:        make(map[domain.AttachmentType][]domain.Attachment, len(req.Attachments)),
	}
	if msg.Type == "" {
		msg.Type = domain.MessageIncoming
	}
	for k, atts := range req.Attachments {
		typ := domain.AttachmentType(k)
		if !typ.Valid() {
			return nil, fmt.Errorf("unknown attachment type %q", k)
		}
		msg.Attachments[typ] = atts
	}
	return msg, nil
}

type addJobResponse struct {
	Attachment domain.Attachment `json:"attachment"`
}

type cancelRequest struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
}

type visibleRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type callRequest struct {
	Active bool `json:"active"`
}

type lightboxRequest struct {
	MessageID    string `json:"messageId"`
	Digest       string `json:"digest"`
	Showing      bool   `json:"showing"`
	DownloadPath string `json:"downloadPath,omitempty"`
}

type progressResponse struct {
	domain.BackupProgress
	Paused bool `json:"paused"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	urgency := domain.Urgency(req.Urgency)
	if urgency == "" {
		urgency = domain.UrgencyStandard
	}
	receivedAt := time.Now()
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}

	att, err := s.sched.AddJob(r.Context(), domain.NewJob{
		MessageID:        req.MessageID,
		AttachmentType:   domain.AttachmentType(req.Type),
		Attachment:       req.Attachment,
		Source:           domain.Source(req.Source),
		Urgency:          urgency,
		IsManualDownload: req.IsManual,
		ReceivedAt:       receivedAt,
		SentAt:           req.SentAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidJob):
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, domain.ErrMessageNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Errorf("add job: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusAccepted, addJobResponse{Attachment: att})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}

	reason := domain.CancelUserInitiated
	if req.Reason == string(domain.CancelMessageGone) {
		reason = domain.CancelMessageGone
	}
	typ := domain.AttachmentType(req.Type)
	n, err := s.sched.CancelJobs(r.Context(), reason, func(j domain.Job) bool {
		return j.MessageID == req.MessageID && (typ == "" || j.AttachmentType == typ)
	})
	if err != nil {
		s.log.Errorf("cancel jobs for %s: %v", req.MessageID, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, cancelResponse{Cancelled: n})
}

func (s *Server) handlePutMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg, err := req.message()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Messages.UpdateMessage(r.Context(), msg); err != nil {
		s.log.Errorf("save message %s: %v", msg.ID, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteMessage cancels the message's jobs before dropping the row, so
// no attempt is left to write it back.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.sched.CancelJobs(r.Context(), domain.CancelMessageGone, func(j domain.Job) bool {
		return j.MessageID == id
	})
	if err != nil {
		s.log.Errorf("cancel jobs for %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.opts.Messages.DeleteMessage(r.Context(), id); err != nil {
		s.log.Errorf("delete message %s: %v", id, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, cancelResponse{Cancelled: n})
}

func (s *Server) handleVisible(w http.ResponseWriter, r *http.Request) {
	var req visibleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.sched.UpdateVisibleTimelineMessages(req.MessageIDs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.opts.OnCallState != nil {
		s.opts.OnCallState(req.Active)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sched.ResumeBackupMediaDownloads()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackfillResponse(w http.ResponseWriter, r *http.Request) {
	var resp domain.BackfillResponse
	if err := decode(r, &resp); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if resp.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}
	if err := s.sched.HandleBackfillResponse(r.Context(), resp); err != nil {
		s.log.Errorf("backfill response for %s: %v", resp.MessageID, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLightbox(w http.ResponseWriter, r *http.Request) {
	var req lightboxRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "messageId is required")
		return
	}
	s.opts.Lightbox.set(req.MessageID, req.Digest, req.Showing)
	if !req.Showing && req.DownloadPath != "" && s.opts.OnLightboxClosed != nil {
		s.opts.OnLightboxClosed(req.DownloadPath)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.sched.BackupProgress(r.Context())
	if err != nil {
		s.log.Errorf("backup progress: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, progressResponse{BackupProgress: p, Paused: s.sched.IsBackupMediaPaused()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activeJobs": s.sched.ActiveJobs()})
}

const maxTimestampSkew = 5 * time.Minute

// requireSignature rejects requests without a valid X-Signature.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if err := s.verifySignature(r, body); err != nil {
			s.log.Warnf("request verification failed: %v", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	// SHA256("${timestamp}\n${body}\n${secret}")
	if signature != Sign(timestamp, body, s.opts.Secret) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the X-Signature value for a request body.
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
