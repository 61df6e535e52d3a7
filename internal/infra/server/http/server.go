// Package httpserver exposes the operator control API for the relay: health, outbox lag,
// job inspection and submission, schedules, token pools and projection reads.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/app/queue"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB
	// maxDurationMs caps delayMs and intervalMs at one year.
	maxDurationMs = int64(365 * 24 * time.Hour / time.Millisecond)

	healthPath      = "/healthz"
	outboxPath      = "/outbox"
	queuesPath      = "/queues"
	queueJobsPath   = "/queues/{queue}/jobs"
	jobDetailPath   = "/jobs/{id}"
	tokenPoolPath   = "/token-pools/{scope}"
	schedulesPath   = "/schedules"
	emojiPath       = "/workspaces/{workspace}/emoji"
	attachmentPath  = "/attachments/{id}"
	defaultTopEmoji = 10
	maxTopEmoji     = 100
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerLister names the registered outbox handlers.
type HandlerLister interface {
	Handlers() []string
}

// JobSender submits raw jobs and lists the queues served by this process.
type JobSender interface {
	Queues() []string
	Send(ctx context.Context, queue string, payload json.RawMessage, opts ...queue.SendOption) (jobstore.Job, error)
}

// ScheduleRegistry upserts and removes recurring schedules.
type ScheduleRegistry interface {
	Register(ctx context.Context, def schedulestore.Definition) (schedulestore.Definition, error)
	Remove(ctx context.Context, queue, scope string) error
}

// Deps wires the control API to the running components. Nil members disable their routes
// with 503 responses.
type Deps struct {
	Health      Pinger
	Handlers    HandlerLister
	Events      outboxstore.Store
	Cursors     outboxstore.CursorStore
	Jobs        jobstore.Store
	Tokens      jobstore.TokenStore
	Queue       JobSender
	Schedules   ScheduleRegistry
	Usage       projectionstore.UsageStore
	Attachments projectionstore.AttachmentStore
	Logger      *zap.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	Deps
}

// NewHandler creates the control API handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	server := &httpServer{Deps: deps}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(outboxPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.outboxStatus,
	}))
	mux.Handle(queuesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listQueues,
	}))
	mux.Handle(queueJobsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitJob,
	}))
	mux.Handle(jobDetailPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getJob,
	}))
	mux.Handle(tokenPoolPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTokenPool,
	}))
	mux.Handle(schedulesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut:    server.upsertSchedule,
		http.MethodDelete: server.removeSchedule,
	}))
	mux.Handle(emojiPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.topEmoji,
	}))
	mux.Handle(attachmentPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAttachment,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health.Ping(r.Context()); err != nil {
			s.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listenerView struct {
	ListenerID           string    `json:"listenerId"`
	LastProcessedEventID int64     `json:"lastProcessedEventId"`
	Lag                  int64     `json:"lag"`
	Ephemeral            bool      `json:"ephemeral"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func (s *httpServer) outboxStatus(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil || s.Cursors == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox store unavailable")
		return
	}
	head, err := s.Events.Head(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var names []string
	if s.Handlers != nil {
		names = s.Handlers.Handlers()
	}
	listeners := make([]listenerView, 0, len(names))
	for _, name := range names {
		cursor, err := s.Cursors.LoadCursor(r.Context(), name)
		if errors.Is(err, outboxstore.ErrCursorNotFound) {
			continue
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		listeners = append(listeners, listenerView{
			ListenerID:           cursor.ListenerID,
			LastProcessedEventID: cursor.LastProcessedEventID,
			Lag:                  max(head-cursor.LastProcessedEventID, 0),
			Ephemeral:            cursor.Ephemeral,
			UpdatedAt:            cursor.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"head": head, "listeners": listeners})
}

func (s *httpServer) listQueues(w http.ResponseWriter, _ *http.Request) {
	if s.Queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"queues": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.Queue.Queues()})
}

type jobPayload struct {
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupeKey,omitempty"`
	DelayMs     int64           `json:"delayMs,omitempty"`
	MaxAttempts *int            `json:"maxAttempts,omitempty"`
}

type jobView struct {
	ID             int64           `json:"id"`
	Queue          string          `json:"queue"`
	State          jobstore.State  `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	AvailableAt    time.Time       `json:"availableAt"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func newJobView(job jobstore.Job) jobView {
	return jobView{
		ID:             job.ID,
		Queue:          job.Queue,
		State:          job.State,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		AvailableAt:    job.AvailableAt,
		LeaseOwner:     job.LeaseOwner,
		LeaseExpiresAt: job.LeaseExpiresAt,
		LastError:      job.LastError,
		DedupeKey:      job.DedupeKey,
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
		Payload:        job.Payload,
	}
}

func (s *httpServer) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue manager unavailable")
		return
	}
	var payload jobPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(payload.Payload) == 0 || !json.Valid(payload.Payload) {
		writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}
	if payload.DelayMs < 0 || payload.DelayMs > maxDurationMs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("delayMs must be between 0 and %d", maxDurationMs))
		return
	}

	opts := make([]queue.SendOption, 0, 3)
	if key := strings.TrimSpace(payload.DedupeKey); key != "" {
		opts = append(opts, queue.WithDedupeKey(key))
	}
	if payload.DelayMs > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(payload.DelayMs)*time.Millisecond))
	}
	if payload.MaxAttempts != nil {
		if *payload.MaxAttempts < 0 {
			writeError(w, http.StatusBadRequest, "maxAttempts must be >= 0")
			return
		}
		opts = append(opts, queue.WithMaxAttempts(*payload.MaxAttempts))
	}

	job, err := s.Queue.Send(r.Context(), r.PathValue("queue"), payload.Payload, opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (s *httpServer) getJob(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "job id must be a positive integer")
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *httpServer) getTokenPool(w http.ResponseWriter, r *http.Request) {
	if s.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token store unavailable")
		return
	}
	pool, err := s.Tokens.Pool(r.Context(), r.PathValue("scope"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":       pool.Scope,
		"capacity":    pool.Capacity,
		"outstanding": pool.Outstanding,
		"available":   max(pool.Capacity-pool.Outstanding, 0),
	})
}

type schedulePayload struct {
	Queue      string          `json:"queue"`
	Scope      string          `json:"scope"`
	IntervalMs int64           `json:"intervalMs,omitempty"`
	Cron       string          `json:"cron,omitempty"`
	Template   json.RawMessage `json:"template,omitempty"`
}

type scheduleView struct {
	ID        int64           `json:"id"`
	Queue     string          `json:"queue"`
	Scope     string          `json:"scope,omitempty"`
	Interval  string          `json:"interval,omitempty"`
	Cron      string          `json:"cron,omitempty"`
	Template  json.RawMessage `json:"template"`
	NextDueAt time.Time       `json:"nextDueAt"`
}

func (s *httpServer) upsertSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule manager unavailable")
		return
	}
	var payload schedulePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.IntervalMs < 0 || payload.IntervalMs > maxDurationMs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("intervalMs must be between 0 and %d", maxDurationMs))
		return
	}
	def, err := s.Schedules.Register(r.Context(), schedulestore.Definition{
		Queue:           payload.Queue,
		Scope:           payload.Scope,
		Interval:        time.Duration(payload.IntervalMs) * time.Millisecond,
		Cron:            payload.Cron,
		PayloadTemplate: payload.Template,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	view := scheduleView{
		ID:        def.ID,
		Queue:     def.Queue,
		Scope:     def.Scope,
		Cron:      def.Cron,
		Template:  def.PayloadTemplate,
		NextDueAt: def.NextDueAt,
	}
	if def.Interval > 0 {
		view.Interval = def.Interval.String()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *httpServer) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if s.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedule manager unavailable")
		return
	}
	query := r.URL.Query()
	if err := s.Schedules.Remove(r.Context(), query.Get("queue"), query.Get("scope")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) topEmoji(w http.ResponseWriter, r *http.Request) {
	if s.Usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage store unavailable")
		return
	}
	limit := defaultTopEmoji
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxTopEmoji {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxTopEmoji))
			return
		}
		limit = parsed
	}
	counts, err := s.Usage.TopEmoji(r.Context(), r.PathValue("workspace"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	type emojiView struct {
		Emoji string `json:"emoji"`
		Count int64  `json:"count"`
	}
	out := make([]emojiView, 0, len(counts))
	for _, c := range counts {
		out = append(out, emojiView{Emoji: c.Emoji, Count: c.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaceId": r.PathValue("workspace"), "emoji": out})
}

func (s *httpServer) getAttachment(w http.ResponseWriter, r *http.Request) {
	if s.Attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "attachment store unavailable")
		return
	}
	attachment, err := s.Attachments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             attachment.ID,
		"status":         attachment.Status,
		"totalPages":     attachment.TotalPages,
		"completedPages": attachment.CompletedPages,
		"lastError":      attachment.LastError,
	})
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("control request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound),
		errors.Is(err, jobstore.ErrTokenPoolNotFound),
		errors.Is(err, schedulestore.ErrScheduleNotFound),
		errors.Is(err, projectionstore.ErrAttachmentNotFound),
		errors.Is(err, outboxstore.ErrCursorNotFound):
		return http.StatusNotFound
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	limitRequestBody(w, r)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
