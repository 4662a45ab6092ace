package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/jobs"
	"github.com/felipepmaragno/storyforge/internal/metrics"
	"github.com/felipepmaragno/storyforge/internal/moderation"
	"github.com/felipepmaragno/storyforge/internal/ratelimit"
	"github.com/felipepmaragno/storyforge/internal/repository"
	"github.com/felipepmaragno/storyforge/internal/router"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Version = "0.3.0"

	userHeader    = "X-User-ID"
	profileHeader = "X-Profile-ID"
)

// Transcriber turns audio into a transcript document.
type Transcriber interface {
	ID() string
	Transcribe(ctx context.Context, audio []byte, format string) *domain.GenerationResult
}

type HandlerConfig struct {
	Router       *router.Router
	Content      repository.ContentRepository
	Tracker      cost.Tracker
	Enqueuer     *jobs.Enqueuer
	Moderator    *moderation.Moderator
	Transcriber  Transcriber
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Budget       *budget.Monitor
	Breakers     *circuitbreaker.Registry
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	router       *router.Router
	content      repository.ContentRepository
	tracker      cost.Tracker
	enqueuer     *jobs.Enqueuer
	moderator    *moderation.Moderator
	transcriber  Transcriber
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	budget       *budget.Monitor
	breakers     *circuitbreaker.Registry
	usage        *jobs.Recorder
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	tracker := cfg.Tracker
	if tracker == nil && cfg.Router != nil {
		tracker = cfg.Router.Tracker()
	}
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		router:       cfg.Router,
		content:      cfg.Content,
		tracker:      tracker,
		enqueuer:     cfg.Enqueuer,
		moderator:    cfg.Moderator,
		transcriber:  cfg.Transcriber,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		budget:       cfg.Budget,
		breakers:     cfg.Breakers,
		usage:        jobs.NewRecorder(tracker, cfg.Enqueuer, cfg.Budget),
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat", h.identified(h.limited("chat", h.handleChat)))
	h.mux.HandleFunc("POST /v1/moderations", h.identified(h.handleModeration))

	h.mux.HandleFunc("POST /v1/books", h.identified(h.handleCreateBook))
	h.mux.HandleFunc("GET /v1/books/{id}", h.identified(h.handleGetBook))
	h.mux.HandleFunc("POST /v1/books/{id}/chapters", h.identified(h.handleCreateChapter))
	h.mux.HandleFunc("POST /v1/books/{id}/characters", h.identified(h.handleCreateCharacter))
	h.mux.HandleFunc("POST /v1/books/{id}/chapters/{chapterID}/generate", h.identified(h.limited("generate_chapter", h.handleGenerateChapter)))
	h.mux.HandleFunc("POST /v1/books/{id}/cover", h.identified(h.limited("generate_cover", h.handleGenerateCover)))
	h.mux.HandleFunc("POST /v1/characters/{id}/portrait", h.identified(h.limited("generate_portrait", h.handleGeneratePortrait)))

	h.mux.HandleFunc("POST /v1/transcriptions", h.identified(h.limited("transcriptions", h.handleTranscription)))
	h.mux.HandleFunc("GET /v1/usage", h.identified(h.handleListUsage))
	h.mux.HandleFunc("GET /v1/providers", h.handleListProviders)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set("X-Request-ID", requestID)
	}
	w.Header().Set("X-Request-ID", requestID)
	h.mux.ServeHTTP(w, r)
}

// actorHandler receives the caller identity taken from the request headers.
type actorHandler func(w http.ResponseWriter, r *http.Request, ref domain.UsageRef)

func (h *Handler) identified(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next(w, r, domain.UsageRef{
			UserID:    userID,
			ProfileID: strings.TrimSpace(r.Header.Get(profileHeader)),
		})
	}
}

func (h *Handler) limited(route string, next actorHandler) actorHandler {
	return func(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
		if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
			next(w, r, ref)
			return
		}

		allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), "user:"+ref.UserID, h.rateLimitRPM)
		if err != nil {
			slog.Error("rate limiter error", "error", err, "request_id", r.Header.Get("X-Request-ID"))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			metrics.RecordRateLimitHit(route)
			slog.Warn("rate limit exceeded", "user_id", ref.UserID, "route", route)
			writeError(w, http.StatusTooManyRequests, domain.ErrRateLimitExceeded.Error())
			return
		}
		next(w, r, ref)
	}
}

// moderate rejects the request when any text is flagged.
func (h *Handler) moderate(ctx context.Context, ref domain.UsageRef, texts ...string) error {
	if h.moderator == nil {
		return nil
	}
	return h.moderator.Require(ctx, ref, strings.Join(texts, "\n"))
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

// writeDomainError maps sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrContentFlagged):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, "monthly AI budget exceeded")
	case errors.Is(err, domain.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTimeoutExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrTransport),
		errors.Is(err, domain.ErrHTTPStatus),
		errors.Is(err, domain.ErrProviderApplication),
		errors.Is(err, domain.ErrGenerationFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
