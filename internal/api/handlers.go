package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"message-relay/internal/metrics"
	"message-relay/internal/model"
	"message-relay/internal/publisher"
)

const (
	maxBodyBytes     = 64 * 1024
	defaultPageLimit = 10
	maxPageLimit     = 100
	retryAfter       = "1"
)

// SubmitRequest is the body of POST /message.
type SubmitRequest struct {
	Text *string `json:"text"`
}

// SubmitResponse acknowledges a submission. It is not a durability guarantee.
type SubmitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LastMessageResponse is the body of GET /last-message.
type LastMessageResponse struct {
	LastMessage *string `json:"lastMessage"`
}

// ListResponse is one page of persisted messages.
type ListResponse struct {
	Data       []model.Message `json:"data"`
	NextCursor *int64          `json:"next_cursor"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type healthCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]healthCheck `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(instrument)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/", a.Root)
	r.Get("/health", a.Health)
	r.Post("/message", a.SubmitMessage)
	r.Get("/last-message", a.LastMessage)
	r.Get("/messages", a.ListMessages)
	r.Get("/messages/{id}", a.GetMessage)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// @Summary Service info
// @Tags Meta
// @Produce json
// @Success 200 {object} map[string]string
// @Router / [get]
func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Message relay API",
		"status":  "running",
	})
}

// @Summary Submit a message
// @Description Queues the text for publishing and returns at once. A 200 only
// @Description acknowledges the submission; persistence happens asynchronously
// @Description and may fail without the caller being told.
// @Tags Messages
// @Accept json
// @Produce json
// @Param body body SubmitRequest true "Message"
// @Success 200 {object} SubmitResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /message [post]
func (a *API) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Text == nil || strings.TrimSpace(*body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	// the result channel is buffered; the publisher logs the outcome
	_, err := a.Publisher.Submit(*body.Text)
	switch {
	case err == nil:
	case errors.Is(err, publisher.ErrQueueFull):
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusServiceUnavailable, "too many pending messages, retry later")
		return
	case errors.Is(err, publisher.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	default:
		a.Logger.Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		Status:  "accepted",
		Message: "Message submitted for processing; it is persisted asynchronously",
	})
}

// @Summary Most recently persisted message
// @Tags Messages
// @Produce json
// @Success 200 {object} LastMessageResponse
// @Failure 500 {object} ErrorResponse
// @Router /last-message [get]
func (a *API) LastMessage(w http.ResponseWriter, r *http.Request) {
	m, err := a.Storage.Latest(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("failed to read last message")
		writeError(w, http.StatusInternalServerError, "failed to read last message")
		return
	}

	var resp LastMessageResponse
	if m != nil {
		resp.LastMessage = &m.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary List persisted messages
// @Tags Messages
// @Produce json
// @Param after query int false "Return messages with id greater than this cursor"
// @Param limit query int false "Page size (max 100)"
// @Success 200 {object} ListResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /messages [get]
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after int64
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		after = v
	}

	limit := defaultPageLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(v, maxPageLimit)
	}

	messages, next, err := a.Storage.List(r.Context(), after, limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	resp := ListResponse{Data: messages}
	if resp.Data == nil {
		resp.Data = []model.Message{}
	}
	if next != 0 {
		resp.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// @Summary Persisted message by id
// @Tags Messages
// @Produce json
// @Param id path int true "Message id"
// @Success 200 {object} model.Message
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /messages/{id} [get]
func (a *API) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	m, err := a.Storage.Get(r.Context(), id)
	if err != nil {
		a.Logger.Error().Err(err).Int64("id", id).Msg("failed to read message")
		writeError(w, http.StatusInternalServerError, "failed to read message")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// @Summary Dependency health
// @Tags Meta
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck, len(a.Checks))
	healthy := true
	for name, check := range a.Checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			checks[name] = healthCheck{Status: "fail", Message: err.Error()}
			healthy = false
			continue
		}
		checks[name] = healthCheck{Status: "pass", Latency: time.Since(start).String()}
	}

	resp := HealthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
