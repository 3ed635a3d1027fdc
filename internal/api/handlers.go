package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avoronov/skillpath/internal/pipeline"
	"github.com/avoronov/skillpath/internal/recommend"
	"github.com/avoronov/skillpath/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds the dependencies of the HTTP API.
type AppDeps struct {
	Store       *storage.Store
	Recommender *recommend.Service
	Token       string // empty disables bearer auth
}

// NewAppHandler returns the HTTP API handler.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Get("/health", handleHealth)

	r.Route("/v1/profiles/{id}", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/", handleGetProfile(deps))
		r.Put("/answers", handlePutAnswers(deps))
		r.Post("/recommendations", handleGenerateRecommendations(deps))
		r.Get("/recommendations", handleGetRecommendations(deps))
	})

	return r
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handlePutAnswers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "profile id is required")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var answers map[string]any
		if err := json.NewDecoder(r.Body).Decode(&answers); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(answers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "answers must not be empty")
			return
		}

		updatedAt, err := deps.Store.PutAnswers(id, answers)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to save answers: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":        id,
			"updatedAt": updatedAt,
		})
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		prof, err := deps.Store.GetProfile(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "profile %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to load profile: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(prof)
	}
}

type generateRequest struct {
	Force       bool `json:"force"`
	IncludeTags bool `json:"includeTags"`
}

func handleGenerateRecommendations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req generateRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		art, err := deps.Recommender.Recommend(r.Context(), recommend.IdentityFromKey(id), recommend.Options{
			Force:       req.Force,
			IncludeTags: req.IncludeTags,
		})
		if err != nil {
			recommendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(art)
	}
}

func handleGetRecommendations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		includeTags := r.URL.Query().Get("includeTags") == "true"

		art, err := deps.Recommender.Fetch(r.Context(), recommend.IdentityFromKey(id), includeTags)
		if err != nil {
			recommendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(art)
	}
}

// recommendError maps service errors onto the JSON error envelope.
func recommendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recommend.ErrIdentifierMissing):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, recommend.ErrAnswersMissing):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, recommend.ErrSourceNotFound), errors.Is(err, recommend.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, pipeline.ErrGenerationIncomplete):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	case errors.Is(err, recommend.ErrStoreUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
