package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"device-recovery/internal/recovery"
)

const maxBodyBytes = 1 << 20

// Summary is the document returned by the validate endpoint.
type Summary struct {
	CaseID       string              `json:"case_id"`
	ClientNumber string              `json:"client_number"`
	DeviceType   recovery.DeviceType `json:"device_type"`
	Status       recovery.Status     `json:"status"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

type handlers struct {
	svc           *Service
	operatorToken string
	logger        *slog.Logger
}

// NewRouter returns the registry HTTP API. An empty operatorToken leaves the operator
// endpoints open.
func NewRouter(svc *Service, operatorToken string, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, operatorToken: operatorToken, logger: logger}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/health", h.health).Methods("GET")

	rec := r.PathPrefix("/recovery").Subrouter()
	rec.HandleFunc("/validate/{code}", h.validate).Methods("GET")
	rec.HandleFunc("/device-connected/{code}", h.deviceConnected).Methods("POST")
	rec.HandleFunc("/start-extraction/{code}", h.startExtraction).Methods("POST")
	rec.HandleFunc("/upload-data/{code}", h.uploadData).Methods("POST")
	rec.HandleFunc("/finalize/{code}", h.finalize).Methods("POST")
	rec.HandleFunc("/status/{code}", h.status).Methods("GET")

	// Recovery links point here; the agent only needs the code.
	r.HandleFunc("/r/{code}", h.validate).Methods("GET")

	r.Handle("/cases", h.requireOperator(http.HandlerFunc(h.issue))).Methods("POST")
	r.Handle("/cases/{id}", h.requireOperator(http.HandlerFunc(h.getCase))).Methods("GET")
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Validate(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Summary{
		CaseID:       c.ID,
		ClientNumber: c.ClientNumber,
		DeviceType:   c.DeviceType,
		Status:       c.Status,
		ExpiresAt:    c.ExpiresAt,
	})
}

func (h *handlers) deviceConnected(w http.ResponseWriter, r *http.Request) {
	var req DeviceReport
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.DeviceConnected(r.Context(), mux.Vars(r)["code"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Report())
}

func (h *handlers) startExtraction(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.StartExtraction(r.Context(), mux.Vars(r)["code"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Report())
}

func (h *handlers) uploadData(w http.ResponseWriter, r *http.Request) {
	var req Batch
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.svc.UploadData(r.Context(), mux.Vars(r)["code"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.Finalize(r.Context(), mux.Vars(r)["code"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Report())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Status(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !h.decode(w, r, &req) {
		return
	}
	issued, err := h.svc.Issue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *handlers) getCase(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrExpired):
		return http.StatusGone
	case errors.Is(err, recovery.ErrInvalidTransition), errors.Is(err, recovery.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, recovery.ErrCredentialRequired),
		errors.Is(err, recovery.ErrInvalidDeviceType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		err = errors.New("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (h *handlers) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.operatorToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.operatorToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
