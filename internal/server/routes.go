package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackzampolin/docpipe/internal/doc"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/svcctx"
	"github.com/jackzampolin/docpipe/internal/track"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /documents", s.handleDocumentsList)
	mux.HandleFunc("POST /documents", s.handleDocumentSubmit)
	mux.HandleFunc("GET /documents/{id}", s.handleDocumentGet)
	mux.HandleFunc("GET /queue", s.handleQueue)
}

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server    string          `json:"server"`
	Providers ProvidersStatus `json:"providers"`
	Queue     QueueStatus     `json:"queue"`
}

// ProvidersStatus shows registered OCR and LLM providers.
type ProvidersStatus struct {
	OCR []string `json:"ocr"`
	LLM []string `json:"llm"`
}

// QueueStatus shows queue depth and admission gate occupancy.
type QueueStatus struct {
	Depth    int `json:"depth"`
	InFlight int `json:"in_flight"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Server: "running"}

	if registry := svcctx.RegistryFrom(r.Context()); registry != nil {
		resp.Providers.OCR = registry.ListOCR()
		resp.Providers.LLM = registry.ListLLM()
	}
	resp.Queue = queueStatus(r)

	writeJSON(w, http.StatusOK, resp)
}

// DocumentSummary is the list-view projection of a document.
type DocumentSummary struct {
	ID       string     `json:"id"`
	Status   doc.Status `json:"status"`
	NumPages int        `json:"num_pages"`
	Sections int        `json:"sections"`
	Errors   int        `json:"errors"`
	QueuedAt string     `json:"queued_at,omitempty"`
}

// DocumentsListResponse is the response for GET /documents.
type DocumentsListResponse struct {
	Documents []DocumentSummary `json:"documents"`
}

func (s *Server) handleDocumentsList(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.TrackerFrom(r.Context())
	if tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracking store not initialized")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var (
		docs []*doc.Document
		err  error
	)
	if v := r.URL.Query().Get("status"); v != "" {
		status := doc.Status(v)
		if !status.Known() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		docs, err = tracker.ListByStatus(r.Context(), status, limit)
	} else {
		docs, err = tracker.List(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := DocumentsListResponse{Documents: make([]DocumentSummary, 0, len(docs))}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, summarize(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitRequest is the body for POST /documents.
type SubmitRequest struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	OutputPrefix string `json:"output_prefix,omitempty"`
}

// SubmitResponse is the response for POST /documents.
type SubmitResponse struct {
	ID     string     `json:"id"`
	Status doc.Status `json:"status"`
}

func (s *Server) handleDocumentSubmit(w http.ResponseWriter, r *http.Request) {
	svc := svcctx.IntakeFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "intake not initialized")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Bucket == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "bucket and key are required")
		return
	}
	if req.OutputPrefix == "" {
		req.OutputPrefix = req.Key
	}

	d, err := svc.Submit(r.Context(), doc.Location{Bucket: req.Bucket, Key: req.Key}, req.OutputPrefix)
	if errors.Is(err, intake.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "document already running for this input")
		return
	}
	if errors.Is(err, intake.ErrQueueFull) {
		writeError(w, http.StatusTooManyRequests, "queue is full")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: d.ID, Status: d.Status})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	tracker := svcctx.TrackerFrom(r.Context())
	if tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracking store not initialized")
		return
	}

	d, _, err := tracker.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, track.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatus(r))
}

func queueStatus(r *http.Request) QueueStatus {
	var qs QueueStatus
	if queue := svcctx.QueueFrom(r.Context()); queue != nil {
		qs.Depth = queue.Depth()
	}
	if gate := svcctx.GateFrom(r.Context()); gate != nil {
		qs.InFlight = gate.InFlight()
		qs.Capacity = gate.Capacity()
	}
	return qs
}

func summarize(d *doc.Document) DocumentSummary {
	s := DocumentSummary{
		ID:       d.ID,
		Status:   d.Status,
		NumPages: d.NumPages,
		Sections: len(d.Sections),
		Errors:   len(d.Errors),
	}
	if !d.QueuedAt.IsZero() {
		s.QueuedAt = d.QueuedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
