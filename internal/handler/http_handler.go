package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

const (
	// UserIDHeader carries the acting employee id. Authentication happens
	// upstream; the engine trusts the header.
	UserIDHeader         = "X-User-ID"
	IdempotencyKeyHeader = "Idempotency-Key"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	processor *service.DecisionProcessor
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(processor *service.DecisionProcessor, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		processor: processor,
		log:       log.Component("http"),
	}
}

// Router registers every route. metrics may be nil.
func (h *HTTPHandler) Router(metrics http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/instances", h.StartInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}", h.GetInstance).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/decisions", h.Decide).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/cancel", h.CancelInstance).Methods(http.MethodPost)

	api.HandleFunc("/approvals/pending", h.GetPending).Methods(http.MethodGet)

	api.HandleFunc("/delegations", h.CreateDelegation).Methods(http.MethodPost)
	api.HandleFunc("/delegations", h.ListDelegations).Methods(http.MethodGet)
	api.HandleFunc("/delegations/{id}", h.UpdateDelegation).Methods(http.MethodPut)
	api.HandleFunc("/delegations/{id}", h.RevokeDelegation).Methods(http.MethodDelete)

	api.HandleFunc("/definitions", h.CreateDefinition).Methods(http.MethodPost)
	api.HandleFunc("/definitions/{id}/versions", h.PublishVersion).Methods(http.MethodPost)
	api.HandleFunc("/definitions/{id}", h.GetDefinition).Methods(http.MethodGet)

	return router
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Instances ─────────────────────────────────────────────────────────────────

// StartInstance handles create instance HTTP requests
func (h *HTTPHandler) StartInstance(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ApplicantID == "" {
		req.ApplicantID = r.Header.Get(UserIDHeader)
	}

	st, err := h.processor.Start(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetInstance handles get instance HTTP requests
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	st, err := h.processor.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetHistory returns the audit trail of one instance.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.processor.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNilSlice(entries)})
}

type decisionBody struct {
	RecordID string        `json:"record_id"`
	Action   domain.Action `json:"action"`
	Comment  string        `json:"comment,omitempty"`
}

// Decide handles decision submissions. The actor is the caller.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body decisionBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.processor.Decide(r.Context(), service.DecisionRequest{
		InstanceID:     mux.Vars(r)["id"],
		RecordID:       body.RecordID,
		ActorID:        actorID,
		Action:         body.Action,
		Comment:        body.Comment,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// CancelInstance withdraws a running instance.
func (h *HTTPHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}

	st, err := h.processor.Cancel(r.Context(), mux.Vars(r)["id"], actorID, body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetPending lists the records the employee can act on now.
func (h *HTTPHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	employeeID := r.URL.Query().Get("employee_id")
	if employeeID == "" {
		employeeID = r.Header.Get(UserIDHeader)
	}
	if employeeID == "" {
		h.writeError(w, r, errors.InvalidInput("employee_id", "is required"))
		return
	}

	items, err := h.processor.GetPendingFor(r.Context(), employeeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNilSlice(items)})
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation registers a delegation granted by the caller. The principal
// defaults to the caller and any other principal is refused.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req delegation.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PrincipalID == "" {
		req.PrincipalID = userID
	}

	d, err := h.processor.CreateDelegation(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDelegations lists the delegations granted by one principal.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		principalID = r.Header.Get(UserIDHeader)
	}
	if principalID == "" {
		h.writeError(w, r, errors.InvalidInput("principal_id", "is required"))
		return
	}

	list, err := h.processor.ListDelegations(r.Context(), principalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": nonNilSlice(list)})
}

// UpdateDelegation changes an existing delegation owned by the caller.
func (h *HTTPHandler) UpdateDelegation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req delegation.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.processor.UpdateDelegation(r.Context(), mux.Vars(r)["id"], actorID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RevokeDelegation deactivates a delegation owned by the caller.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.processor.RevokeDelegation(r.Context(), mux.Vars(r)["id"], actorID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Definitions ───────────────────────────────────────────────────────────────

// CreateDefinition stores version 1 of a new definition.
func (h *HTTPHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var def domain.WorkflowDefinition
	if !h.decode(w, r, &def) {
		return
	}

	created, err := h.processor.CreateDefinition(r.Context(), &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// PublishVersion stores the next version of an existing definition.
func (h *HTTPHandler) PublishVersion(w http.ResponseWriter, r *http.Request) {
	var def domain.WorkflowDefinition
	if !h.decode(w, r, &def) {
		return
	}

	published, err := h.processor.PublishVersion(r.Context(), mux.Vars(r)["id"], &def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, published)
}

// GetDefinition returns one version; without ?version the latest.
func (h *HTTPHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, r, errors.InvalidInput("version", "must be a positive integer"))
			return
		}
		version = n
	}

	def, err := h.processor.GetDefinition(r.Context(), mux.Vars(r)["id"], version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserIDHeader)
	if id == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, UserIDHeader+" header is required"))
		return "", false
	}
	return id, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTP(err)
	detail := errorDetail{Code: errors.CodeOf(err), Message: err.Error()}
	var e *errors.Error
	if errors.As(err, &e) {
		detail.Message = e.Message
		detail.Field = e.Field
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func mapErrorToHTTP(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeDefinitionNotFound, errors.ErrCodeInstanceNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConflict,
		errors.ErrCodeInstanceTerminal,
		errors.ErrCodeStepMismatch,
		errors.ErrCodeDuplicateDecision,
		errors.ErrCodeActiveInstanceExists,
		errors.ErrCodeDelegationOverlap:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeNoApproverResolved, errors.ErrCodeGraphInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
