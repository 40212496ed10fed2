package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
)

// API paths. All take a JSON body via POST.
const (
	PathCreate = "/api/issues.create"
	PathUpdate = "/api/issues.update"
	PathList   = "/api/issues.list"
	PathGet    = "/api/issues.get"
	PathDelete = "/api/issues.delete"
)

// envelope is the response body of every API call: data on success, or a
// user-facing error message.
type envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type updateRequest struct {
	ID string `json:"id"`
	types.UpdateIssueInput
}

type idRequest struct {
	ID string `json:"id"`
}

type listRequest struct {
	TeamID string `json:"team_id"`
}

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	UserForToken(ctx context.Context, token string) (*types.Profile, error)
}

// Handler serves an IssueService over HTTP.
type Handler struct {
	svc    IssueService
	auth   Authenticator
	logger *log.Logger
	mux    *http.ServeMux
}

// NewHandler creates the HTTP handler. Requests without a valid bearer
// token reach svc without a user and are rejected there.
func NewHandler(svc IssueService, auth Authenticator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}

	h := &Handler{
		svc:    svc,
		auth:   auth,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("POST "+PathCreate, h.handleCreate)
	h.mux.HandleFunc("POST "+PathUpdate, h.handleUpdate)
	h.mux.HandleFunc("POST "+PathList, h.handleList)
	h.mux.HandleFunc("POST "+PathGet, h.handleGet)
	h.mux.HandleFunc("POST "+PathDelete, h.handleDelete)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, h.authenticate(r))
}

func (h *Handler) authenticate(r *http.Request) *http.Request {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || h.auth == nil {
		return r
	}

	user, err := h.auth.UserForToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Printf("Token lookup failed: %v", err)
		}
		return r
	}
	return r.WithContext(WithUser(r.Context(), user))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input types.CreateIssueInput
	if !h.decode(w, r, &input) {
		return
	}
	issue, err := h.svc.CreateIssue(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, issue)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	issue, err := h.svc.UpdateIssue(r.Context(), req.ID, req.UpdateIssueInput)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, issue)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	issues, err := h.svc.GetIssues(r.Context(), req.TeamID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, issues)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, &req) {
		return
	}
	issue, err := h.svc.GetIssueByID(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, issue)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.DeleteIssue(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.write(w, http.StatusOK, envelope{Success: true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.write(w, http.StatusBadRequest, envelope{Error: "Invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeData(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal response: %v", err)
		h.write(w, http.StatusInternalServerError, envelope{Error: "Internal error"})
		return
	}
	h.write(w, http.StatusOK, envelope{Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.write(w, statusFor(err), envelope{Error: err.Error()})
}

func (h *Handler) write(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Printf("Failed to write response: %v", err)
	}
}

func statusFor(err error) int {
	var verr *types.ValidationError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
