package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/session"
)

// Dashboard is the read side of the coordinator plus the query and thread
// operations.
type Dashboard interface {
	Window(offset int) []*models.AnnotationRecord
	Total() int
	Pagination() int
	Scope() models.Scope
	Filter() models.SearchFilter
	Query(ctx context.Context, filter models.SearchFilter) []*models.AnnotationRecord
	OpenReplies(ctx context.Context, parentId models.ID) []*models.AnnotationRecord
}

type Handler struct {
	Dashboard Dashboard
	secret    []byte
	logger    zerolog.Logger
}

func NewHandler(dashboard Dashboard, secret []byte, logger zerolog.Logger) *Handler {
	return &Handler{
		Dashboard: dashboard,
		secret:    secret,
		logger:    logger.With().Str("component", "rest").Logger(),
	}
}

type pageResponse struct {
	Offset   int                        `json:"offset"`
	PageSize int                        `json:"pageSize"`
	Total    int                        `json:"total"`
	Rows     []*models.AnnotationRecord `json:"rows"`
}

// HandleAnnotations serves GET for a page of the master list and POST for a
// new query.
func (h *Handler) HandleAnnotations(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		offset := 0
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid offset", http.StatusBadRequest)
				return
			}
			offset = n
		}
		h.sendResponse(w, pageResponse{
			Offset:   offset,
			PageSize: h.Dashboard.Pagination(),
			Total:    h.Dashboard.Total(),
			Rows:     h.Dashboard.Window(offset),
		})

	case http.MethodPost:
		var filter models.SearchFilter
		if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		h.Dashboard.Query(r.Context(), filter)
		h.sendResponse(w, pageResponse{
			PageSize: h.Dashboard.Pagination(),
			Total:    h.Dashboard.Total(),
			Rows:     h.Dashboard.Window(0),
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type repliesResponse struct {
	ParentId models.ID                  `json:"parentId"`
	Replies  []*models.AnnotationRecord `json:"replies"`
}

func (h *Handler) HandleReplies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticate(w, r) {
		return
	}

	parentId := models.ID(r.URL.Query().Get("parent"))
	if parentId.IsZero() {
		http.Error(w, "missing parent", http.StatusBadRequest)
		return
	}

	replies := h.Dashboard.OpenReplies(r.Context(), parentId)
	if replies == nil {
		replies = []*models.AnnotationRecord{}
	}
	h.sendResponse(w, repliesResponse{ParentId: parentId, Replies: replies})
}

type stateResponse struct {
	Scope      string              `json:"scope"`
	Media      models.Media        `json:"media"`
	Filter     models.SearchFilter `json:"filter"`
	Total      int                 `json:"total"`
	Pagination int                 `json:"pagination"`
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticate(w, r) {
		return
	}

	scope := h.Dashboard.Scope()
	h.sendResponse(w, stateResponse{
		Scope:      scope.Key(),
		Media:      scope.Media,
		Filter:     h.Dashboard.Filter(),
		Total:      h.Dashboard.Total(),
		Pagination: h.Dashboard.Pagination(),
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) bool {
	token := h.getTokenFromAuthHeader(r)
	if _, err := session.ParseToken(h.secret, token, time.Now()); err != nil {
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
