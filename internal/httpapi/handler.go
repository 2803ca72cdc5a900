package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"waitq/waiting-service/internal/metrics"
	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"
	"waitq/waiting-service/internal/waiting"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	service  *waiting.Service
	sessions store.SessionStore
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	logger   logrus.FieldLogger
}

type Options struct {
	Limiter *RateLimiter
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
}

type registerRequest struct {
	WaitingTypeID    string `json:"waiting_type_id"`
	PartySize        int    `json:"party_size"`
	Phone            string `json:"phone"`
	Name             string `json:"name"`
	Memo             string `json:"memo"`
	Source           string `json:"source"`
	ConsentMarketing bool   `json:"consent_marketing"`
}

type registerResponse struct {
	WaitingID        string        `json:"waiting_id"`
	WaitingNumber    int           `json:"waiting_number"`
	Status           models.Status `json:"status"`
	Position         int           `json:"position"`
	WaitingPosition  int           `json:"waiting_position"`
	EstimatedMinutes int           `json:"estimated_minutes"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type memoRequest struct {
	Memo string `json:"memo"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service *waiting.Service, sessions store.SessionStore, options Options) *Handler {
	h := &Handler{
		service:  service,
		sessions: sessions,
		limiter:  options.Limiter,
		metrics:  options.Metrics,
		logger:   options.Logger,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", h.metrics.Handler())
	mux.Handle("/api/waitings", AuthMiddleware(h.sessions, h.limiter, http.HandlerFunc(h.handleWaitings)))
	mux.Handle("/api/waitings/", AuthMiddleware(h.sessions, h.limiter, http.HandlerFunc(h.handleWaitingPaths)))
	mux.HandleFunc("/api/public/stores/", h.handlePublic)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleWaitings(w http.ResponseWriter, r *http.Request) {
	storeID := storeIDFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r, storeID)
	case http.MethodPost:
		h.handleRegister(w, r, storeID, models.SourceManual)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleWaitingPaths dispatches everything under /api/waitings/.
func (h *Handler) handleWaitingPaths(w http.ResponseWriter, r *http.Request) {
	storeID := storeIDFromContext(r.Context())
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/waitings/"), "/")
	parts := strings.Split(path, "/")

	switch {
	case path == "stats":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		stats, err := h.service.LiveStats(r.Context(), storeID)
		h.respond(w, r, http.StatusOK, stats, err)
		return
	case path == "stats/today":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		stats, err := h.service.DailyStats(r.Context(), storeID, r.URL.Query().Get("date"))
		h.respond(w, r, http.StatusOK, stats, err)
		return
	case path == "" || len(parts) > 2:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entryID := parts[0]
	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		view, err := h.service.Get(r.Context(), storeID, entryID)
		h.respond(w, r, http.StatusOK, view, err)
		return
	}

	switch parts[1] {
	case "history":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		events, err := h.service.History(r.Context(), storeID, entryID)
		h.respond(w, r, http.StatusOK, events, err)
	case "memo":
		if !requireMethod(w, r, http.MethodPatch) {
			return
		}
		var req memoRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		entry, err := h.service.UpdateMemo(r.Context(), storeID, entryID, req.Memo)
		h.respond(w, r, http.StatusOK, entry, err)
	default:
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		h.handleAction(w, r, storeID, entryID, parts[1])
	}
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, storeID, entryID, action string) {
	ctx := r.Context()
	switch action {
	case "call":
		entry, err := h.service.Call(ctx, storeID, entryID)
		h.respond(w, r, http.StatusOK, entry, err)
	case "recall":
		entry, err := h.service.Recall(ctx, storeID, entryID)
		h.respond(w, r, http.StatusOK, entry, err)
	case "seat":
		result, err := h.service.Seat(ctx, storeID, entryID)
		h.respond(w, r, http.StatusOK, result, err)
	case "cancel":
		var req cancelRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		reason := models.CancelReason(strings.ToUpper(strings.TrimSpace(req.Reason)))
		entry, err := h.service.Cancel(ctx, storeID, entryID, reason)
		h.respond(w, r, http.StatusOK, entry, err)
	case "defer":
		result, err := h.service.Defer(ctx, storeID, entryID)
		h.respond(w, r, http.StatusOK, result, err)
	case "restore":
		view, err := h.service.Restore(ctx, storeID, entryID)
		h.respond(w, r, http.StatusOK, view, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, storeID string) {
	query := r.URL.Query()
	statuses, err := waiting.ParseStatuses(query.Get("status"))
	if err != nil {
		h.respond(w, r, 0, nil, err)
		return
	}
	page, ok := optionalInt(w, r, "page")
	if !ok {
		return
	}
	limit, ok := optionalInt(w, r, "limit")
	if !ok {
		return
	}
	result, err := h.service.List(r.Context(), waiting.ListQuery{
		StoreID:       storeID,
		Statuses:      statuses,
		WaitingTypeID: strings.TrimSpace(query.Get("typeId")),
		Page:          page,
		Limit:         limit,
	})
	h.respond(w, r, http.StatusOK, result, err)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request, storeID string, source models.Source) {
	var req registerRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if source == models.SourceManual && strings.TrimSpace(req.Source) != "" {
		source = models.Source(strings.ToUpper(strings.TrimSpace(req.Source)))
	}
	reg, err := h.service.Register(r.Context(), waiting.RegisterInput{
		StoreID:          storeID,
		WaitingTypeID:    req.WaitingTypeID,
		PartySize:        req.PartySize,
		Phone:            req.Phone,
		Name:             req.Name,
		Memo:             req.Memo,
		Source:           source,
		ConsentMarketing: req.ConsentMarketing,
	})
	if err != nil {
		h.respond(w, r, 0, nil, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		WaitingID:        reg.Entry.ID,
		WaitingNumber:    reg.Entry.WaitingNumber,
		Status:           reg.Entry.Status,
		Position:         reg.Position,
		WaitingPosition:  reg.WaitingPosition,
		EstimatedMinutes: reg.EstimatedMinutes,
	})
}

// handlePublic serves /api/public/stores/{storeId}/waitings[/status|/cancel|/info].
func (h *Handler) handlePublic(w http.ResponseWriter, r *http.Request) {
	storeID, rest, ok := publicStorePath(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch rest {
	case "":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		h.handleRegister(w, r, storeID, models.SourceTablet)
	case "status":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		status, err := h.service.StatusByPhone(r.Context(), storeID, r.URL.Query().Get("phone"))
		h.respond(w, r, http.StatusOK, status, err)
	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		var req phoneRequest
		if !decodeRequest(w, r, &req, false) {
			return
		}
		entry, err := h.service.CancelByPhone(r.Context(), storeID, req.Phone)
		if err != nil {
			h.respond(w, r, 0, nil, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"waiting_id": entry.ID,
			"status":     entry.Status,
		})
	case "info":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		info, err := h.service.PublicInfo(r.Context(), storeID)
		h.respond(w, r, http.StatusOK, info, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// publicStorePath splits a public path into the store id and what follows "waitings".
func publicStorePath(path string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, "/api/public/stores/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] != "waitings" {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], "", true
	}
	return parts[0], parts[2], true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, payload interface{}, err error) {
	if err != nil {
		code, errCode, message := mapError(err)
		if code >= http.StatusInternalServerError {
			h.logger.WithFields(logrus.Fields{
				"path":       r.URL.Path,
				"request_id": requestIDFromRequest(r),
			}).WithError(err).Error("request failed")
		}
		writeError(w, requestIDFromRequest(r), code, errCode, message)
		return
	}
	writeJSON(w, status, payload)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func optionalInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, waiting.CodeValidation, name+" must be a non-negative integer")
		return 0, false
	}
	return value, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}, allowEmpty bool) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "INVALID_JSON", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	e, ok := waiting.AsError(err)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL", "internal server error"
	}
	switch e.Kind {
	case waiting.KindValidation:
		return http.StatusBadRequest, e.Code, e.Message
	case waiting.KindNotFound:
		return http.StatusNotFound, e.Code, e.Message
	case waiting.KindStateConflict, waiting.KindCapacity, waiting.KindUnavailable:
		return http.StatusConflict, e.Code, e.Message
	case waiting.KindTransient:
		return http.StatusServiceUnavailable, waiting.CodeUnavailable, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
