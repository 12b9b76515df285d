package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskday/project/internal/app/identity"
	"github.com/taskday/project/internal/datekey"
	"github.com/taskday/project/internal/platform/auth"
	"github.com/taskday/project/internal/recurrence"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// Handler exposes the planner and identity services over HTTP.
type Handler struct {
	Service       *Service
	Identity      *identity.Service
	TokenManager  auth.Manager
	AllowedOrigin string
}

func NewHandler(svc *Service, idSvc *identity.Service, tokenManager auth.Manager, allowedOrigin string) *Handler {
	return &Handler{
		Service:       svc,
		Identity:      idSvc,
		TokenManager:  tokenManager,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)
		r.Post("/auth/refresh", h.handleRefresh)
		r.Post("/auth/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/groups", h.handleListGroups)
			r.Post("/groups", h.handleCreateGroup)
			r.Delete("/groups/{groupID}", h.handleDeleteGroup)

			r.Get("/groups/{groupID}/templates", h.handleListTemplates)
			r.Post("/groups/{groupID}/templates", h.handleCreateTemplate)
			r.Delete("/groups/{groupID}/templates/{templateID}", h.handleDeleteTemplate)

			r.Get("/groups/{groupID}/tasks", h.handleListTasks)
			r.Patch("/tasks/{instanceID}/status", h.handleSetStatus)

			r.Post("/generate", h.handleGenerate)
			r.Get("/badges", h.handleBadges)
		})
	})

	return r
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AllowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.AllowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.TokenManager.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(r *http.Request) auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(auth.Claims)
	return claims
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createGroupRequest struct {
	Name string `json:"name"`
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	groups, err := h.Service.ListGroups(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	group, err := h.Service.CreateGroup(r.Context(), claims.Subject, req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if err := h.Service.DeleteGroup(r.Context(), claims.Subject, chi.URLParam(r, "groupID")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	templates, err := h.Service.ListTemplates(r.Context(), claims.Subject, chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req TemplateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tpl, err := h.Service.CreateTemplate(r.Context(), claims.Subject, chi.URLParam(r, "groupID"), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handler) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	err := h.Service.DeleteTemplate(r.Context(), claims.Subject, chi.URLParam(r, "groupID"), chi.URLParam(r, "templateID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListTasks materializes the requested day on demand and returns
// its instances. Without a date parameter it serves today.
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	day := h.Service.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := datekey.Parse(raw, day.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrInvalidDate.Error())
			return
		}
		day = parsed
	}

	tasks, err := h.Service.OpenDay(r.Context(), claims.Subject, chi.URLParam(r, "groupID"), day)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  datekey.Day(day),
		"tasks": tasks,
	})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	inst, err := h.Service.SetInstanceStatus(r.Context(), claims.Subject, chi.URLParam(r, "instanceID"), req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleGenerate lets a client trigger its own daily pass eagerly, e.g.
// on app start, instead of waiting for the scheduled worker.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	watermark, err := h.Service.RunDailyGeneration(r.Context(), claims.Subject, claims.Email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"last_generated_date": watermark})
}

func (h *Handler) handleBadges(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	snapshot, err := h.Service.PendingCounts(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrGroupNameRequired),
		errors.Is(err, ErrTitleRequired),
		errors.Is(err, ErrInvalidTime),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidDate),
		errors.Is(err, recurrence.ErrUnknownKind),
		errors.Is(err, recurrence.ErrEmptyWeekdaySet),
		errors.Is(err, recurrence.ErrInvalidWeekday),
		errors.Is(err, recurrence.ErrInvalidDate),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrInvalidPassword),
		errors.Is(err, identity.ErrRefreshTokenMissing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
