package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

const maxUserIDLen = 255

// Handler provides read-only HTTP endpoints for quota, pool and session state
type Handler struct {
	config Config
}

// Routes returns a mux serving every configured endpoint:
//
//	GET /usage           quota standing of the calling user
//	GET /resources       pool members, optionally ?kind=modem|api_key
//	GET /sessions/{id}   verification session status
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage", h.GetUsage)
	mux.HandleFunc("GET /resources", h.ListResources)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	return mux
}

// GetUsage returns today's counters of the user for every metric of their tier
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if h.config.Quota == nil {
		h.handleError(w, r, fmt.Errorf("quota tracking not configured"), http.StatusNotFound)
		return
	}
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	response := UsageResponse{
		UserID:  userID,
		Metrics: make(map[string]MetricUsage),
	}

	ent, err := h.config.Quota.GetEntitlement(ctx, userID)
	switch {
	case err == nil:
		response.Tier = ent.Tier
		response.Timezone = ent.Timezone
	case !errors.Is(err, gsmgate.ErrEntitlementNotFound):
		h.internalError(w, r, fmt.Errorf("failed to get entitlement: %w", err))
		return
	}

	status, err := h.config.Quota.GetStatus(ctx, userID)
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to get usage: %w", err))
		return
	}

	for metric, st := range status {
		limit := st.Limit
		if st.Unlimited {
			limit = -1
		}
		response.Metrics[metric] = MetricUsage{
			Date:      st.Date,
			Limit:     limit,
			Used:      st.Used,
			Remaining: st.Remaining(),
			ResetsAt:  st.ResetsAt,
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ListResources returns pool members sorted by id
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	if h.config.Pool == nil {
		h.handleError(w, r, fmt.Errorf("resource pool not configured"), http.StatusNotFound)
		return
	}

	kind := gsmgate.ResourceKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", gsmgate.KindModem, gsmgate.KindAPIKey:
	default:
		h.handleError(w, r, fmt.Errorf("unknown resource kind %q", kind), http.StatusBadRequest)
		return
	}

	resources, err := h.config.Pool.ListResources(r.Context(), kind)
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to list resources: %w", err))
		return
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })

	views := make([]ResourceView, 0, len(resources))
	for _, res := range resources {
		view := ResourceView{
			ID:         res.ID,
			Kind:       string(res.Kind),
			RoleType:   res.RoleType,
			Status:     string(res.Status),
			Priority:   res.Priority,
			ErrorCount: res.ErrorCount,
			LastError:  res.LastError,
		}
		if res.Kind != gsmgate.KindAPIKey {
			view.Identifier = res.Identifier
		}
		if !res.LastSeenAt.IsZero() {
			seen := res.LastSeenAt
			view.LastSeenAt = &seen
		}
		views = append(views, view)
	}

	h.writeJSON(w, http.StatusOK, ResourcesResponse{Resources: views})
}

// GetSession returns the status of a verification session. Clients poll it
// while waiting for a payment confirmation.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.config.Orchestrator == nil {
		h.handleError(w, r, fmt.Errorf("sessions not configured"), http.StatusNotFound)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		h.handleError(w, r, fmt.Errorf("session ID is required"), http.StatusBadRequest)
		return
	}

	s, err := h.config.Orchestrator.GetSession(r.Context(), id)
	if errors.Is(err, gsmgate.ErrSessionNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, fmt.Errorf("failed to get session: %w", err))
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{
		ID:            s.ID,
		Kind:          string(s.Kind),
		Status:        string(s.Status),
		ReferenceCode: s.ReferenceCode,
		Amount:        s.Amount,
		IsDemo:        s.IsDemo,
		DemoCode:      s.DemoCode(),
		Attempts:      s.Attempts,
		MaxAttempts:   s.MaxAttempts,
		ExpiresAt:     s.ExpiresAt,
		ConfirmedAt:   s.ConfirmedAt,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", gsmgate.Field{Key: "error", Value: err})
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.config.Logger.Error("status api request failed",
		gsmgate.Field{Key: "path", Value: r.URL.Path},
		gsmgate.Field{Key: "error", Value: err})
	h.handleError(w, r, err, http.StatusInternalServerError)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	h.writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
