package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/scoracle-notify/internal/api/respond"
	"github.com/albapepper/scoracle-notify/internal/model"
)

// StatusResponse is the moderator view of one user.
type StatusResponse struct {
	UserID         string             `json:"user_id"`
	State          string             `json:"state"`
	ReportCount    int                `json:"report_count"`
	MutedUntil     *time.Time         `json:"muted_until,omitempty"`
	SuspendedUntil *time.Time         `json:"suspended_until,omitempty"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
	Sanctions      []SanctionResponse `json:"sanctions"`
}

// SanctionResponse is one entry of the sanction history.
type SanctionResponse struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Reason    string     `json:"reason"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// BanRequest is the optional body of a ban.
type BanRequest struct {
	Reason string `json:"reason"`
}

// BanResponse reports the outcome of a ban or unban.
type BanResponse struct {
	UserID   string            `json:"user_id"`
	Banned   bool              `json:"banned"`
	Changed  bool              `json:"changed"`
	Sanction *SanctionResponse `json:"sanction,omitempty"`
}

// GetModerationStatus returns a user's moderation state and sanctions.
// A user that was never reported is clean.
func (h *Handler) GetModerationStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, sanctions, err := h.moderator.Status(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	resp := StatusResponse{
		UserID:         userID,
		State:          st.State(),
		ReportCount:    st.ReportCount,
		MutedUntil:     st.MutedUntil,
		SuspendedUntil: st.SuspendedUntil,
		Sanctions:      make([]SanctionResponse, 0, len(sanctions)),
	}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = &st.UpdatedAt
	}
	for _, s := range sanctions {
		resp.Sanctions = append(resp.Sanctions, sanctionResponse(s))
	}
	respond.WriteJSONObject(w, http.StatusOK, resp)
}

// BanUser applies a permanent ban. Banning a banned user returns 200 with
// changed=false.
func (h *Handler) BanUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req BanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && err != io.EOF {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON", err.Error())
		return
	}

	s, err := h.moderator.Ban(r.Context(), userID, req.Reason)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if s == nil {
		respond.WriteJSONObject(w, http.StatusOK, BanResponse{UserID: userID, Banned: true})
		return
	}
	h.logger.Info("User banned via API", "user_id", userID, "sanction_id", s.ID)
	sr := sanctionResponse(*s)
	respond.WriteJSONObject(w, http.StatusCreated, BanResponse{UserID: userID, Banned: true, Changed: true, Sanction: &sr})
}

// UnbanUser lifts a ban.
func (h *Handler) UnbanUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	lifted, err := h.moderator.Unban(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if lifted {
		h.logger.Info("User unbanned via API", "user_id", userID)
	}
	respond.WriteJSONObject(w, http.StatusOK, BanResponse{UserID: userID, Banned: false, Changed: lifted})
}

func sanctionResponse(s model.Sanction) SanctionResponse {
	return SanctionResponse{
		ID:        s.ID,
		Type:      string(s.Type),
		Reason:    s.Reason,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		IsActive:  s.IsActive,
	}
}
