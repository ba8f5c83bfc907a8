package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/subvertigo/rolebridge/syncer"
	"github.com/subvertigo/rolebridge/telemetry"
)

type linkRequest struct {
	DiscordID   string `json:"discord_id"`
	TwitchLogin string `json:"twitch_login"`
}

// HandleLinkCreate links a Discord account to a Twitch login. Linking is an
// upsert and steals the login from any previous owner; a sync is kicked so
// the role change lands without waiting for the next period.
func (h *Handlers) HandleLinkCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if err := h.links.Link(r.Context(), req.DiscordID, req.TwitchLogin); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("identity linked",
		slog.String("discord_id", req.DiscordID), slog.String("component", "server"))
	if h.sched != nil {
		h.sched.TriggerAsync(h.ctx)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"discord_id":   req.DiscordID,
		"twitch_login": strings.ToLower(strings.TrimSpace(req.TwitchLogin)),
	})
}

// HandleLinkDispatcher routes /links/{discord_id} to status or unlink.
func (h *Handlers) HandleLinkDispatcher(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/links/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleLinkStatus(w, r, id)
	case http.MethodDelete:
		h.handleUnlink(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleLinkStatus(w http.ResponseWriter, r *http.Request, id string) {
	link, err := h.links.Status(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if link == nil {
		http.Error(w, "not linked", http.StatusNotFound)
		return
	}
	resp := map[string]any{
		"discord_id":   link.DiscordID,
		"twitch_login": link.TwitchLogin,
		"created_at":   link.CreatedAt,
	}
	// Live membership is best-effort: without a Twitch session the link
	// itself is still reported.
	if h.sched != nil && h.sched.Engine != nil {
		if vip, sub, err := h.sched.Engine.Membership(r.Context(), link.TwitchLogin); err == nil {
			resp["is_vip"] = vip
			if h.cfg.SubRoleEnabled() {
				resp["is_subscriber"] = sub
			}
		} else {
			telemetry.LoggerWithCorr(r.Context()).Debug("live membership unavailable",
				slog.Any("err", err), slog.String("component", "server"))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handlers) handleUnlink(w http.ResponseWriter, r *http.Request, id string) {
	existed, err := h.links.Unlink(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !existed {
		http.Error(w, "not linked", http.StatusNotFound)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("identity unlinked",
		slog.String("discord_id", id), slog.String("component", "server"))
	// Unlink only deletes the mapping; roles the account already holds stay
	// in place. The kicked cycle serves the remaining links.
	if h.sched != nil {
		h.sched.TriggerAsync(h.ctx)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSyncTrigger runs one reconciliation cycle on demand. A cycle already
// in flight is reported as a conflict, not queued.
func (h *Handlers) HandleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mutations, err := h.sched.TriggerNow(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrCycleInProgress):
			http.Error(w, "sync already in progress", http.StatusConflict)
		case errors.Is(err, syncer.ErrSessionUnavailable):
			http.Error(w, "twitch session unavailable; re-authorize via /auth/twitch/start", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "mutations": mutations})
}
