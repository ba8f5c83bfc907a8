package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	dbpkg "github.com/subvertigo/rolebridge/db"
)

// HandleStatus reports operational state: auth lifecycle, linked identity
// count, configured dimensions, and the last cycle heartbeat.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{
		"auth_state":    h.auth.State().String(),
		"channel":       h.cfg.TwitchChannel,
		"sync_interval": h.cfg.SyncInterval.String(),
		"sub_role":      h.cfg.SubRoleEnabled(),
	}

	var linked int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identity_links`).Scan(&linked); err == nil {
		resp["linked_identities"] = linked
	}

	// Last cycle heartbeat, written by the scheduler after every run.
	if v, err := dbpkg.GetKV(ctx, h.db, "sync_last_run"); err == nil && v != "" {
		resp["sync_last_run"] = v
	}
	if v, err := dbpkg.GetKV(ctx, h.db, "sync_last_result"); err == nil && v != "" {
		resp["sync_last_result"] = v
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
