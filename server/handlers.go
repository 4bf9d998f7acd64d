package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"dealdrip/pkg/deal"
)

const maxSettingsBody = 1 << 14

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.status.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Status snapshot failed", "error", err)
		http.Error(w, "Status unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.feed == nil {
		http.NotFound(w, r)
		return
	}
	atom, err := s.feed.Atom(r.Context())
	if err != nil {
		s.logger.Error("Feed render failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if _, err := io.WriteString(w, atom); err != nil {
		s.logger.Warn("Failed to write feed", "error", err)
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.settings.Load(r.Context())
		if err != nil {
			s.logger.Error("Failed to load settings", "error", err)
			http.Error(w, "Settings unavailable", http.StatusServiceUnavailable)
			return
		}
		s.writeJSON(w, http.StatusOK, st)
	case http.MethodPut:
		s.admin(s.updateSettings)(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// updateSettings applies a partial update: absent fields keep their value.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.Load(r.Context())
	if err != nil {
		s.logger.Error("Failed to load settings", "error", err)
		http.Error(w, "Settings unavailable", http.StatusServiceUnavailable)
		return
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		http.Error(w, "Invalid settings: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateSettings(st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.engine.UpdateSettings(r.Context(), st); err != nil {
		s.logger.Error("Failed to update settings", "error", err)
		http.Error(w, "Update failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("Settings updated", "automation_enabled", st.AutomationEnabled,
		"max_posts_per_day", st.MaxPostsPerDay, "dripfeed_interval_minutes", st.DripfeedIntervalMinutes,
		"min_discount_percent", st.MinDiscountPercent, "check_interval", st.CheckInterval)
	s.writeJSON(w, http.StatusOK, st)
}

func validateSettings(st deal.Settings) error {
	switch {
	case st.MinDiscountPercent < 0 || st.MinDiscountPercent > 100:
		return errors.New("min_discount_percent must be within 0-100")
	case st.MaxPostsPerDay < 0:
		return errors.New("max_posts_per_day must not be negative")
	case st.DripfeedIntervalMinutes < 0 || st.DripfeedIntervalMinutes > 24*60:
		return errors.New("dripfeed_interval_minutes must be within 0-1440")
	case !st.CheckInterval.Valid():
		return fmt.Errorf("unknown check_interval %q", st.CheckInterval)
	}
	return nil
}

func (s *Server) handleDrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Dripfeed endpoint triggered")
	res, err := s.engine.TriggerDripfeed(r.Context())
	if err != nil {
		s.logger.Error("Dripfeed trigger failed", "error", err)
		http.Error(w, "Engine unavailable", http.StatusServiceUnavailable)
		return
	}

	body := map[string]any{
		"state":  res.State.String(),
		"reason": res.Reason,
	}
	if res.PostID != "" {
		body["post_id"] = res.PostID
	}
	if !res.NextWake.IsZero() {
		body["next_wake"] = res.NextWake
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Reconcile endpoint triggered")
	stats, err := s.engine.TriggerReconcile(r.Context())
	switch {
	case errors.Is(err, deal.ErrRaceSkip):
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_running"})
	case deal.IsFetchError(err):
		s.logger.Error("Reconcile fetch failed", "error", err)
		http.Error(w, "Catalog unavailable", http.StatusBadGateway)
	case err != nil:
		s.logger.Error("Reconcile failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := s.engine.TriggerSweep(r.Context())
	if err != nil {
		s.logger.Error("Ledger sweep failed", "error", err)
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	post, err := s.engine.DeletePost(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			http.Error(w, "Post not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to delete post", "post_id", id, "error", err)
		http.Error(w, "Delete failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": post.ID, "fingerprint": post.Fingerprint})
}
