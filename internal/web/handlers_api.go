package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"launcher-ate/internal/store"
)

const defaultHistoryLimit = 20

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.snapshot())
}

func (s *Server) handleAPIListCampaigns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history not available"})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	list, err := s.history.ListCampaigns(limit)
	if err != nil {
		s.logger.Error("list campaigns", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if list == nil {
		list = []*store.CampaignRecord{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIGetCampaign(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history not available"})
		return
	}

	id := r.PathValue("id")
	rec, err := s.history.GetCampaign(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "campaign not found"})
		return
	}
	if err != nil {
		s.logger.Error("get campaign", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
