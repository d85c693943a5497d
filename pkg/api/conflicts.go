package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veorc/veorc/internal/errkit"
	"github.com/veorc/veorc/pkg/statestore"
)

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	all, err := s.Store.ListConflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if v := r.URL.Query().Get("verdict"); v != "" {
		filtered := make([]statestore.ConflictAnalysis, 0, len(all))
		for _, a := range all {
			if string(a.Verdict) == v {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	respondJSON(w, http.StatusOK, all)
}

func (s *Server) handleConflictsForChunk(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	analyses, err := s.Store.ConflictsForChunk(r.Context(), chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analyses)
}

type analyzeRequest struct {
	ChunkA string `json:"chunk_a"`
	ChunkB string `json:"chunk_b"`
}

func (s *Server) handleAnalyzeConflict(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}
	if req.ChunkA == "" || req.ChunkB == "" {
		writeError(w, errkit.Validation("chunk_a and chunk_b are required"))
		return
	}

	analysis, err := s.Oracle.AnalyzeConflict(r.Context(), req.ChunkA, req.ChunkB, "", s.RepoRoot)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}
