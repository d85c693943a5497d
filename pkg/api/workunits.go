package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veorc/veorc/internal/errkit"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
)

func (s *Server) handleListWorkUnits(w http.ResponseWriter, r *http.Request) {
	status := statestore.Status(r.URL.Query().Get("status"))
	units, err := s.Store.ListWorkUnits(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, units)
}

func (s *Server) handleReadyQueue(w http.ResponseWriter, r *http.Request) {
	units, err := s.Store.ReadyQueue(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, units)
}

type createWorkUnitRequest struct {
	Chunk    string `json:"chunk"`
	Priority int    `json:"priority"`
}

func (s *Server) handleCreateWorkUnit(w http.ResponseWriter, r *http.Request) {
	var req createWorkUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}
	if !frontmatter.ValidChunkName(req.Chunk) {
		writeError(w, errkit.Validation("invalid chunk name %q", req.Chunk))
		return
	}

	u, err := s.Store.CreateWorkUnit(r.Context(), req.Chunk, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetWorkUnit(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	u, err := s.Store.GetWorkUnit(r.Context(), chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

type patchWorkUnitRequest struct {
	Priority *int    `json:"priority,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// handlePatchWorkUnit applies a partial update. Only priority and status
// are mutable via this route; everything else (phase, worktree, session)
// is orchestrator-internal and only ever changes via the scheduler.
func (s *Server) handlePatchWorkUnit(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	var req patchWorkUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}

	u, err := s.Store.UpdateWorkUnit(r.Context(), chunk, func(w *statestore.WorkUnit) error {
		if req.Priority != nil {
			w.Priority = *req.Priority
		}
		if req.Status != nil {
			w.Status = statestore.Status(*req.Status)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteWorkUnit(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	if err := s.Store.DeleteWorkUnit(r.Context(), chunk); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setPriorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	var req setPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}
	u, err := s.Store.UpdateWorkUnit(r.Context(), chunk, func(w *statestore.WorkUnit) error {
		w.Priority = req.Priority
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	rows, err := s.Store.History(r.Context(), chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// handleAnswer implements POST /work-units/{chunk}/answer: requires
// NEEDS_ATTENTION, stores pending_answer, clears
// attention_reason, transitions to READY so the scheduler resumes the
// suspended session on its next dispatch.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	answer, formRequest, err := readAnswerOrResolveBody(r, "answer")
	if err != nil {
		writeError(w, errkit.Validation("%v", err))
		return
	}

	u, err := s.Store.UpdateWorkUnit(r.Context(), chunk, func(w *statestore.WorkUnit) error {
		if w.Status != statestore.StatusNeedsAttention {
			return errkit.Validation("work unit %s is not NEEDS_ATTENTION", chunk)
		}
		w.PendingAnswer = &answer
		w.AttentionReason = nil
		w.Status = statestore.StatusReady
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if formRequest {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// readAnswerOrResolveBody accepts either JSON or
// application/x-www-form-urlencoded (the dashboard's forms post the
// latter), returning the named field's value and whether the request
// came from a form (so the handler knows to 303-redirect instead of
// returning JSON).
func readAnswerOrResolveBody(r *http.Request, field string) (string, bool, error) {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= len("application/x-www-form-urlencoded") && ct[:len("application/x-www-form-urlencoded")] == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return "", true, err
		}
		return r.Form.Get(field), true, nil
	}
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", false, err
	}
	return body[field], false, nil
}

type resolveRequest struct {
	OtherChunk string `json:"other_chunk"`
	Verdict    string `json:"verdict"`
}

// handleResolve implements POST /work-units/{chunk}/resolve: the
// operator's verdict on a flagged conflict. "serialize" blocks this
// chunk on the other; "parallelize" clears that block.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")

	var req resolveRequest
	formRequest := false
	ct := r.Header.Get("Content-Type")
	if len(ct) >= len("application/x-www-form-urlencoded") && ct[:len("application/x-www-form-urlencoded")] == "application/x-www-form-urlencoded" {
		formRequest = true
		if err := r.ParseForm(); err != nil {
			writeError(w, errkit.Validation("%v", err))
			return
		}
		req.OtherChunk = r.Form.Get("other_chunk")
		req.Verdict = r.Form.Get("verdict")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}

	if req.Verdict != "parallelize" && req.Verdict != "serialize" {
		writeError(w, errkit.Validation("verdict must be parallelize or serialize, got %q", req.Verdict))
		return
	}

	u, err := s.Store.UpdateWorkUnit(r.Context(), chunk, func(w *statestore.WorkUnit) error {
		if req.Verdict == "serialize" {
			w.ConflictVerdicts[req.OtherChunk] = statestore.VerdictSerialize
			if !containsChunk(w.BlockedBy, req.OtherChunk) {
				w.BlockedBy = append(w.BlockedBy, req.OtherChunk)
			}
			if w.Status == statestore.StatusNeedsAttention {
				w.Status = statestore.StatusBlocked
				w.AttentionReason = nil
			}
			return nil
		}

		w.ConflictVerdicts[req.OtherChunk] = statestore.VerdictIndependent
		w.BlockedBy = removeChunk(w.BlockedBy, req.OtherChunk)
		if len(w.BlockedBy) == 0 && w.Status == statestore.StatusNeedsAttention {
			w.Status = statestore.StatusReady
			w.AttentionReason = nil
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if formRequest {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) handleRetryMerge(w http.ResponseWriter, r *http.Request) {
	chunk := chi.URLParam(r, "chunk")
	if err := s.Scheduler.RetryMerge(r.Context(), chunk); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.Store.GetWorkUnit(r.Context(), chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func containsChunk(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeChunk(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.AttentionQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	units, err := s.Store.ListWorkUnits(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	counts := map[statestore.Status]int{}
	for _, u := range units {
		counts[u.Status]++
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pid":    os.Getpid(),
		"uptime": time.Since(s.StartedAt).String(),
		"counts": counts,
		"total":  len(units),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Store.GetConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}
	for key, value := range patch {
		if !statestore.IsValidConfigKey(key) {
			writeError(w, errkit.Validation("unknown config key %q", key))
			return
		}
		if err := s.Store.SetConfigValue(r.Context(), key, value); err != nil {
			writeError(w, err)
			return
		}
	}
	cfg, err := s.Store.GetConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Scheduler != nil {
		s.Scheduler.Configure(cfg)
	}
	respondJSON(w, http.StatusOK, cfg)
}
