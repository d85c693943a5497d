package api

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/veorc/veorc/internal/errkit"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
)

var htmlCommentRE = regexp.MustCompile(`(?s)<!--.*?-->`)

// handleInject implements POST /work-units/inject: validate the chunk
// is injectable against its real on-disk GOAL.md/PLAN.md, detect its
// initial phase, then create a READY work unit.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req createWorkUnitRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, errkit.Validation("invalid request body: %v", err))
		return
	}
	if !frontmatter.ValidChunkName(req.Chunk) {
		writeError(w, errkit.Validation("invalid chunk name %q", req.Chunk))
		return
	}

	phase, warning, err := s.validateInject(req.Chunk)
	if err != nil {
		writeError(w, err)
		return
	}

	u, err := s.Store.CreateWorkUnit(r.Context(), req.Chunk, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err = s.Store.UpdateWorkUnit(r.Context(), req.Chunk, func(w *statestore.WorkUnit) error {
		w.Phase = phase
		w.Status = statestore.StatusReady
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"work_unit": u}
	if warning != "" {
		resp["warning"] = warning
	}
	respondJSON(w, http.StatusCreated, resp)
}

// validateInject applies the chunk-existence, status-content
// consistency, and initial-phase-detection rules against the real chunk
// directory under docs/chunks/<chunk>.
func (s *Server) validateInject(chunk string) (statestore.Phase, string, error) {
	dir := filepath.Join(s.RepoRoot, "docs", "chunks", chunk)
	goalPath := filepath.Join(dir, "GOAL.md")
	planPath := filepath.Join(dir, "PLAN.md")

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", "", errkit.NotFound("chunk %s not found under docs/chunks", chunk)
	}

	goalDoc, goalErr := os.ReadFile(goalPath)
	if goalErr != nil {
		if os.IsNotExist(goalErr) {
			return statestore.PhaseGoal, "", nil
		}
		return "", "", errkit.Validation("reading %s: %v", goalPath, goalErr)
	}

	yamlBlock, _ := frontmatter.SplitFrontmatter(goalDoc)
	if yamlBlock == nil {
		return "", "", errkit.Validation("%s GOAL.md has no frontmatter block", chunk)
	}
	fm, errs := frontmatter.ParseChunkFrontmatter(yamlBlock)
	if len(errs) > 0 {
		return "", "", errkit.Validation("%s GOAL.md frontmatter invalid: %v", chunk, errs)
	}

	switch fm.Status {
	case frontmatter.StatusSuperseded, frontmatter.StatusHistorical:
		return "", "", errkit.Validation("chunk %s has status %s and cannot be injected", chunk, fm.Status)
	}

	planPopulated := planHasApproach(planPath)

	switch fm.Status {
	case frontmatter.StatusImplementing, frontmatter.StatusActive:
		if !planPopulated {
			return "", "", errkit.Validation("chunk %s is %s but PLAN.md has no populated ## Approach section", chunk, fm.Status)
		}
		return statestore.PhaseImplement, "", nil
	case frontmatter.StatusFuture:
		if !planPopulated {
			return statestore.PhasePlan, "the agent will start at PLAN; PLAN.md has no populated plan yet", nil
		}
		return statestore.PhaseImplement, "", nil
	}

	if planPopulated {
		return statestore.PhaseImplement, "", nil
	}
	return statestore.PhasePlan, "", nil
}

// planHasApproach reports whether PLAN.md exists and its "## Approach"
// section contains non-comment, non-whitespace text.
func planHasApproach(planPath string) bool {
	doc, err := os.ReadFile(planPath)
	if err != nil {
		return false
	}

	const heading = "## Approach"
	idx := strings.Index(string(doc), heading)
	if idx < 0 {
		return false
	}
	section := string(doc)[idx+len(heading):]
	if next := strings.Index(section, "\n## "); next >= 0 {
		section = section[:next]
	}

	section = htmlCommentRE.ReplaceAllString(section, "")
	return strings.TrimSpace(section) != ""
}
