package chunkfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veorc/veorc/pkg/frontmatter"
)

func writeGoal(t *testing.T, repoRoot, chunk, body string) {
	t.Helper()
	dir := filepath.Join(repoRoot, "docs", "chunks", chunk)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "GOAL.md"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const goalDoc = `---
status: IMPLEMENTING
created_after: []
code_references:
  - ref: src/foo.py#Bar
    implements: the Bar refactor
---

# Goal

Refactor Bar.
`

func TestChunkFrontmatterParsesRealFile(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc)

	r := New(repoRoot)
	fm, err := r.ChunkFrontmatter("alpha")
	if err != nil {
		t.Fatalf("ChunkFrontmatter: %v", err)
	}
	if fm.Status != frontmatter.StatusImplementing {
		t.Errorf("expected IMPLEMENTING, got %s", fm.Status)
	}
	if len(fm.CodeReferences) != 1 || fm.CodeReferences[0].File != "src/foo.py" {
		t.Errorf("unexpected code references: %+v", fm.CodeReferences)
	}
}

func TestStatusReturnsParsedStatus(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc)

	r := New(repoRoot)
	status, err := r.Status("alpha")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != frontmatter.StatusImplementing {
		t.Errorf("expected IMPLEMENTING, got %s", status)
	}
}

func TestStatusMissingGoalIsError(t *testing.T) {
	repoRoot := t.TempDir()
	r := New(repoRoot)
	if _, err := r.Status("nope"); err == nil {
		t.Error("expected error for missing GOAL.md")
	}
}

func TestSetStatusRewritesStatusLinePreservingRest(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc)

	r := New(repoRoot)
	if err := r.SetStatus("alpha", frontmatter.StatusActive); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	fm, err := r.ChunkFrontmatter("alpha")
	if err != nil {
		t.Fatalf("ChunkFrontmatter after rewrite: %v", err)
	}
	if fm.Status != frontmatter.StatusActive {
		t.Errorf("expected ACTIVE after rewrite, got %s", fm.Status)
	}
	if len(fm.CodeReferences) != 1 {
		t.Errorf("expected code_references preserved, got %+v", fm.CodeReferences)
	}

	raw, err := os.ReadFile(filepath.Join(repoRoot, "docs", "chunks", "alpha", "GOAL.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "# Goal") {
		t.Error("expected markdown body to survive the rewrite")
	}
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc)

	r := New(repoRoot)
	if err := r.SetStatus("alpha", frontmatter.StatusHistorical+"2"); err == nil {
		t.Fatal("expected error for nonsense target status")
	}
	// IMPLEMENTING -> SUPERSEDED is not in the transition table and is
	// not one of the two activation moves.
	if err := r.SetStatus("alpha", frontmatter.StatusSuperseded); err == nil {
		t.Error("expected IMPLEMENTING->SUPERSEDED to be rejected")
	}
}

func TestSetStatusAllowsActivationDisplacementMoves(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc) // starts IMPLEMENTING

	r := New(repoRoot)
	if err := r.SetStatus("alpha", frontmatter.StatusFuture); err != nil {
		t.Fatalf("expected IMPLEMENTING->FUTURE displacement move to be allowed: %v", err)
	}
	if err := r.SetStatus("alpha", frontmatter.StatusImplementing); err != nil {
		t.Fatalf("expected FUTURE->IMPLEMENTING restoration move to be allowed: %v", err)
	}
}

func TestImplementingFindsTheOneImplementingChunk(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "alpha", goalDoc)
	writeGoal(t, repoRoot, "beta", strings.Replace(goalDoc, "IMPLEMENTING", "FUTURE", 1))

	r := New(repoRoot)
	chunk, ok, err := r.Implementing()
	if err != nil {
		t.Fatalf("Implementing: %v", err)
	}
	if !ok || chunk != "alpha" {
		t.Errorf("expected alpha IMPLEMENTING, got chunk=%q ok=%v", chunk, ok)
	}
}

func TestImplementingReturnsFalseWhenNoneFound(t *testing.T) {
	repoRoot := t.TempDir()
	writeGoal(t, repoRoot, "beta", strings.Replace(goalDoc, "IMPLEMENTING", "FUTURE", 1))

	r := New(repoRoot)
	_, ok, err := r.Implementing()
	if err != nil {
		t.Fatalf("Implementing: %v", err)
	}
	if ok {
		t.Error("expected no chunk IMPLEMENTING")
	}
}

func TestImplementingHandlesMissingChunksDir(t *testing.T) {
	repoRoot := t.TempDir()
	r := New(repoRoot)
	_, ok, err := r.Implementing()
	if err != nil {
		t.Fatalf("Implementing: %v", err)
	}
	if ok {
		t.Error("expected false when docs/chunks doesn't exist")
	}
}
