// Package conflict implements the conflict oracle: a deterministic
// four-step decision procedure classifying a pair of chunks as
// INDEPENDENT, SERIALIZE, or ASK_OPERATOR, built on shared-file and
// symbol-hierarchy overlap analysis and the causal ancestry the index
// (pkg/causalindex) already maintains.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/veorc/veorc/pkg/causalindex"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
)

// ChunkFrontmatterReader resolves a chunk's parsed GOAL.md frontmatter,
// so the oracle can read its code_references without depending on the
// workflow-artifact subsystem directly (the orchestrator only consumes
// its frontmatter).
type ChunkFrontmatterReader interface {
	ChunkFrontmatter(chunk string) (frontmatter.ChunkFrontmatter, error)
}

// Oracle analyzes chunk pairs and caches verdicts in the state store.
type Oracle struct {
	Frontmatter ChunkFrontmatterReader
	Index       *causalindex.Index
	Store       *statestore.Store
}

// New constructs an Oracle.
func New(fm ChunkFrontmatterReader, idx *causalindex.Index, store *statestore.Store) *Oracle {
	return &Oracle{Frontmatter: fm, Index: idx, Store: store}
}

// resolvedRef is a code reference normalized to an absolute file path and
// optional symbol path.
type resolvedRef struct {
	file    string
	symbols []string
}

func (r resolvedRef) symbolPath() string { return strings.Join(r.symbols, "::") }

// overlaps reports whether two refs to the same file overlap: one has no
// symbol path, or one symbol path is equal to or a `::`-prefix of the
// other.
func (r resolvedRef) overlaps(other resolvedRef) bool {
	if r.file != other.file {
		return false
	}
	if len(r.symbols) == 0 || len(other.symbols) == 0 {
		return true
	}
	return isPrefixOrEqual(r.symbols, other.symbols) || isPrefixOrEqual(other.symbols, r.symbols)
}

func isPrefixOrEqual(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i := range prefix {
		if prefix[i] != full[i] {
			return false
		}
	}
	return true
}

// resolveRefs normalizes a chunk's code_references. Refs qualified with
// a project other than currentProject are dropped; they are not resolved
// against any other repository. The file of every remaining ref is
// joined onto projectRoot when it is relative.
func resolveRefs(refs []frontmatter.CodeReference, projectRoot, currentProject string) []resolvedRef {
	out := make([]resolvedRef, 0, len(refs))
	for _, ref := range refs {
		if ref.Project != "" && ref.Project != currentProject {
			continue
		}
		file := ref.File
		if projectRoot != "" && !strings.HasPrefix(file, "/") {
			file = projectRoot + "/" + strings.TrimPrefix(file, "./")
		}
		out = append(out, resolvedRef{file: file, symbols: ref.Symbols})
	}
	return out
}

// AnalyzeConflict runs the overlap decision procedure and persists
// the resulting verdict under the canonical (a, b) key. currentProject
// names the host repository's project: refs qualified with any other
// project (org/repo::path#sym) are dropped before comparison. projectRoot
// is joined onto the relative file of each remaining ref; pass "" for
// both if the caller has no multi-project task config.
func (o *Oracle) AnalyzeConflict(ctx context.Context, a, b, currentProject, projectRoot string) (*statestore.ConflictAnalysis, error) {
	fmA, err := o.Frontmatter.ChunkFrontmatter(a)
	if err != nil {
		return nil, fmt.Errorf("conflict: load frontmatter for %s: %w", a, err)
	}
	fmB, err := o.Frontmatter.ChunkFrontmatter(b)
	if err != nil {
		return nil, fmt.Errorf("conflict: load frontmatter for %s: %w", b, err)
	}

	refsA := resolveRefs(fmA.CodeReferences, projectRoot, currentProject)
	refsB := resolveRefs(fmB.CodeReferences, projectRoot, currentProject)

	// Step 1: shared-file test.
	filesA := fileSet(refsA)
	filesB := fileSet(refsB)
	if disjoint(filesA, filesB) {
		return o.Store.UpsertConflict(ctx, a, b, statestore.VerdictIndependent, "no file overlap")
	}

	// Step 2: symbol-hierarchy test.
	var overlapping []string
	for _, ra := range refsA {
		for _, rb := range refsB {
			if ra.overlaps(rb) {
				overlapping = append(overlapping, describeOverlap(ra, rb))
			}
		}
	}
	if len(overlapping) == 0 {
		return o.Store.UpsertConflict(ctx, a, b, statestore.VerdictIndependent, "file overlap but no symbol-level overlap")
	}

	// Step 3: ancestry test.
	if o.Index != nil {
		ancestorsOfA, err := o.Index.GetAncestors(causalindex.TypeChunk, a)
		if err == nil && ancestorsOfA[b] {
			return o.Store.UpsertConflict(ctx, a, b, statestore.VerdictSerialize, "causal ancestor")
		}
		ancestorsOfB, err := o.Index.GetAncestors(causalindex.TypeChunk, b)
		if err == nil && ancestorsOfB[a] {
			return o.Store.UpsertConflict(ctx, a, b, statestore.VerdictSerialize, "causal ancestor")
		}
	}

	// Step 4: otherwise, ask the operator.
	sort.Strings(overlapping)
	reason := "overlapping references: " + strings.Join(overlapping, "; ")
	return o.Store.UpsertConflict(ctx, a, b, statestore.VerdictAskOperator, reason)
}

func describeOverlap(a, b resolvedRef) string {
	if a.symbolPath() == "" && b.symbolPath() == "" {
		return a.file
	}
	return fmt.Sprintf("%s#%s~%s", a.file, a.symbolPath(), b.symbolPath())
}

func fileSet(refs []resolvedRef) map[string]bool {
	set := make(map[string]bool, len(refs))
	for _, r := range refs {
		set[r.file] = true
	}
	return set
}

func disjoint(a, b map[string]bool) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if big[k] {
			return false
		}
	}
	return true
}

// EffectiveVerdict returns the verdict the scheduler should act on for a
// work unit's relationship to another chunk: the operator override if
// set, otherwise the cached verdict, otherwise ok=false (not yet analyzed).
func EffectiveVerdict(w *statestore.WorkUnit, other string) (statestore.Verdict, bool) {
	if w.ConflictOverride != nil {
		return *w.ConflictOverride, true
	}
	v, ok := w.ConflictVerdicts[other]
	return v, ok
}
