// Package chunkfs is the orchestrator's one seam into the
// workflow-artifact subsystem: it reads and rewrites a chunk's GOAL.md
// status field on disk, nothing more. The orchestrator never creates,
// deletes, or otherwise manages chunk artifacts; it only needs enough
// read/write access to drive scheduling and the conflict oracle against
// the real chunk directory layout:
//
//	<repo>/docs/chunks/<chunk>/GOAL.md
//	<repo>/docs/chunks/<chunk>/PLAN.md
//
// This adapter implements both pkg/conflict.ChunkFrontmatterReader and
// pkg/scheduler.ChunkActivator against those files directly, following
// a read-decode-validate style (see DESIGN.md) generalized from a
// single config file to a per-chunk document.
package chunkfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veorc/veorc/pkg/frontmatter"
)

// Reader provides GOAL.md-backed chunk status/frontmatter access rooted
// at a single repository checkout.
type Reader struct {
	RepoRoot string
}

// New constructs a Reader rooted at repoRoot.
func New(repoRoot string) *Reader {
	return &Reader{RepoRoot: repoRoot}
}

func (r *Reader) goalPath(chunk string) string {
	return filepath.Join(r.RepoRoot, "docs", "chunks", chunk, "GOAL.md")
}

// ChunkFrontmatter implements pkg/conflict.ChunkFrontmatterReader.
func (r *Reader) ChunkFrontmatter(chunk string) (frontmatter.ChunkFrontmatter, error) {
	doc, err := os.ReadFile(r.goalPath(chunk))
	if err != nil {
		return frontmatter.ChunkFrontmatter{}, fmt.Errorf("chunkfs: read GOAL.md for %s: %w", chunk, err)
	}
	yamlBlock, _ := frontmatter.SplitFrontmatter(doc)
	if yamlBlock == nil {
		return frontmatter.ChunkFrontmatter{}, fmt.Errorf("chunkfs: %s GOAL.md has no frontmatter block", chunk)
	}
	fm, errs := frontmatter.ParseChunkFrontmatter(yamlBlock)
	if len(errs) > 0 {
		return fm, fmt.Errorf("chunkfs: %s GOAL.md frontmatter invalid: %s", chunk, strings.Join(errs, "; "))
	}
	return fm, nil
}

// Status implements pkg/scheduler.ChunkActivator. A missing or
// unreadable GOAL.md is returned as an error.
func (r *Reader) Status(chunk string) (frontmatter.ChunkStatus, error) {
	fm, err := r.ChunkFrontmatter(chunk)
	if err != nil {
		return "", err
	}
	return fm.Status, nil
}

// SetStatus rewrites chunk's GOAL.md status field in place, validating
// the transition against pkg/frontmatter's table plus the two
// orchestrator-internal activation moves (IMPLEMENTING<->FUTURE) that
// pkg/scheduler layers on top of it.
func (r *Reader) SetStatus(chunk string, status frontmatter.ChunkStatus) error {
	path := r.goalPath(chunk)
	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("chunkfs: read GOAL.md for %s: %w", chunk, err)
	}
	yamlBlock, body := frontmatter.SplitFrontmatter(doc)
	if yamlBlock == nil {
		return fmt.Errorf("chunkfs: %s GOAL.md has no frontmatter block", chunk)
	}
	fm, errs := frontmatter.ParseChunkFrontmatter(yamlBlock)
	if len(errs) > 0 {
		return fmt.Errorf("chunkfs: %s GOAL.md frontmatter invalid: %s", chunk, strings.Join(errs, "; "))
	}

	if !frontmatter.CanTransition(fm.Status, status) && !isActivationMove(fm.Status, status) {
		return fmt.Errorf("chunkfs: %s status %s -> %s is not a legal transition", chunk, fm.Status, status)
	}

	rewritten, err := rewriteStatusLine(yamlBlock, status)
	if err != nil {
		return fmt.Errorf("chunkfs: rewrite status for %s: %w", chunk, err)
	}

	var out strings.Builder
	out.WriteString("---")
	out.Write(rewritten)
	out.WriteString("---\n")
	out.Write(body)

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	return os.WriteFile(path, []byte(out.String()), mode)
}

// isActivationMove allows the two orchestrator-internal moves that sit
// outside the agent-facing transition table: demoting the displaced
// chunk IMPLEMENTING->FUTURE, and restoring it FUTURE->IMPLEMENTING
// once the running chunk completes.
func isActivationMove(from, to frontmatter.ChunkStatus) bool {
	return (from == frontmatter.StatusImplementing && to == frontmatter.StatusFuture) ||
		(from == frontmatter.StatusFuture && to == frontmatter.StatusImplementing)
}

// rewriteStatusLine replaces the `status:` line of a frontmatter block
// in place, preserving every other line verbatim (comments, field
// order, spacing) rather than round-tripping the whole document through
// a YAML marshaler.
func rewriteStatusLine(yamlBlock []byte, status frontmatter.ChunkStatus) ([]byte, error) {
	lines := strings.Split(string(yamlBlock), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		if strings.HasPrefix(trimmed, "status:") {
			indent := line[:len(line)-len(trimmed)]
			lines[i] = indent + "status: " + string(status)
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no status: line found in frontmatter")
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// Implementing implements pkg/scheduler.ChunkActivator: scans
// docs/chunks/* for the (at most one, by invariant) chunk currently
// IMPLEMENTING.
func (r *Reader) Implementing() (string, bool, error) {
	root := filepath.Join(r.RepoRoot, "docs", "chunks")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("chunkfs: list %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fm, err := r.ChunkFrontmatter(e.Name())
		if err != nil {
			continue
		}
		if fm.Status == frontmatter.StatusImplementing {
			return e.Name(), true, nil
		}
	}
	return "", false, nil
}
