package agentsup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veorc/veorc/pkg/frontmatter"
)

// SkillsDir is the well-known directory phase skill files live under,
// relative to the host repository root.
const SkillsDir = ".ve/orchestrator/skills"

// skillFileName maps a phase to its skill markdown file name.
func skillFileName(phase Phase) string {
	switch phase {
	case PhaseGoal:
		return "goal.md"
	case PhasePlan:
		return "plan.md"
	case PhaseImplement:
		return "implement.md"
	case PhaseComplete:
		return "complete.md"
	default:
		return strings.ToLower(string(phase)) + ".md"
	}
}

// loadSkillText reads and strips frontmatter from a phase's skill file.
func loadSkillText(repoRoot string, phase Phase) (string, error) {
	path := filepath.Join(repoRoot, SkillsDir, skillFileName(phase))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("agentsup: load skill for phase %s: %w", phase, err)
	}
	_, body := frontmatter.SplitFrontmatter(data)
	if len(body) == 0 {
		body = data
	}
	return strings.TrimSpace(string(body)), nil
}

// sandboxPreamble states the worktree path and forbids escaping cd.
func sandboxPreamble(worktree string) string {
	return fmt.Sprintf(
		"You are operating inside an isolated git worktree at %s.\n"+
			"Do not `cd` to any absolute path outside this worktree, and never pass "+
			"-C or --git-dir pointing outside it. All file edits and git operations "+
			"must stay within this directory.\n\n", worktree)
}

// BuildPrompt assembles the phase prompt: sandbox preamble, skill text,
// and for GOAL phase a $ARGUMENTS substitution; for resumed sessions
// with a pending operator answer, the answer is prepended.
func BuildPrompt(repoRoot, worktree, chunk string, phase Phase, pendingAnswer string) (string, error) {
	skill, err := loadSkillText(repoRoot, phase)
	if err != nil {
		return "", err
	}

	if phase == PhaseGoal {
		args := fmt.Sprintf("Refine the GOAL.md for existing chunk: %s", chunk)
		skill = strings.ReplaceAll(skill, "$ARGUMENTS", args)
	}

	prompt := sandboxPreamble(worktree) + skill

	if pendingAnswer != "" {
		prompt = fmt.Sprintf("User answer: %s\n\n%s", pendingAnswer, prompt)
	}
	return prompt, nil
}

// MaxTurnsFor returns the per-phase turn cap: 100 for a fresh phase run,
// 20 for an ACTIVE-status resume or a commit-only pass.
func MaxTurnsFor(isResumeOrCommit bool) int {
	if isResumeOrCommit {
		return 20
	}
	return 100
}
