// Package sandbox implements the sandbox violation detector: a pure
// function classifying shell command strings as safe or escaping the
// worktree. It is consumed by the agent supervisor's pre-tool-use hook
// (pkg/agentsup) and never touches the filesystem or hard-codes a host
// path, so it is trivially unit-testable and position-independent.
package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"
)

// cdRE matches `cd <target>` occurrences anywhere in a command string,
// including ones chained with &&, ;, or |, and optionally quoted targets.
var cdRE = regexp.MustCompile(`(?:^|[;&|]\s*)cd\s+['"]?([^\s;&|'"]+)['"]?`)

// gitDashCRE matches `git ... -C <target>` invocations.
var gitDashCRE = regexp.MustCompile(`git\s+(?:\S+\s+)*?-C\s+['"]?([^\s;&|'"]+)['"]?`)

var allowedEscapePrefixes = []string{"/tmp", "/var/tmp", "/dev"}

// Violation reports whether command, if run with the given host repository
// and worktree paths, would escape the worktree sandbox. It returns a
// human-readable reason when it does.
func Violation(command, hostRepo, worktree string) (bool, string) {
	cleanHost := cleanPath(hostRepo)
	cleanWorktree := cleanPath(worktree)

	// Rule 2: `git -C <host_repo> ...` in any quoting.
	for _, m := range gitDashCRE.FindAllStringSubmatch(command, -1) {
		target := cleanPath(m[1])
		if withinOrEqual(target, cleanHost) {
			return true, "git -C targets the host repository"
		}
	}

	// Rule 1 & 4: `cd <path>`.
	for _, m := range cdRE.FindAllStringSubmatch(command, -1) {
		target := m[1]
		if !strings.HasPrefix(target, "/") {
			continue // relative cd cannot be classified without a cwd
		}
		cleanTarget := cleanPath(target)

		if withinOrEqual(cleanTarget, cleanHost) {
			if !withinOrEqual(cleanTarget, cleanWorktree) {
				return true, "cd to host repository path"
			}
			continue
		}

		if withinOrEqual(cleanTarget, cleanWorktree) {
			continue
		}

		if isAllowedEscapePrefix(cleanTarget) {
			continue
		}

		return true, "cd to absolute path outside the worktree"
	}

	// Rule 3: any git invocation mentioning the host repo but not the
	// worktree, anywhere in the command text.
	if looksLikeGitInvocation(command) && strings.Contains(command, cleanHost) && !strings.Contains(command, cleanWorktree) {
		return true, "git invocation references the host repository without the worktree"
	}

	return false, ""
}

func looksLikeGitInvocation(command string) bool {
	gitWordRE := regexp.MustCompile(`(^|[\s;&|])git(\s|$)`)
	return gitWordRE.MatchString(command)
}

func cleanPath(p string) string {
	if p == "" {
		return p
	}
	return strings.TrimRight(filepath.Clean(p), "/")
}

func withinOrEqual(target, base string) bool {
	if base == "" {
		return false
	}
	return target == base || strings.HasPrefix(target, base+"/")
}

func isAllowedEscapePrefix(target string) bool {
	for _, prefix := range allowedEscapePrefixes {
		if withinOrEqual(target, prefix) {
			return true
		}
	}
	return false
}
