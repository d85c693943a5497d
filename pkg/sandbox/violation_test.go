package sandbox

import "testing"

const (
	hostRepo = "/repo"
	worktree = "/repo/.ve/chunks/e/worktree"
)

func TestViolationAllowsBenignCommands(t *testing.T) {
	cases := []string{
		"git status",
		"go test ./...",
		"cd " + worktree + " && go build ./...",
		"cd /tmp && ls",
	}
	for _, c := range cases {
		if v, reason := Violation(c, hostRepo, worktree); v {
			t.Errorf("Violation(%q) = true (%s), want false", c, reason)
		}
	}
}

func TestViolationBlocksCdToHostRepo(t *testing.T) {
	cases := []string{
		"cd " + hostRepo + " && git commit -m x",
		`cd "` + hostRepo + `/" && git commit -m x`,
		"cd '" + hostRepo + "'",
	}
	for _, c := range cases {
		if v, _ := Violation(c, hostRepo, worktree); !v {
			t.Errorf("Violation(%q) = false, want true", c)
		}
	}
}

func TestViolationAllowsCdIntoWorktreeUnderHost(t *testing.T) {
	if v, reason := Violation("cd "+worktree+" && git status", hostRepo, worktree); v {
		t.Errorf("Violation should allow cd into worktree, got true (%s)", reason)
	}
}

func TestViolationBlocksGitDashC(t *testing.T) {
	if v, _ := Violation("git -C "+hostRepo+" log", hostRepo, worktree); !v {
		t.Error("expected violation for git -C host_repo")
	}
}

func TestViolationBlocksGitMentioningHostWithoutWorktree(t *testing.T) {
	cmd := "echo " + hostRepo + " | xargs git status"
	if v, _ := Violation(cmd, hostRepo, worktree); !v {
		t.Error("expected violation for git invocation mentioning host repo text")
	}
}

func TestViolationBlocksCdToDisallowedAbsolutePath(t *testing.T) {
	if v, _ := Violation("cd /etc && cat shadow", hostRepo, worktree); !v {
		t.Error("expected violation for cd outside worktree to /etc")
	}
}

func TestViolationAllowsCdToTmp(t *testing.T) {
	if v, reason := Violation("cd /var/tmp/x && ls", hostRepo, worktree); v {
		t.Errorf("expected /var/tmp to be allowed, got violation: %s", reason)
	}
}

func TestViolationPositionIndependent(t *testing.T) {
	// Same rules under completely different host/worktree paths.
	host := "/home/ci/checkout"
	wt := "/home/ci/checkout/.ve/chunks/foo/worktree"
	if v, _ := Violation("cd "+host, host, wt); !v {
		t.Error("expected violation regardless of concrete path values")
	}
	if v, _ := Violation("cd "+wt, host, wt); v {
		t.Error("expected no violation for cd into worktree regardless of concrete path values")
	}
}
