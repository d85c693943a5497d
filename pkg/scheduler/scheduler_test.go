package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/veorc/veorc/pkg/agentsup"
	"github.com/veorc/veorc/pkg/conflict"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
	"github.com/veorc/veorc/pkg/worktree"
)

// initTestRepo creates a throwaway git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return root
}

type fakeFrontmatter map[string]frontmatter.ChunkFrontmatter

func (f fakeFrontmatter) ChunkFrontmatter(chunk string) (frontmatter.ChunkFrontmatter, error) {
	return f[chunk], nil
}

// fakeActivator is an in-memory ChunkActivator: every chunk starts FUTURE
// unless seeded otherwise.
type fakeActivator struct {
	status map[string]frontmatter.ChunkStatus
}

func newFakeActivator() *fakeActivator {
	return &fakeActivator{status: map[string]frontmatter.ChunkStatus{}}
}

func (a *fakeActivator) Status(chunk string) (frontmatter.ChunkStatus, error) {
	if s, ok := a.status[chunk]; ok {
		return s, nil
	}
	return frontmatter.StatusFuture, nil
}

func (a *fakeActivator) SetStatus(chunk string, status frontmatter.ChunkStatus) error {
	a.status[chunk] = status
	return nil
}

func (a *fakeActivator) Implementing() (string, bool, error) {
	for chunk, s := range a.status {
		if s == frontmatter.StatusImplementing {
			return chunk, true, nil
		}
	}
	return "", false, nil
}

type fakeRuntime struct {
	callback func(req agentsup.RunPhaseRequest) agentsup.AgentResult
}

func (f *fakeRuntime) RunPhase(req agentsup.RunPhaseRequest) (agentsup.AgentResult, error) {
	return f.callback(req), nil
}

func writeSkills(t *testing.T, repoRoot string) {
	t.Helper()
	dir := filepath.Join(repoRoot, agentsup.SkillsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, phase := range []agentsup.Phase{agentsup.PhaseGoal, agentsup.PhasePlan, agentsup.PhaseImplement, agentsup.PhaseComplete} {
		name := map[agentsup.Phase]string{
			agentsup.PhaseGoal: "goal.md", agentsup.PhasePlan: "plan.md",
			agentsup.PhaseImplement: "implement.md", agentsup.PhaseComplete: "complete.md",
		}[phase]
		if err := os.WriteFile(filepath.Join(dir, name), []byte("Run the "+string(phase)+" phase."), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type testRig struct {
	sched     *Scheduler
	store     *statestore.Store
	wt        *worktree.Manager
	activator *fakeActivator
	repoRoot  string
}

func newTestRig(t *testing.T, fm fakeFrontmatter, result func(req agentsup.RunPhaseRequest) agentsup.AgentResult) *testRig {
	t.Helper()
	repoRoot := initTestRepo(t)
	writeSkills(t, repoRoot)

	store, err := statestore.Open("sqlite3", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wt := worktree.New(repoRoot, "main")
	oracle := conflict.New(fm, nil, store)
	sup := agentsup.New(&fakeRuntime{callback: result}, repoRoot, nil)
	act := newFakeActivator()

	sched := New(store, oracle, wt, sup, act, nil)
	return &testRig{sched: sched, store: store, wt: wt, activator: act, repoRoot: repoRoot}
}

func TestRunWorkUnitCompletedAdvancesPhase(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {CodeReferences: nil}}
	rig := newTestRig(t, fm, func(req agentsup.RunPhaseRequest) agentsup.AgentResult {
		return agentsup.AgentResult{Kind: agentsup.ResultCompleted, SessionID: "sess-1"}
	})
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}

	if err := rig.sched.runWorkUnit(ctx, "alpha"); err != nil {
		t.Fatalf("runWorkUnit: %v", err)
	}

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if u.Phase != statestore.PhasePlan {
		t.Errorf("expected phase advanced to PLAN, got %s", u.Phase)
	}
	if u.Status != statestore.StatusReady {
		t.Errorf("expected status READY after phase advance, got %s", u.Status)
	}
	if status, _ := rig.activator.Status("alpha"); status != frontmatter.StatusImplementing {
		t.Errorf("expected chunk activated to IMPLEMENTING, got %s", status)
	}
}

func TestRunWorkUnitSuspendedSetsNeedsAttention(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {}}
	rig := newTestRig(t, fm, func(req agentsup.RunPhaseRequest) agentsup.AgentResult {
		return agentsup.AgentResult{
			Kind:      agentsup.ResultSuspended,
			SessionID: "sess-2",
			Question:  &agentsup.Question{Text: "Approach A or B?"},
		}
	})
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	if err := rig.sched.runWorkUnit(ctx, "alpha"); err != nil {
		t.Fatalf("runWorkUnit: %v", err)
	}

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if u.Status != statestore.StatusNeedsAttention {
		t.Errorf("expected NEEDS_ATTENTION, got %s", u.Status)
	}
	if u.AttentionReason == nil || *u.AttentionReason != "Question: Approach A or B?" {
		t.Errorf("unexpected attention reason: %v", u.AttentionReason)
	}
	if u.SessionID == nil || *u.SessionID != "sess-2" {
		t.Errorf("expected session id recorded, got %v", u.SessionID)
	}
}

func TestRunWorkUnitFailedSetsNeedsAttention(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {}}
	rig := newTestRig(t, fm, func(req agentsup.RunPhaseRequest) agentsup.AgentResult {
		return agentsup.AgentResult{Kind: agentsup.ResultFailed, Err: "agent crashed"}
	})
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	if err := rig.sched.runWorkUnit(ctx, "alpha"); err != nil {
		t.Fatalf("runWorkUnit: %v", err)
	}

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if u.Status != statestore.StatusNeedsAttention {
		t.Errorf("expected NEEDS_ATTENTION, got %s", u.Status)
	}
	if u.AttentionReason == nil || *u.AttentionReason != "agent crashed" {
		t.Errorf("unexpected attention reason: %v", u.AttentionReason)
	}
}

func TestCompleteChunkMergesAndMarksDoneAndUnblocksDependents(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {}, "beta": {}}
	rig := newTestRig(t, fm, func(req agentsup.RunPhaseRequest) agentsup.AgentResult {
		return agentsup.AgentResult{Kind: agentsup.ResultCompleted, SessionID: "sess-3"}
	})
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit alpha: %v", err)
	}
	if _, err := rig.store.CreateWorkUnit(ctx, "beta", 0); err != nil {
		t.Fatalf("CreateWorkUnit beta: %v", err)
	}
	if _, err := rig.store.UpdateWorkUnit(ctx, "beta", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusBlocked
		w.BlockedBy = []string{"alpha"}
		return nil
	}); err != nil {
		t.Fatalf("seed blocked beta: %v", err)
	}

	if _, err := rig.wt.CreateWorktree(ctx, "alpha"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rig.wt.WorktreePath("alpha"), "work.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rig.activator.SetStatus("alpha", frontmatter.StatusActive)

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	u.Phase = statestore.PhaseComplete

	if err := rig.sched.completeChunk(ctx, "alpha", u); err != nil {
		t.Fatalf("completeChunk: %v", err)
	}

	got, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if got.Status != statestore.StatusDone {
		t.Errorf("expected DONE, got %s", got.Status)
	}

	betaAfter, err := rig.store.GetWorkUnit(ctx, "beta")
	if err != nil {
		t.Fatalf("GetWorkUnit beta: %v", err)
	}
	if betaAfter.Status != statestore.StatusReady {
		t.Errorf("expected beta unblocked to READY, got %s", betaAfter.Status)
	}
	if len(betaAfter.BlockedBy) != 0 {
		t.Errorf("expected beta's blocked_by cleared, got %v", betaAfter.BlockedBy)
	}

	if _, err := os.Stat(filepath.Join(rig.repoRoot, "work.txt")); err != nil {
		t.Errorf("expected merged file on base branch: %v", err)
	}
}

func TestCheckConflictsBlocksOnRunningSerialize(t *testing.T) {
	// Cached SERIALIZE verdict seeded directly on the work unit: SERIALIZE
	// is only ever produced by the oracle's causal-ancestry step, so this
	// exercises checkConflicts' blocking logic independent of the oracle's
	// own ancestry analysis (covered by pkg/conflict's own tests).
	rig := newTestRig(t, fakeFrontmatter{}, nil)
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "a", 0); err != nil {
		t.Fatalf("CreateWorkUnit a: %v", err)
	}
	if _, err := rig.store.CreateWorkUnit(ctx, "b", 0); err != nil {
		t.Fatalf("CreateWorkUnit b: %v", err)
	}
	a, err := rig.store.UpdateWorkUnit(ctx, "a", func(w *statestore.WorkUnit) error {
		w.ConflictVerdicts["b"] = statestore.VerdictSerialize
		return nil
	})
	if err != nil {
		t.Fatalf("seed cached verdict: %v", err)
	}
	peerB, err := rig.store.UpdateWorkUnit(ctx, "b", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("seed running b: %v", err)
	}

	blocking, attention, err := rig.sched.checkConflicts(ctx, a, []*statestore.WorkUnit{a, peerB})
	if err != nil {
		t.Fatalf("checkConflicts: %v", err)
	}
	if attention != "" {
		t.Fatalf("expected no escalation, got %q", attention)
	}
	if len(blocking) != 1 || blocking[0] != "b" {
		t.Errorf("expected a to be blocked by running b, got %v", blocking)
	}
}

func TestCheckConflictsEscalatesOnRunningAskOperator(t *testing.T) {
	fm := fakeFrontmatter{
		"a": {CodeReferences: []frontmatter.CodeReference{frontmatter.ParseRef("pkg/shared.go")}},
		"b": {CodeReferences: []frontmatter.CodeReference{frontmatter.ParseRef("pkg/shared.go")}},
	}
	rig := newTestRig(t, fm, nil)
	ctx := context.Background()

	a, err := rig.store.CreateWorkUnit(ctx, "a", 0)
	if err != nil {
		t.Fatalf("CreateWorkUnit a: %v", err)
	}
	if _, err := rig.store.CreateWorkUnit(ctx, "b", 0); err != nil {
		t.Fatalf("CreateWorkUnit b: %v", err)
	}
	peerB, err := rig.store.UpdateWorkUnit(ctx, "b", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("seed running b: %v", err)
	}

	// Two whole-file refs to the same path overlap (step 2) with no
	// ancestry between them (step 3), so the oracle falls through to
	// ASK_OPERATOR (step 4).
	_, attention, err := rig.sched.checkConflicts(ctx, a, []*statestore.WorkUnit{a, peerB})
	if err != nil {
		t.Fatalf("checkConflicts: %v", err)
	}
	if attention == "" {
		t.Fatal("expected escalation to NEEDS_ATTENTION for ASK_OPERATOR verdict against a running peer")
	}
}

func TestCheckConflictsReadyPeerWarnsButDoesNotBlock(t *testing.T) {
	// Seeded directly as in TestCheckConflictsBlocksOnRunningSerialize: a
	// SERIALIZE verdict against a READY (not RUNNING) peer must only warn.
	rig := newTestRig(t, fakeFrontmatter{}, nil)
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "a", 0); err != nil {
		t.Fatalf("CreateWorkUnit a: %v", err)
	}
	b, err := rig.store.CreateWorkUnit(ctx, "b", 0)
	if err != nil {
		t.Fatalf("CreateWorkUnit b: %v", err)
	}
	a, err := rig.store.UpdateWorkUnit(ctx, "a", func(w *statestore.WorkUnit) error {
		w.ConflictVerdicts["b"] = statestore.VerdictSerialize
		return nil
	})
	if err != nil {
		t.Fatalf("seed cached verdict: %v", err)
	}

	blocking, attention, err := rig.sched.checkConflicts(ctx, a, []*statestore.WorkUnit{a, b})
	if err != nil {
		t.Fatalf("checkConflicts: %v", err)
	}
	if attention != "" {
		t.Errorf("expected no escalation for a READY peer, got %q", attention)
	}
	if len(blocking) != 0 {
		t.Errorf("expected a READY peer to never block, got %v", blocking)
	}
}

func TestRecoverResetsRunningToReadyAndCleansOrphans(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {}, "orphan": {}}
	rig := newTestRig(t, fm, nil)
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	path, err := rig.wt.CreateWorktree(ctx, "alpha")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := rig.store.UpdateWorkUnit(ctx, "alpha", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusRunning
		w.Worktree = &path
		return nil
	}); err != nil {
		t.Fatalf("seed running alpha: %v", err)
	}

	if _, err := rig.wt.CreateWorktree(ctx, "orphan"); err != nil {
		t.Fatalf("CreateWorktree orphan: %v", err)
	}

	if err := rig.sched.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if u.Status != statestore.StatusReady {
		t.Errorf("expected alpha reset to READY, got %s", u.Status)
	}
	if u.Worktree != nil {
		t.Errorf("expected worktree cleared, got %v", *u.Worktree)
	}

	if _, err := os.Stat(rig.wt.WorktreePath("orphan")); !os.IsNotExist(err) {
		t.Errorf("expected orphaned worktree removed, stat err = %v", err)
	}
}

func TestRetryMergeClearsAttentionOnSuccess(t *testing.T) {
	fm := fakeFrontmatter{"alpha": {}}
	rig := newTestRig(t, fm, nil)
	ctx := context.Background()

	if _, err := rig.store.CreateWorkUnit(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateWorkUnit: %v", err)
	}
	if _, err := rig.wt.CreateWorktree(ctx, "alpha"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rig.wt.WorktreePath("alpha"), "retry.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.wt.CommitChanges(ctx, "alpha"); err != nil {
		t.Fatalf("CommitChanges: %v", err)
	}
	// completeChunk removes the worktree before merging, so a pending
	// merge failure never has a worktree left behind.
	if err := rig.wt.RemoveWorktree(ctx, "alpha", false); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}

	reason := "merge to base failed: conflicts in retry.txt"
	if _, err := rig.store.UpdateWorkUnit(ctx, "alpha", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusNeedsAttention
		w.AttentionReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("seed attention state: %v", err)
	}

	if err := rig.sched.RetryMerge(ctx, "alpha"); err != nil {
		t.Fatalf("RetryMerge: %v", err)
	}

	u, err := rig.store.GetWorkUnit(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if u.Status != statestore.StatusDone {
		t.Errorf("expected DONE after successful retry, got %s", u.Status)
	}
	if u.AttentionReason != nil {
		t.Errorf("expected attention reason cleared, got %v", *u.AttentionReason)
	}
}

func TestDrainReturnsImmediatelyWhenNothingRunning(t *testing.T) {
	rig := newTestRig(t, fakeFrontmatter{}, nil)
	rig.sched.ShutdownTimeout = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		if err := rig.sched.drain(); err != nil {
			t.Errorf("drain: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not return promptly with no running tasks")
	}
}
