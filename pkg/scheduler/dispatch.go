package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veorc/veorc/pkg/agentsup"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
	"github.com/veorc/veorc/pkg/worktree"
)

// runWorkUnit is the per-work-unit task run once a candidate clears
// conflict checks.
func (s *Scheduler) runWorkUnit(ctx context.Context, chunk string) error {
	if _, err := s.Worktrees.CreateWorktree(ctx, chunk); err != nil {
		return s.attention(ctx, chunk, "worktree creation failed: "+err.Error())
	}
	worktreePath := s.Worktrees.WorktreePath(chunk)

	if err := s.activateChunk(ctx, chunk); err != nil {
		return s.attention(ctx, chunk, err.Error())
	}

	u, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusRunning
		w.Worktree = &worktreePath
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduler: transition %s to RUNNING: %w", chunk, err)
	}

	pendingAnswer := ""
	if u.PendingAnswer != nil {
		pendingAnswer = *u.PendingAnswer
	}
	resumeSession := ""
	if u.SessionID != nil {
		resumeSession = *u.SessionID
	}
	if pendingAnswer != "" {
		if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			w.PendingAnswer = nil
			return nil
		}); err != nil {
			return fmt.Errorf("scheduler: clear pending answer for %s: %w", chunk, err)
		}
	}

	start := time.Now()
	result, err := s.Supervisor.RunPhase(agentsup.RunPhaseOptions{
		Chunk:            chunk,
		Phase:            agentsup.Phase(u.Phase),
		Worktree:         worktreePath,
		ResumeSessionID:  resumeSession,
		PendingAnswer:    pendingAnswer,
		IsResumeOrCommit: resumeSession != "",
	})
	duration := time.Since(start)
	if err != nil {
		s.Metrics.RecordPhaseRun(string(u.Phase), "error", duration)
		return s.attention(ctx, chunk, "agent supervisor error: "+err.Error())
	}

	s.Metrics.RecordPhaseRun(string(u.Phase), string(result.Kind), duration)
	return s.handleResult(ctx, chunk, result)
}

// activateChunk demotes a different IMPLEMENTING chunk to FUTURE
// (recording it as displaced_chunk) and promotes the target, or fails
// if the target is in an unexpected status.
func (s *Scheduler) activateChunk(ctx context.Context, chunk string) error {
	current, err := s.Activator.Status(chunk)
	if err != nil {
		return fmt.Errorf("load chunk status for %s: %w", chunk, err)
	}

	switch current {
	case frontmatter.StatusImplementing:
		// already active, no-op
	case frontmatter.StatusFuture:
		other, ok, err := s.Activator.Implementing()
		if err != nil {
			return fmt.Errorf("query implementing chunk: %w", err)
		}
		if ok && other != chunk {
			if err := s.Activator.SetStatus(other, frontmatter.StatusFuture); err != nil {
				return fmt.Errorf("demote displaced chunk %s: %w", other, err)
			}
			if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
				w.DisplacedChunk = &other
				return nil
			}); err != nil {
				return fmt.Errorf("record displaced chunk: %w", err)
			}
		}
		if err := s.Activator.SetStatus(chunk, frontmatter.StatusImplementing); err != nil {
			return fmt.Errorf("activate chunk %s: %w", chunk, err)
		}
	default:
		return fmt.Errorf("chunk %s has unexpected status %q for activation", chunk, current)
	}
	return nil
}

// handleResult dispatches on the supervisor's AgentResult outcome.
func (s *Scheduler) handleResult(ctx context.Context, chunk string, result agentsup.AgentResult) error {
	switch result.Kind {
	case agentsup.ResultSuspended:
		reason := "Question: " + result.Question.Text
		_, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			w.Status = statestore.StatusNeedsAttention
			sid := result.SessionID
			w.SessionID = &sid
			w.AttentionReason = &reason
			return nil
		})
		return err

	case agentsup.ResultFailed:
		return s.attention(ctx, chunk, result.Err)

	case agentsup.ResultCompleted:
		if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			sid := result.SessionID
			w.SessionID = &sid
			return nil
		}); err != nil {
			return err
		}
		return s.advancePhase(ctx, chunk)

	default:
		return s.attention(ctx, chunk, fmt.Sprintf("unknown agent result kind %q", result.Kind))
	}
}

func (s *Scheduler) attention(ctx context.Context, chunk, reason string) error {
	_, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusNeedsAttention
		w.AttentionReason = &reason
		return nil
	})
	return err
}

// advancePhase moves a completed phase run to the next phase, or to
// completion handling once COMPLETE has run.
func (s *Scheduler) advancePhase(ctx context.Context, chunk string) error {
	u, err := s.Store.GetWorkUnit(ctx, chunk)
	if err != nil {
		return err
	}

	next := statestore.NextPhase(u.Phase)
	if next != "" {
		if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			w.Phase = next
			w.Status = statestore.StatusReady
			w.SessionID = nil
			w.ConflictVerdicts = map[string]statestore.Verdict{}
			return nil
		}); err != nil {
			return err
		}
		// Drop the stored pair analyses too, so the next tick re-analyzes
		// fresh against the new phase.
		return s.dropConflictAnalyses(ctx, chunk)
	}

	return s.completeChunk(ctx, chunk, u)
}

func (s *Scheduler) dropConflictAnalyses(ctx context.Context, chunk string) error {
	analyses, err := s.Store.ConflictsForChunk(ctx, chunk)
	if err != nil {
		return err
	}
	for _, a := range analyses {
		other := a.ChunkA
		if other == chunk {
			other = a.ChunkB
		}
		if _, err := s.Store.UpdateWorkUnit(ctx, other, func(w *statestore.WorkUnit) error {
			delete(w.ConflictVerdicts, chunk)
			return nil
		}); err != nil {
			// The peer may already be gone; that's fine, the cache entry
			// is immaterial once the work unit no longer exists.
			continue
		}
	}
	return nil
}

// completeChunk handles the terminal phase: verify ACTIVE, commit,
// restore any displaced chunk, remove the worktree, merge, mark DONE,
// and unblock dependents.
func (s *Scheduler) completeChunk(ctx context.Context, chunk string, u *statestore.WorkUnit) error {
	status, err := s.Activator.Status(chunk)
	if err != nil || status != frontmatter.StatusActive {
		return s.retryOrAttention(ctx, chunk, u, "chunk did not reach ACTIVE status after COMPLETE phase")
	}

	if _, err := s.Worktrees.CommitChanges(ctx, chunk); err != nil {
		return s.attention(ctx, chunk, "commit failed: "+err.Error())
	}

	if u.DisplacedChunk != nil {
		if err := s.Activator.SetStatus(*u.DisplacedChunk, frontmatter.StatusImplementing); err != nil {
			return s.attention(ctx, chunk, "failed to restore displaced chunk "+*u.DisplacedChunk+": "+err.Error())
		}
	}

	if err := s.Worktrees.RemoveWorktree(ctx, chunk, false); err != nil && s.Logger != nil {
		s.Logger.Warn("scheduler: failed to remove worktree after completion", "chunk", chunk, "error", err)
	}

	if err := s.Worktrees.MergeToBase(ctx, chunk, true); err != nil {
		var mergeErr *worktree.MergeFailure
		reason := "merge to base failed: " + err.Error()
		if ok := asMergeFailure(err, &mergeErr); ok {
			reason = "merge to base failed: conflicts in " + strings.Join(mergeErr.FailingPaths, ", ")
		}
		_, uerr := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			w.Status = statestore.StatusNeedsAttention
			w.AttentionReason = &reason
			w.SessionID = nil
			return nil
		})
		return uerr
	}

	if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusDone
		w.SessionID = nil
		return nil
	}); err != nil {
		return err
	}

	return s.unblockDependents(ctx, chunk)
}

func asMergeFailure(err error, target **worktree.MergeFailure) bool {
	mf, ok := err.(*worktree.MergeFailure)
	if ok {
		*target = mf
	}
	return ok
}

// retryOrAttention: if retries remain, bump completion_retries and
// resume the same session with a reminder prompt; otherwise
// NEEDS_ATTENTION.
func (s *Scheduler) retryOrAttention(ctx context.Context, chunk string, u *statestore.WorkUnit, reason string) error {
	if u.CompletionRetries >= s.MaxCompletionRetry {
		return s.attention(ctx, chunk, reason+" (retries exhausted)")
	}

	if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
		w.CompletionRetries++
		return nil
	}); err != nil {
		return err
	}
	s.Metrics.RecordCompletionRetry(chunk)

	sessionID := ""
	if u.SessionID != nil {
		sessionID = *u.SessionID
	}
	result, err := s.Supervisor.RunPhase(agentsup.RunPhaseOptions{
		Chunk:            chunk,
		Phase:            agentsup.PhaseComplete,
		Worktree:         s.Worktrees.WorktreePath(chunk),
		ResumeSessionID:  sessionID,
		PendingAnswer:    "Reminder: finish the chunk-complete ritual and set GOAL.md status to ACTIVE.",
		IsResumeOrCommit: true,
	})
	if err != nil {
		return s.attention(ctx, chunk, "completion retry failed: "+err.Error())
	}
	return s.handleResult(ctx, chunk, result)
}

// unblockDependents clears doneChunk from every blocked peer's
// BlockedBy list and promotes any peer this was the last blocker for.
func (s *Scheduler) unblockDependents(ctx context.Context, doneChunk string) error {
	units, err := s.Store.ListWorkUnits(ctx, "")
	if err != nil {
		return err
	}
	for _, u := range units {
		if !containsString(u.BlockedBy, doneChunk) {
			continue
		}
		if _, err := s.Store.UpdateWorkUnit(ctx, u.Chunk, func(w *statestore.WorkUnit) error {
			w.BlockedBy = removeString(w.BlockedBy, doneChunk)
			if len(w.BlockedBy) == 0 && w.Status == statestore.StatusBlocked {
				w.Status = statestore.StatusReady
			}
			return nil
		}); err != nil {
			return fmt.Errorf("scheduler: unblock %s: %w", u.Chunk, err)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// RetryMerge re-attempts the merge for a chunk whose attention_reason
// indicates a prior merge failure.
func (s *Scheduler) RetryMerge(ctx context.Context, chunk string) error {
	u, err := s.Store.GetWorkUnit(ctx, chunk)
	if err != nil {
		return err
	}
	if u.AttentionReason == nil || !strings.Contains(*u.AttentionReason, "merge to base failed") {
		return fmt.Errorf("scheduler: %s has no pending merge failure", chunk)
	}

	if err := s.Worktrees.MergeToBase(ctx, chunk, true); err != nil {
		reason := "merge to base failed: " + err.Error()
		_, uerr := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
			w.AttentionReason = &reason
			return nil
		})
		if uerr != nil {
			return uerr
		}
		return err
	}

	if _, err := s.Store.UpdateWorkUnit(ctx, chunk, func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusDone
		w.SessionID = nil
		w.AttentionReason = nil
		return nil
	}); err != nil {
		return err
	}
	return s.unblockDependents(ctx, chunk)
}
