// Package scheduler implements the dispatch loop: drains the ready
// queue up to max_agents, consults the conflict oracle, runs each
// candidate's phase through the agent supervisor, and advances phases
// through to merge. Fan-out uses golang.org/x/sync/errgroup bounded
// concurrency over a dynamically drained work queue (see DESIGN.md).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veorc/veorc/pkg/agentsup"
	"github.com/veorc/veorc/pkg/conflict"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/observability"
	"github.com/veorc/veorc/pkg/statestore"
	"github.com/veorc/veorc/pkg/worktree"
)

// ChunkActivator applies the GOAL.md status transitions chunk
// activation requires. It is the one seam into the workflow-artifact
// subsystem: the orchestrator only needs to read/write a chunk's
// status field, never the full artifact model.
type ChunkActivator interface {
	// Status returns the chunk's current GOAL.md status.
	Status(chunk string) (frontmatter.ChunkStatus, error)
	// SetStatus transitions chunk to status, validated against the
	// table in pkg/frontmatter plus the orchestrator-internal
	// activation/restoration moves.
	SetStatus(chunk string, status frontmatter.ChunkStatus) error
	// Implementing returns the chunk currently IMPLEMENTING in this
	// worktree lineage, if any.
	Implementing() (string, bool, error)
}

// Scheduler runs the dispatch loop.
type Scheduler struct {
	Store      *statestore.Store
	Oracle     *conflict.Oracle
	Worktrees  *worktree.Manager
	Supervisor *agentsup.Supervisor
	Activator  ChunkActivator
	Logger     *slog.Logger
	Metrics    *observability.Metrics

	MaxAgents          int
	DispatchInterval   time.Duration
	MaxCompletionRetry int
	ShutdownTimeout    time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler with its dependencies already wired.
func New(store *statestore.Store, oracle *conflict.Oracle, wt *worktree.Manager, sup *agentsup.Supervisor, act ChunkActivator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		Store:              store,
		Oracle:             oracle,
		Worktrees:          wt,
		Supervisor:         sup,
		Activator:          act,
		Logger:             logger,
		MaxAgents:          2,
		DispatchInterval:   time.Second,
		MaxCompletionRetry: 3,
		ShutdownTimeout:    30 * time.Second,
		running:            make(map[string]context.CancelFunc),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Configure applies the daemon's live config to the loop's tunables.
// Safe to call while the loop is running; the next tick picks up new
// values.
func (s *Scheduler) Configure(cfg statestore.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MaxAgents = cfg.MaxAgents
	s.DispatchInterval = time.Duration(cfg.DispatchInterval * float64(time.Second))
	s.MaxCompletionRetry = cfg.MaxCompletionRetries
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) track(chunk string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[chunk] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(chunk string) {
	s.mu.Lock()
	delete(s.running, chunk)
	s.mu.Unlock()
}

func (s *Scheduler) isRunning(chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[chunk]
	return ok
}

// Run starts the dispatch loop and blocks until Stop is called or ctx
// is canceled. Call Recover before Run on daemon startup.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-s.stopCh:
			return s.drain()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil && s.Logger != nil {
				s.Logger.Error("scheduler tick failed", "error", err)
			}
			ticker.Reset(s.tickInterval())
		}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DispatchInterval <= 0 {
		return time.Second
	}
	return s.DispatchInterval
}

// Stop signals the loop to exit and waits (up to ShutdownTimeout) for
// running per-unit tasks to finish, then cancels the stragglers.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) drain() error {
	deadline := time.NewTimer(s.ShutdownTimeout)
	defer deadline.Stop()

	for {
		if s.runningCount() == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			s.mu.Lock()
			for chunk, cancel := range s.running {
				cancel()
				if s.Logger != nil {
					s.Logger.Warn("shutdown timeout exceeded, canceling straggler", "chunk", chunk)
				}
			}
			s.mu.Unlock()
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// tick implements one pass of the dispatch loop body.
func (s *Scheduler) tick(ctx context.Context) error {
	maxAgents, err := s.currentMaxAgents(ctx)
	if err != nil {
		return err
	}

	running := s.runningCount()
	if running >= maxAgents {
		s.Metrics.RecordTick(running, 0)
		return nil
	}

	candidates, err := s.Store.ReadyQueue(ctx, maxAgents-running)
	if err != nil {
		return fmt.Errorf("scheduler: ready queue: %w", err)
	}
	s.Metrics.RecordTick(running, len(candidates))
	if len(candidates) == 0 {
		return nil
	}

	peers, err := s.Store.ListWorkUnits(ctx, "")
	if err != nil {
		return fmt.Errorf("scheduler: list peers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range candidates {
		u := u
		blocking, attention, err := s.checkConflicts(gctx, u, peers)
		if err != nil {
			return err
		}
		if attention != "" {
			if _, err := s.Store.UpdateWorkUnit(ctx, u.Chunk, func(w *statestore.WorkUnit) error {
				w.Status = statestore.StatusNeedsAttention
				w.AttentionReason = &attention
				return nil
			}); err != nil && s.Logger != nil {
				s.Logger.Error("scheduler: mark needs-attention", "chunk", u.Chunk, "error", err)
			}
			continue
		}
		if len(blocking) > 0 {
			continue
		}

		taskCtx, cancel := context.WithCancel(ctx)
		s.track(u.Chunk, cancel)
		g.Go(func() error {
			defer cancel()
			defer s.untrack(u.Chunk)
			if err := s.runWorkUnit(taskCtx, u.Chunk); err != nil && s.Logger != nil {
				s.Logger.Error("scheduler: work unit task failed", "chunk", u.Chunk, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) currentMaxAgents(ctx context.Context) (int, error) {
	s.mu.Lock()
	cached := s.MaxAgents
	s.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}
	cfg, err := s.Store.GetConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.MaxAgents, nil
}

// checkConflicts blocks u only on a RUNNING peer with a SERIALIZE
// verdict, or escalates to NEEDS_ATTENTION on a RUNNING peer with
// ASK_OPERATOR and no override. A conflicting READY peer only warns.
func (s *Scheduler) checkConflicts(ctx context.Context, u *statestore.WorkUnit, peers []*statestore.WorkUnit) (blocking []string, attentionReason string, err error) {
	for _, peer := range peers {
		if peer.Chunk == u.Chunk {
			continue
		}
		if peer.Status != statestore.StatusRunning && peer.Status != statestore.StatusReady {
			continue
		}

		verdict, ok := conflict.EffectiveVerdict(u, peer.Chunk)
		if !ok {
			verdict, ok = conflict.EffectiveVerdict(peer, u.Chunk)
		}
		if !ok {
			analysis, err := s.Oracle.AnalyzeConflict(ctx, u.Chunk, peer.Chunk, "", "")
			if err != nil {
				return nil, "", fmt.Errorf("scheduler: analyze conflict %s/%s: %w", u.Chunk, peer.Chunk, err)
			}
			verdict = analysis.Verdict
			s.Metrics.RecordConflictAnalysis("oracle", string(verdict))
			// Cache the freshly analyzed verdict on u; the lookup above
			// checks both u's and peer's caches, so the next tick's pass
			// over this pair skips the oracle call.
			if _, err := s.Store.UpdateWorkUnit(ctx, u.Chunk, func(w *statestore.WorkUnit) error {
				w.ConflictVerdicts[peer.Chunk] = verdict
				return nil
			}); err != nil && s.Logger != nil {
				s.Logger.Warn("scheduler: failed to cache conflict verdict", "chunk", u.Chunk, "peer", peer.Chunk, "error", err)
			}
		}

		switch {
		case peer.Status == statestore.StatusRunning && verdict == statestore.VerdictSerialize:
			blocking = append(blocking, peer.Chunk)
		case peer.Status == statestore.StatusRunning && verdict == statestore.VerdictAskOperator:
			return nil, fmt.Sprintf("conflict with running chunk %s needs operator resolution", peer.Chunk), nil
		case peer.Status == statestore.StatusReady && verdict == statestore.VerdictSerialize:
			if s.Logger != nil {
				s.Logger.Warn("ready peer conflicts by SERIALIZE verdict, not blocking", "chunk", u.Chunk, "peer", peer.Chunk)
			}
		}
	}
	sort.Strings(blocking)
	return blocking, "", nil
}

// Recover implements startup recovery: reset every RUNNING work unit to
// READY (clearing worktree), then remove any on-disk worktree whose
// owning unit isn't RUNNING.
func (s *Scheduler) Recover(ctx context.Context) error {
	units, err := s.Store.ListWorkUnits(ctx, statestore.StatusRunning)
	if err != nil {
		return fmt.Errorf("scheduler: recover list running: %w", err)
	}
	for _, u := range units {
		if _, err := s.Store.UpdateWorkUnit(ctx, u.Chunk, func(w *statestore.WorkUnit) error {
			w.Status = statestore.StatusReady
			w.Worktree = nil
			return nil
		}); err != nil {
			return fmt.Errorf("scheduler: recover reset %s: %w", u.Chunk, err)
		}
	}

	knownRunning := make(map[string]bool)
	allUnits, err := s.Store.ListWorkUnits(ctx, statestore.StatusRunning)
	if err != nil {
		return err
	}
	for _, u := range allUnits {
		knownRunning[u.Chunk] = true
	}

	orphans, err := s.Worktrees.CleanupOrphanedWorktrees(knownRunning)
	if err != nil {
		return fmt.Errorf("scheduler: cleanup orphans: %w", err)
	}
	for _, chunk := range orphans {
		if err := s.Worktrees.RemoveWorktree(ctx, chunk, false); err != nil && s.Logger != nil {
			s.Logger.Warn("scheduler: failed to remove orphan worktree", "chunk", chunk, "error", err)
		}
	}
	return nil
}
