package statestore

import "time"

// Phase is a work unit's current pass through the chunk lifecycle.
type Phase string

const (
	PhaseGoal      Phase = "GOAL"
	PhasePlan      Phase = "PLAN"
	PhaseImplement Phase = "IMPLEMENT"
	PhaseComplete  Phase = "COMPLETE"
)

// NextPhase implements the phase-advancement map. The empty string
// return means "done" — there is no next phase.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseGoal:
		return PhasePlan
	case PhasePlan:
		return PhaseImplement
	case PhaseImplement:
		return PhaseComplete
	default:
		return ""
	}
}

// Status is a work unit's scheduling status.
type Status string

const (
	StatusReady           Status = "READY"
	StatusRunning         Status = "RUNNING"
	StatusBlocked         Status = "BLOCKED"
	StatusNeedsAttention  Status = "NEEDS_ATTENTION"
	StatusDone            Status = "DONE"
)

// Verdict is the conflict oracle's classification of a chunk pair.
type Verdict string

const (
	VerdictIndependent  Verdict = "INDEPENDENT"
	VerdictSerialize    Verdict = "SERIALIZE"
	VerdictAskOperator  Verdict = "ASK_OPERATOR"
)

// WorkUnit is the orchestrator's runtime handle on a chunk.
type WorkUnit struct {
	Chunk              string            `json:"chunk"`
	Phase              Phase             `json:"phase"`
	Status             Status            `json:"status"`
	Priority           int               `json:"priority"`
	BlockedBy          []string          `json:"blocked_by"`
	Worktree           *string           `json:"worktree,omitempty"`
	SessionID          *string           `json:"session_id,omitempty"`
	PendingAnswer      *string           `json:"pending_answer,omitempty"`
	AttentionReason    *string           `json:"attention_reason,omitempty"`
	ConflictVerdicts   map[string]Verdict `json:"conflict_verdicts"`
	ConflictOverride   *Verdict          `json:"conflict_override,omitempty"`
	DisplacedChunk     *string           `json:"displaced_chunk,omitempty"`
	CompletionRetries  int               `json:"completion_retries"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a deep copy, so callers can mutate the copy without
// affecting the original.
func (w *WorkUnit) Clone() *WorkUnit {
	if w == nil {
		return nil
	}
	cp := *w
	cp.BlockedBy = append([]string(nil), w.BlockedBy...)
	cp.ConflictVerdicts = make(map[string]Verdict, len(w.ConflictVerdicts))
	for k, v := range w.ConflictVerdicts {
		cp.ConflictVerdicts[k] = v
	}
	if w.Worktree != nil {
		v := *w.Worktree
		cp.Worktree = &v
	}
	if w.SessionID != nil {
		v := *w.SessionID
		cp.SessionID = &v
	}
	if w.PendingAnswer != nil {
		v := *w.PendingAnswer
		cp.PendingAnswer = &v
	}
	if w.AttentionReason != nil {
		v := *w.AttentionReason
		cp.AttentionReason = &v
	}
	if w.ConflictOverride != nil {
		v := *w.ConflictOverride
		cp.ConflictOverride = &v
	}
	if w.DisplacedChunk != nil {
		v := *w.DisplacedChunk
		cp.DisplacedChunk = &v
	}
	return &cp
}

// HistoryRow is one append-only status-transition record.
type HistoryRow struct {
	Chunk     string    `json:"chunk"`
	OldStatus *Status   `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	At        time.Time `json:"at"`
}

// ConflictAnalysis is a cached oracle verdict for a canonical chunk
// pair: ChunkA < ChunkB lexicographically.
type ConflictAnalysis struct {
	ChunkA    string    `json:"chunk_a"`
	ChunkB    string    `json:"chunk_b"`
	Verdict   Verdict   `json:"verdict"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Canonical orders a pair lexicographically, as all conflict storage
// keys and lookups require.
func Canonical(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// AttentionItem enriches a NEEDS_ATTENTION work unit with the derived
// fields the attention-queue query reports.
type AttentionItem struct {
	WorkUnit    *WorkUnit     `json:"work_unit"`
	BlocksCount int           `json:"blocks_count"`
	TimeWaiting time.Duration `json:"time_waiting"`
}

// Config is the orchestrator's tunable daemon configuration.
type Config struct {
	MaxAgents             int     `json:"max_agents"`
	DispatchInterval       float64 `json:"dispatch_interval"`
	MaxCompletionRetries  int     `json:"max_completion_retries"`
	BaseBranch            string  `json:"base_branch"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:            2,
		DispatchInterval:     1.0,
		MaxCompletionRetries: 3,
		BaseBranch:           "main",
	}
}
