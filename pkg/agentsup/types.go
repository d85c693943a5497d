// Package agentsup implements the agent supervisor: runs a single chunk
// phase inside its worktree via a black-box agent runtime, installs the
// sandbox and question-intercept hooks, and reports a three-way outcome.
// The runtime itself is treated as an out-of-process plugin over
// hashicorp/go-plugin's net/rpc+MuxBroker mode, so the host can hand the
// plugin a live callback (the hook server) without needing protobuf
// codegen (see DESIGN.md).
package agentsup

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Phase names the chunk lifecycle phase being run (mirrors
// statestore.Phase as a plain string so this package has no dependency on
// the state store's persistence concerns).
type Phase string

const (
	PhaseGoal      Phase = "GOAL"
	PhasePlan      Phase = "PLAN"
	PhaseImplement Phase = "IMPLEMENT"
	PhaseComplete  Phase = "COMPLETE"
)

// Question is the normalized shape of an ask-user-question tool call:
// primary text, options, header, and whether multiple options may be
// selected. AllQuestions carries every question the agent batched into
// one tool call, if the runtime supports that.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options,omitempty"`
	Header       string   `json:"header,omitempty"`
	MultiSelect  bool     `json:"multi_select"`
	AllQuestions []string `json:"all_questions,omitempty"`
}

// ResultKind discriminates the AgentResult tagged union.
type ResultKind string

const (
	ResultCompleted ResultKind = "completed"
	ResultSuspended ResultKind = "suspended"
	ResultFailed    ResultKind = "failed"
)

// AgentResult is the three-way outcome run_phase returns.
type AgentResult struct {
	Kind      ResultKind
	SessionID string
	Question  *Question // set iff Kind == ResultSuspended
	Err       string     // set iff Kind == ResultFailed
}

// ToolCallEvent is what the runtime reports to the host for every tool
// invocation, modeled on mcp-go's CallToolRequest/Result types.
type ToolCallEvent struct {
	Request mcp.CallToolRequest
	At      time.Time
}

// HookDecision is what a hook returns for a given tool call.
type HookDecision struct {
	Block  bool
	Reason string
	// Stop additionally terminates the agent's loop (used by the
	// question-intercept hook to force a Suspended outcome instead of
	// waiting on stdin).
	Stop bool
}

// SandboxHook inspects a shell tool call and decides whether to block it.
type SandboxHook func(event ToolCallEvent) HookDecision

// QuestionHook inspects an ask-user-question tool call; when it matches,
// it invokes onQuestion with the normalized Question and returns a
// block+stop decision.
type QuestionHook func(event ToolCallEvent, onQuestion func(Question)) HookDecision

// LogFunc receives every message the runtime emits during a phase run,
// for the tool-event log callback, written timestamped to
// logs/<phase>.txt.
type LogFunc func(line string)

// RunPhaseRequest bundles everything run_phase needs.
type RunPhaseRequest struct {
	Chunk           string
	Phase           Phase
	Worktree        string
	Prompt          string
	ResumeSessionID string // empty for a fresh run
	MaxTurns        int
	Sandbox         SandboxHook
	Question        QuestionHook
	Log             LogFunc
}
