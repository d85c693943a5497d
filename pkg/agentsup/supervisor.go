package agentsup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/veorc/veorc/pkg/sandbox"
)

// Supervisor runs chunk phases through a dispensed AgentRuntime,
// installing the sandbox and question-intercept hooks and writing every
// runtime message to the phase's log file.
type Supervisor struct {
	Runtime  AgentRuntime
	RepoRoot string
	Logger   *slog.Logger
}

// New constructs a Supervisor over an already-dispensed runtime.
func New(runtime AgentRuntime, repoRoot string, logger *slog.Logger) *Supervisor {
	return &Supervisor{Runtime: runtime, RepoRoot: repoRoot, Logger: logger}
}

// RunPhaseOptions carries the per-invocation state the scheduler already
// tracks on the work unit.
type RunPhaseOptions struct {
	Chunk           string
	Phase           Phase
	Worktree        string
	ResumeSessionID string
	PendingAnswer   string
	// IsResumeOrCommit selects the tighter 20-turn cap.
	IsResumeOrCommit bool
}

// RunPhase builds the phase prompt, opens the chunk's log file, installs
// the sandbox and question-intercept hooks, and runs the phase to
// completion or suspension.
func (s *Supervisor) RunPhase(opts RunPhaseOptions) (AgentResult, error) {
	prompt, err := BuildPrompt(s.RepoRoot, opts.Worktree, opts.Chunk, opts.Phase, opts.PendingAnswer)
	if err != nil {
		return AgentResult{}, err
	}

	logFile, err := s.openPhaseLog(opts.Chunk, opts.Phase)
	if err != nil {
		return AgentResult{}, err
	}
	defer logFile.Close()

	req := RunPhaseRequest{
		Chunk:           opts.Chunk,
		Phase:           opts.Phase,
		Worktree:        opts.Worktree,
		Prompt:          prompt,
		ResumeSessionID: opts.ResumeSessionID,
		MaxTurns:        MaxTurnsFor(opts.IsResumeOrCommit),
		Sandbox:         s.sandboxHook(opts.Worktree),
		Question:        questionInterceptHook(),
		Log:             fileLogFunc(logFile),
	}

	if s.Logger != nil {
		s.Logger.Info("agent phase starting", "chunk", opts.Chunk, "phase", opts.Phase, "worktree", opts.Worktree)
	}

	result, err := s.Runtime.RunPhase(req)
	if err != nil {
		return AgentResult{}, fmt.Errorf("agentsup: run phase %s for %s: %w", opts.Phase, opts.Chunk, err)
	}

	if s.Logger != nil {
		s.Logger.Info("agent phase finished", "chunk", opts.Chunk, "phase", opts.Phase, "outcome", result.Kind)
	}
	return result, nil
}

// openPhaseLog opens (creating as needed) logs/<phase>.txt under the
// chunk's orchestration directory.
func (s *Supervisor) openPhaseLog(chunk string, phase Phase) (*os.File, error) {
	dir := filepath.Join(s.RepoRoot, ".ve", "chunks", chunk, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("agentsup: mkdir log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.txt", lowerPhase(phase)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("agentsup: open log %s: %w", path, err)
	}
	return f, nil
}

func lowerPhase(p Phase) string {
	switch p {
	case PhaseGoal:
		return "goal"
	case PhasePlan:
		return "plan"
	case PhaseImplement:
		return "implement"
	case PhaseComplete:
		return "complete"
	default:
		return string(p)
	}
}

func fileLogFunc(f *os.File) LogFunc {
	return func(line string) {
		fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339Nano), line)
	}
}

// sandboxHook extracts the shell command text from a tool call and
// consults the pure sandbox.Violation detector.
func (s *Supervisor) sandboxHook(worktree string) SandboxHook {
	return func(event ToolCallEvent) HookDecision {
		command, ok := shellCommandArg(event)
		if !ok {
			return HookDecision{}
		}
		if violated, reason := sandbox.Violation(command, s.RepoRoot, worktree); violated {
			return HookDecision{Block: true, Reason: reason}
		}
		return HookDecision{}
	}
}

// shellCommandArg extracts a "command" string argument from an MCP tool
// call, the convention the shell/bash tool uses.
func shellCommandArg(event ToolCallEvent) (string, bool) {
	raw, ok := event.Request.Params.Arguments.(map[string]any)
	if !ok {
		return "", false
	}
	cmd, ok := raw["command"].(string)
	return cmd, ok
}

// questionInterceptHookToolName is the ask-user-question tool's MCP name.
const questionInterceptHookToolName = "ask_user_question"

// questionInterceptHook recognizes the ask-user-question tool call,
// normalizes its arguments into a Question, and returns a block+stop
// decision so the agent terminates its loop instead of waiting on stdin.
func questionInterceptHook() QuestionHook {
	return func(event ToolCallEvent, onQuestion func(Question)) HookDecision {
		if event.Request.Params.Name != questionInterceptHookToolName {
			return HookDecision{}
		}
		args, _ := event.Request.Params.Arguments.(map[string]any)
		q := Question{
			Text:        stringField(args, "questionText"),
			Header:      stringField(args, "header"),
			MultiSelect: boolField(args, "multiSelect"),
			Options:     stringSliceField(args, "options"),
		}
		if q.Text == "" {
			q.Text = stringField(args, "question")
		}
		onQuestion(q)
		return HookDecision{Block: true, Stop: true, Reason: "operator input required"}
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func stringSliceField(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
