package agentsup

import (
	"encoding/gob"
	"net/rpc"
	"time"
)

func init() {
	// net/rpc's default gob codec needs concrete types registered for any
	// value carried in an `any`/interface{} field, here the tool call's
	// Arguments map crossing the host<->plugin RPC boundary.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// hookRPCServer runs in the host process (registered via MuxBroker
// AcceptAndServe) and exposes the supervisor's Sandbox/Question/Log
// callbacks to the plugin subprocess as RPC methods.
type hookRPCServer struct {
	sandbox  SandboxHook
	question QuestionHook
	log      LogFunc

	// pendingQuestion is not written by QuestionHook; the question is
	// returned to the caller in the RPC reply instead.
	pendingQuestion *Question
}

type sandboxCheckArgs struct{ Event ToolCallEvent }
type hookDecisionReply struct{ Decision HookDecision }

func (s *hookRPCServer) CheckSandbox(args *sandboxCheckArgs, reply *hookDecisionReply) error {
	if s.sandbox == nil {
		reply.Decision = HookDecision{}
		return nil
	}
	reply.Decision = s.sandbox(args.Event)
	return nil
}

type questionCheckArgs struct{ Event ToolCallEvent }
type questionCheckReply struct {
	Decision HookDecision
	Question *Question
}

func (s *hookRPCServer) CheckQuestion(args *questionCheckArgs, reply *questionCheckReply) error {
	if s.question == nil {
		reply.Decision = HookDecision{}
		return nil
	}
	var captured *Question
	reply.Decision = s.question(args.Event, func(q Question) { captured = &q })
	reply.Question = captured
	return nil
}

type logLineArgs struct {
	Line string
	At   time.Time
}

func (s *hookRPCServer) Log(args *logLineArgs, reply *struct{}) error {
	if s.log != nil {
		s.log(args.Line)
	}
	return nil
}

// remoteSandboxHook adapts a brokered *rpc.Client into a SandboxHook the
// plugin-side AgentRuntime implementation calls directly.
func remoteSandboxHook(c *rpc.Client) SandboxHook {
	return func(event ToolCallEvent) HookDecision {
		var reply hookDecisionReply
		if err := c.Call("Plugin.CheckSandbox", &sandboxCheckArgs{Event: event}, &reply); err != nil {
			// A broken hook connection fails closed: block rather than
			// silently let an unchecked command run in the worktree.
			return HookDecision{Block: true, Reason: "sandbox hook unreachable: " + err.Error()}
		}
		return reply.Decision
	}
}

func remoteQuestionHook(c *rpc.Client) QuestionHook {
	return func(event ToolCallEvent, onQuestion func(Question)) HookDecision {
		var reply questionCheckReply
		if err := c.Call("Plugin.CheckQuestion", &questionCheckArgs{Event: event}, &reply); err != nil {
			return HookDecision{}
		}
		if reply.Question != nil && onQuestion != nil {
			onQuestion(*reply.Question)
		}
		return reply.Decision
	}
}

func remoteLogFunc(c *rpc.Client) LogFunc {
	return func(line string) {
		_ = c.Call("Plugin.Log", &logLineArgs{Line: line, At: time.Now()}, &struct{}{})
	}
}
