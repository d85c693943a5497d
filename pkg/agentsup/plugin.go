package agentsup

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	plugin "github.com/hashicorp/go-plugin"
)

// Handshake identifies the agent-runtime plugin protocol.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "VEORC_AGENT_PLUGIN",
	MagicCookieValue: "veorc_agent_runtime_v1",
}

// AgentRuntime is the black-box operation: run one phase of a chunk in
// a worktree, streaming tool calls back to the host through the hooks
// embedded in RunPhaseRequest, and returning the terminal AgentResult.
type AgentRuntime interface {
	RunPhase(req RunPhaseRequest) (AgentResult, error)
}

// RuntimePlugin adapts an AgentRuntime to go-plugin's net/rpc dispense
// protocol. It uses go-plugin's net/rpc+MuxBroker mode rather than a
// protoc-generated GRPCPlugin because the agent supervisor must hand
// the plugin a live callback (the hook server below) for every tool
// call, and net/rpc's broker is the simplest way to open that second,
// host-served connection without protobuf codegen (see DESIGN.md).
type RuntimePlugin struct {
	// Impl is set on the plugin-server side only.
	Impl AgentRuntime
}

func (p *RuntimePlugin) Server(broker *plugin.MuxBroker) (interface{}, error) {
	return &runtimeRPCServer{impl: p.Impl, broker: broker}, nil
}

func (p *RuntimePlugin) Client(broker *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &runtimeRPCClient{client: c, broker: broker}, nil
}

// runPhaseArgs is what crosses the wire for RunPhase: the hooks
// themselves can't be serialized, so the client opens a brokered
// connection carrying a hookRPCServer and sends its connection ID
// instead (the classic go-plugin bidirectional-callback pattern).
type runPhaseArgs struct {
	Chunk           string
	Phase           Phase
	Worktree        string
	Prompt          string
	ResumeSessionID string
	MaxTurns        int
	HookConnID      uint32
}

type runPhaseReply struct {
	Result AgentResult
}

// runtimeRPCClient runs in the host process and talks to the plugin
// subprocess.
type runtimeRPCClient struct {
	client *rpc.Client
	broker *plugin.MuxBroker
}

func (c *runtimeRPCClient) RunPhase(req RunPhaseRequest) (AgentResult, error) {
	connID := c.broker.NextId()
	go c.broker.AcceptAndServe(connID, &hookRPCServer{
		sandbox:  req.Sandbox,
		question: req.Question,
		log:      req.Log,
	})

	args := runPhaseArgs{
		Chunk:           req.Chunk,
		Phase:           req.Phase,
		Worktree:        req.Worktree,
		Prompt:          req.Prompt,
		ResumeSessionID: req.ResumeSessionID,
		MaxTurns:        req.MaxTurns,
		HookConnID:      connID,
	}
	var reply runPhaseReply
	if err := c.client.Call("Plugin.RunPhase", &args, &reply); err != nil {
		return AgentResult{}, fmt.Errorf("agentsup: RunPhase rpc: %w", err)
	}
	return reply.Result, nil
}

// runtimeRPCServer runs inside the plugin subprocess and dispatches into
// the real AgentRuntime implementation, dialing back into the host's
// brokered hook connection for every tool call it needs to check.
type runtimeRPCServer struct {
	impl   AgentRuntime
	broker *plugin.MuxBroker
}

func (s *runtimeRPCServer) RunPhase(args *runPhaseArgs, reply *runPhaseReply) error {
	conn, err := s.broker.Dial(args.HookConnID)
	if err != nil {
		return fmt.Errorf("agentsup: dial hook connection: %w", err)
	}
	hookClient := rpc.NewClient(conn)
	defer hookClient.Close()

	req := RunPhaseRequest{
		Chunk:           args.Chunk,
		Phase:           args.Phase,
		Worktree:        args.Worktree,
		Prompt:          args.Prompt,
		ResumeSessionID: args.ResumeSessionID,
		MaxTurns:        args.MaxTurns,
		Sandbox:         remoteSandboxHook(hookClient),
		Question:        remoteQuestionHook(hookClient),
		Log:             remoteLogFunc(hookClient),
	}

	result, err := s.impl.RunPhase(req)
	if err != nil {
		return err
	}
	reply.Result = result
	return nil
}

// defaultLogger returns the hclog-based logger go-plugin requires for
// its own diagnostic output.
func defaultLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "veorc-agent-plugin",
		Level: hclog.Info,
	})
}

// ClientConfig returns the go-plugin client configuration for launching
// the agent-runtime subprocess at binaryPath.
func ClientConfig(binaryPath string) *plugin.ClientConfig {
	return &plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"agent_runtime": &RuntimePlugin{},
		},
		Cmd:              exec.Command(binaryPath),
		Logger:           defaultLogger(),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	}
}

// Dispense launches the plugin subprocess and returns a connected
// AgentRuntime plus the underlying *plugin.Client so the caller can Kill
// it on shutdown.
func Dispense(binaryPath string) (AgentRuntime, *plugin.Client, error) {
	client := plugin.NewClient(ClientConfig(binaryPath))

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("agentsup: rpc client: %w", err)
	}

	raw, err := rpcClient.Dispense("agent_runtime")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("agentsup: dispense: %w", err)
	}

	runtime, ok := raw.(AgentRuntime)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("agentsup: dispensed plugin does not implement AgentRuntime")
	}
	return runtime, client, nil
}
