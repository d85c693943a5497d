// Command veorc is the CLI for the orchestrator daemon: an
// alecthomas/kong CLI struct of subcommands, signal-driven graceful
// shutdown for the long-running `start` command, and a global
// --log-level/--log-format pair initialized before any subcommand runs.
//
// Usage:
//
//	veorc start --repo . --port 8080
//	veorc status
//	veorc inject feature
//	veorc work-unit show feature
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/veorc/veorc/pkg/orchlog"
)

// CLI is the top-level command-line interface.
type CLI struct {
	Repo      string `short:"r" help:"Repository root." type:"path" default:"."`
	Config    string `short:"c" help:"Path to daemon config file." type:"path"`
	JSON      bool   `help:"Emit machine-readable JSON output."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`

	Start        StartCmd        `cmd:"" help:"Start the orchestrator daemon."`
	Stop         StopCmd         `cmd:"" help:"Stop a running orchestrator daemon."`
	Status       StatusCmd       `cmd:"" help:"Show daemon and work-unit status."`
	Ps           PsCmd           `cmd:"" help:"List work units (like ps)."`
	Inject       InjectCmd       `cmd:"" help:"Inject a chunk into the scheduler."`
	Queue        QueueCmd        `cmd:"" help:"Show the ready queue."`
	Prioritize   PrioritizeCmd   `cmd:"" help:"Set a work unit's priority."`
	ConfigCmd    ConfigCmd       `cmd:"config" help:"Get or set daemon configuration."`
	ConfigSchema ConfigSchemaCmd `cmd:"config-schema" help:"Print the daemon config file's JSON Schema."`
	Resolve      ResolveCmd      `cmd:"" help:"Resolve a flagged conflict."`
	RetryMerge   RetryMergeCmd   `cmd:"retry-merge" help:"Retry a failed merge."`
	WorkUnit     WorkUnitCmd     `cmd:"work-unit" help:"Work-unit CRUD."`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("veorc"),
		kong.Description("veorc orchestrator daemon and control CLI"),
		kong.UsageOnError(),
	)

	jsonOutput = cli.JSON
	orchlog.New(orchlog.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer cancel()

	err := ctx.Run(&cliContext{ctx: runCtx, cli: &cli})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cliContext is threaded into every subcommand's Run method (kong calls
// Run(deps...) with whatever extra args are passed to ctx.Run).
type cliContext struct {
	ctx context.Context
	cli *CLI
}
