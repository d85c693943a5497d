package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/veorc/veorc/pkg/daemon"
)

// StopCmd signals a running daemon to shut down gracefully.
type StopCmd struct {
	Timeout time.Duration `help:"How long to wait for graceful exit." default:"30s"`
}

func (c *StopCmd) Run(rc *cliContext) error {
	repoRoot, err := filepath.Abs(rc.cli.Repo)
	if err != nil {
		return err
	}
	if err := daemon.Stop(repoRoot, c.Timeout); err != nil {
		return err
	}
	return printResult("stopped", map[string]string{"status": "stopped"})
}

// StatusCmd reports whether a daemon is running and its work-unit counts.
type StatusCmd struct{}

func (c *StatusCmd) Run(rc *cliContext) error {
	repoRoot, err := filepath.Abs(rc.cli.Repo)
	if err != nil {
		return err
	}
	info, running, err := daemon.Status(repoRoot)
	if err != nil {
		return err
	}
	if !running {
		return printResult("not running", map[string]any{"running": false})
	}

	client, err := newAPIClient(repoRoot)
	if err != nil {
		return err
	}
	var status map[string]any
	if err := client.get("/status", &status); err != nil {
		return err
	}
	status["host"] = info.Host
	status["port"] = info.Port

	summary := fmt.Sprintf("running (pid %d, %s:%d, %v total work units)", info.PID, info.Host, info.Port, status["total"])
	return printResult(summary, status)
}
