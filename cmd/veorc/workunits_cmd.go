package main

import (
	"fmt"
	"path/filepath"

	"github.com/veorc/veorc/pkg/statestore"
)

// PsCmd lists all work units, like `ps` lists processes.
type PsCmd struct {
	Status string `help:"Filter by status."`
}

func (c *PsCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	path := "/work-units"
	if c.Status != "" {
		path += "?status=" + c.Status
	}
	var units []*statestore.WorkUnit
	if err := client.get(path, &units); err != nil {
		return err
	}
	if humanFormat() {
		for _, u := range units {
			fmt.Println(workUnitSummary(u))
		}
		return nil
	}
	return printResult("", units)
}

// QueueCmd shows the ready queue in priority order.
type QueueCmd struct{}

func (c *QueueCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var units []*statestore.WorkUnit
	if err := client.get("/work-units/queue", &units); err != nil {
		return err
	}
	if humanFormat() {
		for _, u := range units {
			fmt.Println(workUnitSummary(u))
		}
		return nil
	}
	return printResult("", units)
}

// InjectCmd injects a chunk into the scheduler as a new work unit.
type InjectCmd struct {
	Chunk    string `arg:"" help:"Chunk name."`
	Priority int    `help:"Initial priority." default:"0"`
}

func (c *InjectCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var resp struct {
		WorkUnit statestore.WorkUnit `json:"work_unit"`
	}
	body := map[string]any{"chunk": c.Chunk, "priority": c.Priority}
	if err := client.post("/work-units/inject", body, &resp); err != nil {
		return err
	}
	u := resp.WorkUnit
	return printResult(fmt.Sprintf("injected %s", workUnitSummary(&u)), &u)
}

// PrioritizeCmd sets a work unit's priority.
type PrioritizeCmd struct {
	Chunk    string `arg:"" help:"Chunk name."`
	Priority int    `arg:"" help:"New priority."`
}

func (c *PrioritizeCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	body := map[string]any{"priority": c.Priority}
	if err := client.patch(fmt.Sprintf("/work-units/%s/priority", c.Chunk), body, &u); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("%s priority -> %d", c.Chunk, c.Priority), &u)
}

// ResolveCmd submits an operator verdict on a flagged conflict.
type ResolveCmd struct {
	Chunk      string `arg:"" help:"Chunk that is NEEDS_ATTENTION."`
	OtherChunk string `arg:"" help:"The conflicting chunk."`
	Verdict    string `arg:"" help:"parallelize or serialize."`
}

func (c *ResolveCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	body := map[string]any{"other_chunk": c.OtherChunk, "verdict": c.Verdict}
	if err := client.post(fmt.Sprintf("/work-units/%s/resolve", c.Chunk), body, &u); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("resolved %s: %s", c.Chunk, workUnitSummary(&u)), &u)
}

// RetryMergeCmd re-attempts a failed merge.
type RetryMergeCmd struct {
	Chunk string `arg:"" help:"Chunk whose merge to base failed."`
}

func (c *RetryMergeCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	if err := client.post(fmt.Sprintf("/work-units/%s/retry-merge", c.Chunk), nil, &u); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("retried merge for %s: %s", c.Chunk, workUnitSummary(&u)), &u)
}

func clientFor(rc *cliContext) (*apiClient, error) {
	repoRoot, err := filepath.Abs(rc.cli.Repo)
	if err != nil {
		return nil, err
	}
	return newAPIClient(repoRoot)
}
