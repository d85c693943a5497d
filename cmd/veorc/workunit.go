package main

import (
	"fmt"

	"github.com/veorc/veorc/pkg/statestore"
)

// WorkUnitCmd groups the `work-unit {create|show|status|delete}` CRUD
// surface.
type WorkUnitCmd struct {
	Create WorkUnitCreateCmd `cmd:"" help:"Create a work unit."`
	Show   WorkUnitShowCmd   `cmd:"" help:"Show a work unit."`
	Status WorkUnitStatusCmd `cmd:"" help:"Set a work unit's status."`
	Delete WorkUnitDeleteCmd `cmd:"" help:"Delete a work unit."`
}

type WorkUnitCreateCmd struct {
	Chunk    string `arg:"" help:"Chunk name."`
	Priority int    `help:"Initial priority." default:"0"`
}

func (c *WorkUnitCreateCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	body := map[string]any{"chunk": c.Chunk, "priority": c.Priority}
	if err := client.post("/work-units", body, &u); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("created %s", workUnitSummary(&u)), &u)
}

type WorkUnitShowCmd struct {
	Chunk string `arg:"" help:"Chunk name."`
}

func (c *WorkUnitShowCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	if err := client.get("/work-units/"+c.Chunk, &u); err != nil {
		return err
	}
	return printResult(workUnitSummary(&u), &u)
}

type WorkUnitStatusCmd struct {
	Chunk  string `arg:"" help:"Chunk name."`
	Status string `arg:"" help:"New status (READY, BLOCKED, NEEDS_ATTENTION, DONE)."`
}

func (c *WorkUnitStatusCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	var u statestore.WorkUnit
	body := map[string]any{"status": c.Status}
	if err := client.patch("/work-units/"+c.Chunk, body, &u); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("%s status -> %s", c.Chunk, c.Status), &u)
}

type WorkUnitDeleteCmd struct {
	Chunk string `arg:"" help:"Chunk name."`
}

func (c *WorkUnitDeleteCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}
	if err := client.delete("/work-units/" + c.Chunk); err != nil {
		return err
	}
	return printResult(fmt.Sprintf("deleted %s", c.Chunk), map[string]string{"chunk": c.Chunk, "status": "DELETED"})
}
