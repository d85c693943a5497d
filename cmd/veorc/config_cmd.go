package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/veorc/veorc/pkg/orchconfig"
	"github.com/veorc/veorc/pkg/statestore"
)

// ConfigCmd gets or sets the live daemon configuration. With no Set pair
// it prints the current config; with one or more --set key=value pairs
// it patches every given key and prints the result.
type ConfigCmd struct {
	Set map[string]string `help:"key=value pairs to set, repeatable."`
}

func (c *ConfigCmd) Run(rc *cliContext) error {
	client, err := clientFor(rc)
	if err != nil {
		return err
	}

	var cfg statestore.Config
	if len(c.Set) == 0 {
		if err := client.get("/config", &cfg); err != nil {
			return err
		}
		return printResult(fmt.Sprintf("max_agents=%d dispatch_interval=%g max_completion_retries=%d base_branch=%s",
			cfg.MaxAgents, cfg.DispatchInterval, cfg.MaxCompletionRetries, cfg.BaseBranch), &cfg)
	}

	if err := client.patch("/config", c.Set, &cfg); err != nil {
		return err
	}
	return printResult("config updated", &cfg)
}

// ConfigSchemaCmd emits the JSON Schema for the daemon's on-disk YAML
// config file, so editors and config-generating tools can validate
// against it without reading orchconfig's source.
type ConfigSchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *ConfigSchemaCmd) Run(rc *cliContext) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&orchconfig.Config{})
	schema.ID = "https://veorc.dev/schemas/config.json"
	schema.Title = "veorc daemon configuration"
	schema.Description = "Startup configuration for the veorc orchestrator daemon"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(schema)
}
