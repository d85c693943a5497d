package main

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/veorc/veorc/pkg/statestore"
)

// jsonOutput is set from the global --json flag in main(); humanFormat
// additionally consults stdout's TTY-ness so piped output defaults to
// JSON too (spec.md §6: "--json" is explicit, but a non-terminal stdout
// gets the same treatment rather than a human summary nothing downstream
// can parse).
var jsonOutput bool

func humanFormat() bool {
	return !jsonOutput && term.IsTerminal(int(os.Stdout.Fd()))
}

func printResult(summary string, v any) error {
	if humanFormat() {
		fmt.Println(summary)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func workUnitSummary(u *statestore.WorkUnit) string {
	reason := ""
	if u.AttentionReason != nil {
		reason = " (" + *u.AttentionReason + ")"
	}
	return fmt.Sprintf("%s: %s/%s%s", u.Chunk, u.Phase, u.Status, reason)
}
