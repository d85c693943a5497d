// Package frontmatter parses the YAML frontmatter blocks the orchestrator
// core consumes from chunk GOAL.md files and external.yaml references.
// Parsing never fails outright on malformed input — each
// Parse* function returns a best-effort value plus a slice of validation
// errors, so callers (the causal index, the conflict oracle, the
// scheduler's inject validation) can decide whether to treat the
// artifact as absent from the graph or route a work unit to
// NEEDS_ATTENTION with the errors concatenated into attention_reason.
package frontmatter

import (
	"bytes"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ChunkStatus is the lifecycle status carried in GOAL.md frontmatter.
type ChunkStatus string

const (
	StatusFuture      ChunkStatus = "FUTURE"
	StatusImplementing ChunkStatus = "IMPLEMENTING"
	StatusActive      ChunkStatus = "ACTIVE"
	StatusSuperseded  ChunkStatus = "SUPERSEDED"
	StatusHistorical  ChunkStatus = "HISTORICAL"
)

func (s ChunkStatus) Valid() bool {
	switch s {
	case StatusFuture, StatusImplementing, StatusActive, StatusSuperseded, StatusHistorical:
		return true
	}
	return false
}

// validTransitions encodes the agent-facing status transition table.
// The scheduler may additionally demote IMPLEMENTING->FUTURE (activation
// displacement) and restore FUTURE->IMPLEMENTING (pre-merge); those are
// orchestrator-internal moves layered on top of this table, not agent-facing
// transitions, so they are expressed separately in pkg/chunkfs
// (isActivationMove).
var validTransitions = map[ChunkStatus]map[ChunkStatus]bool{
	StatusFuture:       {StatusImplementing: true, StatusHistorical: true},
	StatusImplementing: {StatusActive: true, StatusHistorical: true},
	StatusActive:       {StatusSuperseded: true, StatusHistorical: true},
	StatusSuperseded:   {StatusHistorical: true},
	StatusHistorical:   {},
}

// CanTransition reports whether from->to is a legal chunk status transition.
func CanTransition(from, to ChunkStatus) bool {
	return validTransitions[from][to]
}

// BugType classifies a chunk addressing a defect.
type BugType string

const (
	BugSemantic       BugType = "semantic"
	BugImplementation BugType = "implementation"
)

// CodeReference is one entry of a chunk's code_references list.
//
// Raw ref syntax: [org/repo::]file[#symbol[::symbol...]]
type CodeReference struct {
	Ref        string `yaml:"ref"`
	Implements string `yaml:"implements,omitempty"`
	Compliance string `yaml:"compliance,omitempty"`

	// Parsed fields, populated by ParseRef.
	Project string   // "org/repo", empty if same-project
	File    string   // file path
	Symbols []string // symbol path components, nil if whole-file ref
}

var (
	chunkNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	shaRE       = regexp.MustCompile(`^[0-9a-f]{40}$`)
	frictionRE  = regexp.MustCompile(`^F\d+$`)
)

// ValidChunkName reports whether s is a legal chunk directory name.
func ValidChunkName(s string) bool { return chunkNameRE.MatchString(s) }

// ValidSHA reports whether s is a 40-hex-char git SHA.
func ValidSHA(s string) bool { return shaRE.MatchString(s) }

// ValidFrictionID reports whether s matches the friction-entry id pattern.
func ValidFrictionID(s string) bool { return frictionRE.MatchString(s) }

// ParseRef splits a code_references ref string into project/file/symbols.
func ParseRef(raw string) CodeReference {
	cr := CodeReference{Ref: raw}
	rest := raw
	if idx := indexOf(rest, "::"); idx >= 0 && looksLikeProject(rest[:idx]) {
		cr.Project = rest[:idx]
		rest = rest[idx+2:]
	}
	if idx := indexOf(rest, "#"); idx >= 0 {
		cr.File = rest[:idx]
		symPart := rest[idx+1:]
		cr.Symbols = splitSymbols(symPart)
	} else {
		cr.File = rest
	}
	return cr
}

func looksLikeProject(s string) bool {
	// org/repo form: exactly one '/', no '#'.
	slash := indexOf(s, "/")
	return slash > 0 && slash == lastIndexOf(s, "/") && indexOf(s, "#") < 0
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if s[i] == ':' && s[i+1] == ':' {
			out = append(out, s[start:i])
			start = i + 2
			i++
		}
	}
	out = append(out, s[start:])
	return out
}

func indexOf(s, sub string) int     { return bytes.Index([]byte(s), []byte(sub)) }
func lastIndexOf(s, sub string) int { return bytes.LastIndex([]byte(s), []byte(sub)) }

// ChunkFrontmatter is the typed model of a GOAL.md's YAML frontmatter.
type ChunkFrontmatter struct {
	Status          ChunkStatus     `yaml:"status"`
	CreatedAfter    []string        `yaml:"created_after,omitempty"`
	CodeReferences  []CodeReference `yaml:"code_references,omitempty"`
	Ticket          string          `yaml:"ticket,omitempty"`
	BugType         BugType         `yaml:"bug_type,omitempty"`
	Subsystems      []string        `yaml:"subsystems,omitempty"`
	Narrative       string          `yaml:"narrative,omitempty"`
	Investigation   string          `yaml:"investigation,omitempty"`
	FrictionEntries []string        `yaml:"friction_entries,omitempty"`
	Dependents      []string        `yaml:"dependents,omitempty"`
}

// ParseChunkFrontmatter decodes and validates a GOAL.md frontmatter block.
// It never returns a nil value on decode failure: an empty-but-typed
// ChunkFrontmatter is returned alongside the parse error so the caller can
// still treat the artifact as structurally present where possible.
func ParseChunkFrontmatter(yamlBlock []byte) (ChunkFrontmatter, []string) {
	var fm ChunkFrontmatter
	var errs []string

	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return fm, []string{fmt.Sprintf("invalid YAML: %v", err)}
	}

	if !fm.Status.Valid() {
		errs = append(errs, fmt.Sprintf("invalid status %q", fm.Status))
	}
	if fm.BugType != "" && fm.BugType != BugSemantic && fm.BugType != BugImplementation {
		errs = append(errs, fmt.Sprintf("invalid bug_type %q", fm.BugType))
	}
	for _, ca := range fm.CreatedAfter {
		if !ValidChunkName(ca) {
			errs = append(errs, fmt.Sprintf("invalid created_after chunk name %q", ca))
		}
	}
	for i := range fm.CodeReferences {
		parsed := ParseRef(fm.CodeReferences[i].Ref)
		parsed.Implements = fm.CodeReferences[i].Implements
		parsed.Compliance = fm.CodeReferences[i].Compliance
		fm.CodeReferences[i] = parsed
		if fm.CodeReferences[i].File == "" {
			errs = append(errs, fmt.Sprintf("code_reference %q has no file component", fm.CodeReferences[i].Ref))
		}
	}
	for _, f := range fm.FrictionEntries {
		if !ValidFrictionID(f) {
			errs = append(errs, fmt.Sprintf("invalid friction entry id %q", f))
		}
	}

	return fm, errs
}

// SplitFrontmatter extracts the YAML block delimited by `---` markers at
// the top of a markdown document, returning the block and the remaining
// body. Documents with no frontmatter return an empty block and the
// original body unchanged.
func SplitFrontmatter(doc []byte) (yamlBlock, body []byte) {
	const marker = "---"
	if !bytes.HasPrefix(bytes.TrimLeft(doc, "\n"), []byte(marker)) {
		return nil, doc
	}
	trimmed := bytes.TrimLeft(doc, "\n")
	rest := trimmed[len(marker):]
	end := bytes.Index(rest, []byte("\n"+marker))
	if end < 0 {
		return nil, doc
	}
	yamlBlock = rest[:end+1]
	afterMarker := rest[end+len(marker)+1:]
	if nl := bytes.IndexByte(afterMarker, '\n'); nl >= 0 {
		body = afterMarker[nl+1:]
	}
	return yamlBlock, body
}
