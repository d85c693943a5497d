package causalindex

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/veorc/veorc/pkg/frontmatter"
	"gopkg.in/yaml.v3"
)

// ArtifactType is one of the artifact kinds the index orders.
type ArtifactType string

const (
	TypeChunk             ArtifactType = "chunk"
	TypeNarrative         ArtifactType = "narrative"
	TypeInvestigation     ArtifactType = "investigation"
	TypeSubsystem         ArtifactType = "subsystem"
	TypeExternalReference ArtifactType = "external_reference"
)

// Artifact is the minimal view the index needs of any artifact: its name,
// its created_after parents, and whether it currently qualifies as
// tip-eligible by status.
type Artifact struct {
	Name         string
	CreatedAfter []string
	TipEligible  bool
}

// Source supplies the index with the current directory listing and
// per-artifact data for one artifact type. The orchestrator core treats
// artifact storage as an external collaborator; this interface is the
// seam.
type Source interface {
	// Directories returns the sorted list of artifact names currently on
	// disk for this type — the cheap staleness signal.
	Directories() ([]string, error)
	// Load returns the parsed Artifact for name, or ok=false if it is
	// absent or malformed (malformed artifacts are dropped from the
	// graph, never fail the query).
	Load(name string) (Artifact, bool)
}

// chunkTipEligible reports whether a raw chunk status qualifies as tip-eligible.
func chunkTipEligible(status frontmatter.ChunkStatus) bool {
	return status == frontmatter.StatusActive || status == frontmatter.StatusImplementing
}

// FilesystemChunkSource reads chunk artifacts from
// <repoRoot>/docs/chunks/<chunk>/GOAL.md.
type FilesystemChunkSource struct {
	RepoRoot string
}

func (s *FilesystemChunkSource) chunksDir() string {
	return filepath.Join(s.RepoRoot, "docs", "chunks")
}

func (s *FilesystemChunkSource) Directories() ([]string, error) {
	return sortedSubdirs(s.chunksDir())
}

func (s *FilesystemChunkSource) Load(name string) (Artifact, bool) {
	goalPath := filepath.Join(s.chunksDir(), name, "GOAL.md")
	data, err := os.ReadFile(goalPath)
	if err != nil {
		return Artifact{}, false
	}
	yamlBlock, _ := frontmatter.SplitFrontmatter(data)
	if yamlBlock == nil {
		return Artifact{}, false
	}
	fm, errs := frontmatter.ParseChunkFrontmatter(yamlBlock)
	if len(errs) > 0 && fm.Status == "" {
		return Artifact{}, false
	}
	return Artifact{
		Name:         name,
		CreatedAfter: fm.CreatedAfter,
		TipEligible:  chunkTipEligible(fm.Status),
	}, true
}

// FilesystemExternalRefSource reads external.yaml references from
// <repoRoot>/docs/external/<name>/external.yaml. External references are
// always tip-eligible.
type FilesystemExternalRefSource struct {
	RepoRoot string
}

func (s *FilesystemExternalRefSource) dir() string {
	return filepath.Join(s.RepoRoot, "docs", "external")
}

func (s *FilesystemExternalRefSource) Directories() ([]string, error) {
	return sortedSubdirs(s.dir())
}

func (s *FilesystemExternalRefSource) Load(name string) (Artifact, bool) {
	path := filepath.Join(s.dir(), name, "external.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, false
	}
	ref, errs := frontmatter.ParseExternalReference(data)
	if len(errs) > 0 {
		return Artifact{}, false
	}
	var parents []string
	if ref.CreatedAfter != "" {
		parents = []string{ref.CreatedAfter}
	}
	return Artifact{Name: name, CreatedAfter: parents, TipEligible: true}, true
}

// GenericStatusSource handles narratives, investigations, and
// subsystems, whose frontmatter shape falls outside the core chunk
// model but which still need a created_after edge and a
// tip-eligibility predicate. Investigations and subsystems are eligible
// at any status; narratives require ACTIVE.
type GenericStatusSource struct {
	RepoRoot       string
	SubDir         string // e.g. "narratives", "investigations", "subsystems"
	MainFile       string // e.g. "NARRATIVE.md"
	AlwaysEligible bool
	EligibleStatus string // used when AlwaysEligible is false
}

func (s *GenericStatusSource) dir() string {
	return filepath.Join(s.RepoRoot, "docs", s.SubDir)
}

func (s *GenericStatusSource) Directories() ([]string, error) {
	return sortedSubdirs(s.dir())
}

func (s *GenericStatusSource) Load(name string) (Artifact, bool) {
	path := filepath.Join(s.dir(), name, s.MainFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, false
	}
	yamlBlock, _ := frontmatter.SplitFrontmatter(data)
	if yamlBlock == nil {
		return Artifact{}, false
	}
	var generic struct {
		Status       string   `yaml:"status"`
		CreatedAfter []string `yaml:"created_after"`
	}
	if err := yaml.Unmarshal(yamlBlock, &generic); err != nil {
		return Artifact{}, false
	}
	eligible := s.AlwaysEligible || generic.Status == s.EligibleStatus
	return Artifact{Name: name, CreatedAfter: generic.CreatedAfter, TipEligible: eligible}, true
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
