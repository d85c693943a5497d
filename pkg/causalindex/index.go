// Package causalindex implements the causal artifact index: a
// topological ordering of artifacts by created_after, with status-aware
// tip selection and directory-membership staleness detection, persisted
// as a single on-disk JSON document.
package causalindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Document is the persisted per-type state.
type Document struct {
	Ordered     []string `json:"ordered"`
	Tips        []string `json:"tips"`
	Directories []string `json:"directories"`
	Version     int      `json:"version"`
}

// Index is the causal artifact index for one repository, covering every
// artifact type in a single persisted document.
type Index struct {
	mu       sync.RWMutex
	path     string
	sources  map[ArtifactType]Source
	docs     map[ArtifactType]Document
	artifact map[ArtifactType]map[string]Artifact // cache of last-loaded artifacts, for GetAncestors
}

// New constructs an Index backed by path (typically
// <repo>/.artifact-order.json) with the given per-type sources.
func New(path string, sources map[ArtifactType]Source) *Index {
	return &Index{
		path:     path,
		sources:  sources,
		docs:     make(map[ArtifactType]Document),
		artifact: make(map[ArtifactType]map[string]Artifact),
	}
}

// onDiskDocument is the full persisted file shape: one Document per type.
type onDiskDocument map[ArtifactType]Document

// Load reads the persisted index from disk, if present. A missing file is
// not an error — the index starts empty and rebuilds lazily.
func (idx *Index) Load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("causalindex: read %s: %w", idx.path, err)
	}
	var onDisk onDiskDocument
	if err := json.Unmarshal(data, &onDisk); err != nil {
		// Torn or corrupt file: start fresh rather than fail the daemon.
		return nil
	}
	idx.docs = onDisk
	return nil
}

// persist writes the full index atomically: write to a temp file in the
// same directory, then rename, so concurrent readers never observe a
// torn JSON document.
func (idx *Index) persist() error {
	dir := filepath.Dir(idx.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(onDiskDocument(idx.docs), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".artifact-order-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, idx.path)
}

// loadAll loads every current artifact of a type from its Source.
func (idx *Index) loadAll(t ArtifactType) (map[string]Artifact, []string, error) {
	src, ok := idx.sources[t]
	if !ok {
		return nil, nil, fmt.Errorf("causalindex: no source registered for type %q", t)
	}
	names, err := src.Directories()
	if err != nil {
		return nil, nil, err
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	artifacts := make(map[string]Artifact, len(sorted))
	for _, n := range sorted {
		if a, ok := src.Load(n); ok {
			artifacts[n] = a
		}
		// Malformed/missing artifacts are dropped from the graph, not
		// failed.
	}
	return artifacts, sorted, nil
}

// stale reports whether the cached Document's directory snapshot differs
// from the current listing.
func (idx *Index) stale(t ArtifactType, currentDirs []string) bool {
	doc, ok := idx.docs[t]
	if !ok {
		return true
	}
	if len(doc.Directories) != len(currentDirs) {
		return true
	}
	for i := range currentDirs {
		if doc.Directories[i] != currentDirs[i] {
			return true
		}
	}
	return false
}

// rebuildLocked recomputes and persists the Document for t. Caller must
// hold idx.mu for writing.
func (idx *Index) rebuildLocked(t ArtifactType) error {
	artifacts, dirs, err := idx.loadAll(t)
	if err != nil {
		return err
	}
	ordered := topoSort(artifacts)
	tips := findTips(artifacts, ordered)

	prevVersion := idx.docs[t].Version
	idx.docs[t] = Document{
		Ordered:     ordered,
		Tips:        tips,
		Directories: dirs,
		Version:     prevVersion + 1,
	}
	idx.artifact[t] = artifacts
	return idx.persist()
}

// ensureFresh rebuilds t if its directory snapshot is stale. Caller must
// hold idx.mu for writing (acquired by the public methods below).
func (idx *Index) ensureFresh(t ArtifactType) error {
	_, dirs, err := idx.currentDirs(t)
	if err != nil {
		return err
	}
	if idx.stale(t, dirs) || idx.artifact[t] == nil {
		return idx.rebuildLocked(t)
	}
	return nil
}

func (idx *Index) currentDirs(t ArtifactType) ([]string, []string, error) {
	src, ok := idx.sources[t]
	if !ok {
		return nil, nil, fmt.Errorf("causalindex: no source registered for type %q", t)
	}
	names, err := src.Directories()
	if err != nil {
		return nil, nil, err
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return names, sorted, nil
}

// GetOrdered returns the deterministic topological order of type t,
// rebuilding from disk first if the directory listing has changed since
// the cached Document was computed.
func (idx *Index) GetOrdered(t ArtifactType) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.ensureFresh(t); err != nil {
		return nil, err
	}
	return append([]string(nil), idx.docs[t].Ordered...), nil
}

// FindTips returns the current tips of type t.
func (idx *Index) FindTips(t ArtifactType) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.ensureFresh(t); err != nil {
		return nil, err
	}
	return append([]string(nil), idx.docs[t].Tips...), nil
}

// GetAncestors returns the transitive closure over created_after edges
// for name within type t.
func (idx *Index) GetAncestors(t ArtifactType, name string) (map[string]bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.ensureFresh(t); err != nil {
		return nil, err
	}
	return ancestors(idx.artifact[t], name), nil
}

// Rebuild forces recomputation of type t regardless of staleness.
func (idx *Index) Rebuild(t ArtifactType) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.rebuildLocked(t)
}
