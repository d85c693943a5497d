package conflict

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/veorc/veorc/pkg/causalindex"
	"github.com/veorc/veorc/pkg/frontmatter"
	"github.com/veorc/veorc/pkg/statestore"
)

type fakeFrontmatter map[string]frontmatter.ChunkFrontmatter

func (f fakeFrontmatter) ChunkFrontmatter(chunk string) (frontmatter.ChunkFrontmatter, error) {
	return f[chunk], nil
}

func newTestOracle(t *testing.T, fm fakeFrontmatter, idx *causalindex.Index) (*Oracle, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open("sqlite3", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(fm, idx, store), store
}

func ref(raw string) frontmatter.CodeReference {
	return frontmatter.ParseRef(raw)
}

func TestAnalyzeConflictNoFileOverlap(t *testing.T) {
	fm := fakeFrontmatter{
		"a": {CodeReferences: []frontmatter.CodeReference{ref("pkg/a/a.go")}},
		"b": {CodeReferences: []frontmatter.CodeReference{ref("pkg/b/b.go")}},
	}
	o, _ := newTestOracle(t, fm, nil)

	result, err := o.AnalyzeConflict(context.Background(), "a", "b", "", "")
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if result.Verdict != statestore.VerdictIndependent {
		t.Errorf("expected INDEPENDENT, got %v (%s)", result.Verdict, result.Reason)
	}
}

func TestAnalyzeConflictFileOverlapNoSymbolOverlap(t *testing.T) {
	fm := fakeFrontmatter{
		"a": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Foo")}},
		"b": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Bar")}},
	}
	o, _ := newTestOracle(t, fm, nil)

	result, err := o.AnalyzeConflict(context.Background(), "a", "b", "", "")
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if result.Verdict != statestore.VerdictIndependent {
		t.Errorf("expected INDEPENDENT, got %v (%s)", result.Verdict, result.Reason)
	}
}

func TestAnalyzeConflictSymbolOverlapWholeFileRef(t *testing.T) {
	fm := fakeFrontmatter{
		"a": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go")}},
		"b": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Bar")}},
	}
	o, _ := newTestOracle(t, fm, nil)

	result, err := o.AnalyzeConflict(context.Background(), "a", "b", "", "")
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if result.Verdict != statestore.VerdictAskOperator {
		t.Errorf("expected ASK_OPERATOR (no ancestry, overlapping refs), got %v", result.Verdict)
	}
}

func TestAnalyzeConflictSymbolOverlapPrefix(t *testing.T) {
	fm := fakeFrontmatter{
		"a": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Foo")}},
		"b": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Foo::Bar")}},
	}
	o, _ := newTestOracle(t, fm, nil)

	result, err := o.AnalyzeConflict(context.Background(), "a", "b", "", "")
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if result.Verdict != statestore.VerdictAskOperator {
		t.Errorf("expected ASK_OPERATOR for overlapping symbol prefixes, got %v", result.Verdict)
	}
}

type mapSourceFixture map[string]causalindex.Artifact

func (m mapSourceFixture) Directories() ([]string, error) {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	return names, nil
}

func (m mapSourceFixture) Load(name string) (causalindex.Artifact, bool) {
	a, ok := m[name]
	return a, ok
}

func TestAnalyzeConflictAncestrySerializes(t *testing.T) {
	fm := fakeFrontmatter{
		"child":  {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go")}},
		"parent": {CodeReferences: []frontmatter.CodeReference{ref("pkg/shared/shared.go#Bar")}},
	}

	src := mapSourceFixture{
		"parent": causalindex.Artifact{Name: "parent", TipEligible: true},
		"child":  causalindex.Artifact{Name: "child", CreatedAfter: []string{"parent"}, TipEligible: true},
	}
	idx := causalindex.New(filepath.Join(t.TempDir(), "index.json"),
		map[causalindex.ArtifactType]causalindex.Source{causalindex.TypeChunk: src})

	o, _ := newTestOracle(t, fm, idx)

	result, err := o.AnalyzeConflict(context.Background(), "child", "parent", "", "")
	if err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}
	if result.Verdict != statestore.VerdictSerialize {
		t.Errorf("expected SERIALIZE via causal ancestry, got %v", result.Verdict)
	}
}

func TestAnalyzeConflictCachesCanonicalPair(t *testing.T) {
	fm := fakeFrontmatter{
		"zeta":  {CodeReferences: []frontmatter.CodeReference{ref("pkg/x.go")}},
		"alpha": {CodeReferences: []frontmatter.CodeReference{ref("pkg/y.go")}},
	}
	o, store := newTestOracle(t, fm, nil)

	if _, err := o.AnalyzeConflict(context.Background(), "zeta", "alpha", "", ""); err != nil {
		t.Fatalf("AnalyzeConflict: %v", err)
	}

	got, err := store.GetConflict(context.Background(), "alpha", "zeta")
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached conflict under canonical ordering")
	}
	if got.ChunkA != "alpha" || got.ChunkB != "zeta" {
		t.Errorf("expected canonical (alpha, zeta), got (%s, %s)", got.ChunkA, got.ChunkB)
	}
}

func TestEffectiveVerdictPrefersOverride(t *testing.T) {
	override := statestore.VerdictIndependent
	w := &statestore.WorkUnit{
		ConflictVerdicts: map[string]statestore.Verdict{"other": statestore.VerdictSerialize},
		ConflictOverride: &override,
	}
	v, ok := EffectiveVerdict(w, "other")
	if !ok || v != statestore.VerdictIndependent {
		t.Errorf("expected override INDEPENDENT, got %v, ok=%v", v, ok)
	}
}

func TestEffectiveVerdictFallsBackToCached(t *testing.T) {
	w := &statestore.WorkUnit{
		ConflictVerdicts: map[string]statestore.Verdict{"other": statestore.VerdictSerialize},
	}
	v, ok := EffectiveVerdict(w, "other")
	if !ok || v != statestore.VerdictSerialize {
		t.Errorf("expected cached SERIALIZE, got %v, ok=%v", v, ok)
	}
}

func TestEffectiveVerdictUnknownPair(t *testing.T) {
	w := &statestore.WorkUnit{ConflictVerdicts: map[string]statestore.Verdict{}}
	if _, ok := EffectiveVerdict(w, "other"); ok {
		t.Error("expected ok=false for unanalyzed pair")
	}
}
