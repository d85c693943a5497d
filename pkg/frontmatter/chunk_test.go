package frontmatter

import "testing"

func TestParseRef(t *testing.T) {
	cases := []struct {
		raw     string
		project string
		file    string
		symbols []string
	}{
		{"src/foo.py", "", "src/foo.py", nil},
		{"src/foo.py#Bar", "", "src/foo.py", []string{"Bar"}},
		{"src/foo.py#Bar::baz", "", "src/foo.py", []string{"Bar", "baz"}},
		{"org/repo::src/foo.py#Bar", "org/repo", "src/foo.py", []string{"Bar"}},
	}
	for _, c := range cases {
		got := ParseRef(c.raw)
		if got.Project != c.project || got.File != c.file || len(got.Symbols) != len(c.symbols) {
			t.Errorf("ParseRef(%q) = %+v, want project=%q file=%q symbols=%v", c.raw, got, c.project, c.file, c.symbols)
		}
	}
}

func TestParseChunkFrontmatterValid(t *testing.T) {
	doc := []byte(`
status: IMPLEMENTING
created_after: [alpha, beta]
code_references:
  - ref: "src/foo.py#Bar"
    implements: "the bar behavior"
`)
	fm, errs := ParseChunkFrontmatter(doc)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if fm.Status != StatusImplementing {
		t.Errorf("status = %q", fm.Status)
	}
	if len(fm.CodeReferences) != 1 || fm.CodeReferences[0].File != "src/foo.py" {
		t.Errorf("code references not parsed: %+v", fm.CodeReferences)
	}
}

func TestParseChunkFrontmatterInvalidStatus(t *testing.T) {
	doc := []byte(`status: BOGUS`)
	_, errs := ParseChunkFrontmatter(doc)
	if len(errs) == 0 {
		t.Fatal("expected validation error for bogus status")
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusFuture, StatusImplementing) {
		t.Error("FUTURE->IMPLEMENTING should be legal")
	}
	if CanTransition(StatusHistorical, StatusActive) {
		t.Error("HISTORICAL is terminal")
	}
	if !CanTransition(StatusActive, StatusHistorical) {
		t.Error("ACTIVE->HISTORICAL should be legal")
	}
}

func TestSplitFrontmatter(t *testing.T) {
	doc := []byte("---\nstatus: FUTURE\n---\n\n# Goal\n\nbody text\n")
	yamlBlock, body := SplitFrontmatter(doc)
	if string(yamlBlock) != "\nstatus: FUTURE\n" {
		t.Errorf("yamlBlock = %q", yamlBlock)
	}
	if string(body) != "\n# Goal\n\nbody text\n" {
		t.Errorf("body = %q", body)
	}
}

func TestSplitFrontmatterNoBlock(t *testing.T) {
	doc := []byte("# Goal\n\nno frontmatter here\n")
	yamlBlock, body := SplitFrontmatter(doc)
	if yamlBlock != nil {
		t.Errorf("expected nil yamlBlock, got %q", yamlBlock)
	}
	if string(body) != string(doc) {
		t.Error("body should equal original doc when no frontmatter present")
	}
}
