package profiles

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleCatalog = `
profiles:
  - id: fast
    name: Fast agent
    command: fast-agent
    args: ["--quick"]
  - id: careful
    name: Careful agent
    command: careful-agent
    env:
      REVIEW_MODE: strict
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCatalog_Load(t *testing.T) {
	path := writeCatalog(t, sampleCatalog)
	c := NewCatalog(path, Profile{ID: "default", Command: "claude"})

	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("loaded %d profiles, want 2", c.Len())
	}

	fast, err := c.Get("fast")
	if err != nil {
		t.Fatal(err)
	}
	if fast.Command != "fast-agent" || len(fast.Args) != 1 {
		t.Errorf("fast profile: %+v", fast)
	}

	careful, _ := c.Get("careful")
	if careful.Env["REVIEW_MODE"] != "strict" {
		t.Errorf("careful env: %v", careful.Env)
	}
}

func TestCatalog_EmptyIDYieldsDefault(t *testing.T) {
	c := NewCatalog("", Profile{ID: "default", Command: "claude", Args: []string{"--print"}})

	p, err := c.Get("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Command != "claude" {
		t.Errorf("default profile: %+v", p)
	}

	if _, err := c.Get("unknown"); err == nil {
		t.Error("unknown profile id did not error")
	}
}

func TestCatalog_MissingFileIsNotAnError(t *testing.T) {
	c := NewCatalog(filepath.Join(t.TempDir(), "nope.yaml"), Profile{ID: "default", Command: "claude"})
	if err := c.Load(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestCatalog_RejectsInvalidEntries(t *testing.T) {
	noID := writeCatalog(t, "profiles:\n  - command: x\n")
	c := NewCatalog(noID, Profile{})
	if err := c.Load(); err == nil {
		t.Error("profile without id accepted")
	}

	noCmd := writeCatalog(t, "profiles:\n  - id: x\n")
	c = NewCatalog(noCmd, Profile{})
	if err := c.Load(); err == nil {
		t.Error("profile without command accepted")
	}
}
