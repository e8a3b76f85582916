package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodTemplate = `title: Review
steps:
  Draft:
    behavior: simple
    transitions:
      Submit: Publish
  Publish:
    behavior: publish
`

func writeTemplate(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func execute(args ...string) (string, error) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeTemplate(t, dir, "good.yaml", goodTemplate)

	out, err := execute("validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good)

	writeTemplate(t, dir, "dangling.yaml", "title: Bad\nsteps:\n  A:\n    behavior: simple\n    transitions:\n      Go: Nowhere\n")
	writeTemplate(t, dir, "unknown.yml", "title: Odd\nsteps:\n  A:\n    behavior: teleport\n")

	out, err = execute("validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 templates failed")
	assert.Contains(t, out, "REF_NOT_FOUND")
	assert.Contains(t, out, "UNKNOWN_BEHAVIOR")
}

func TestValidate_strict(t *testing.T) {
	dir := t.TempDir()
	// Orphan is never reachable from the first step.
	p := writeTemplate(t, dir, "orphan.yaml", goodTemplate+"  Orphan:\n    behavior: simple\n")

	_, err := execute("validate", p)
	require.NoError(t, err)

	out, err := execute("validate", "--strict", p)
	require.Error(t, err)
	assert.Contains(t, out, "warning")
}

func TestValidate_missingPath(t *testing.T) {
	_, err := execute("validate", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	p := writeTemplate(t, t.TempDir(), "review.yaml", goodTemplate)

	out, err := execute("render", p)
	require.NoError(t, err)
	assert.Contains(t, out, "title: Review")
	assert.Contains(t, out, "Submit: Publish")

	out, err = execute("render", "-o", "json", p)
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Review"`)

	_, err = execute("render", "-o", "toml", p)
	assert.Error(t, err)
}

func TestBehaviors(t *testing.T) {
	out, err := execute("behaviors")
	require.NoError(t, err)
	for _, name := range []string{"simple", "assign_users", "publish", "notify"} {
		assert.Contains(t, out, `"name": "`+name+`"`)
	}
}
