package stack_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/stack"
)

const contentStack = `name: content
sequence:
  - id: research
    approval_required: false
  - id: brand-voice
    approval_required: true
  - id: positioning
    approval_required: true
  - id: keywords
    approval_required: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "content.yaml", contentStack)
	def, err := stack.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "content", def.Name)
	assert.Equal(t, []string{"research", "brand-voice", "positioning", "keywords"}, def.StageIDs())
	assert.False(t, def.Sequence[0].ApprovalRequired)
	assert.True(t, def.Sequence[1].ApprovalRequired)
	assert.Equal(t, "positioning", def.Next("brand-voice"))
	assert.Equal(t, "", def.Next("keywords"))

	again, err := stack.Load(path)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestLoadNameFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "launch.yml", "sequence:\n  - id: a\n    approval_required: false\n")
	def, err := stack.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "launch", def.Name)
}

func TestParseJSON(t *testing.T) {
	def, err := stack.Parse([]byte(`{"sequence":[{"id":"a","approval_required":false},{"id":"b","approval_required":true}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, def.StageIDs())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "sequence: [unclosed"},
		{name: "no sequence", doc: "name: x\n"},
		{name: "empty sequence", doc: "sequence: []\n"},
		{name: "missing id", doc: "sequence:\n  - approval_required: true\n"},
		{name: "missing approval flag", doc: "sequence:\n  - id: a\n"},
		{name: "blank id", doc: "sequence:\n  - id: \"  \"\n    approval_required: false\n"},
		{name: "duplicate id", doc: "sequence:\n  - id: a\n    approval_required: false\n  - id: a\n    approval_required: true\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stack.Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, stack.ErrMalformedDefinition), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := stack.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, stack.ErrMalformedDefinition)
}

func TestCatalogResolve(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "content.yaml", contentStack)
	cat := stack.Catalog{Dirs: []string{dir}}

	def, resolved, err := cat.Resolve("content")
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
	assert.Len(t, def.Sequence, 4)

	def, resolved, err = cat.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
	assert.Equal(t, "content", def.Name)

	_, _, err = cat.Resolve("missing")
	assert.ErrorIs(t, err, stack.ErrMalformedDefinition)
}
