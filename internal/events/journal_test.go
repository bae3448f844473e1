package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	j, err := NewJournal(path, 0)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 3; i++ {
		r := New(KindToolCall)
		r.Tool = "read_file"
		require.NoError(t, j.Append(r))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		assert.Equal(t, "tool_call", decoded["kind"])
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestJournal_RotatesAtSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	j, err := NewJournal(path, 512)
	require.NoError(t, err)
	defer j.Close()

	r := New(KindText)
	r.Text = strings.Repeat("a", 200)
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(r))
	}

	entries, err := os.ReadDir(filepath.Join(dir, archiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "expected at least one archived journal")

	// Current journal still exists and is below threshold.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(512))
}

func TestJournal_FailedRotationKeepsJournalWritable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	j, err := NewJournal(path, 512)
	require.NoError(t, err)
	defer j.Close()

	// Occupy the archive path with a plain file so rotation cannot
	// create its directory.
	blocker := filepath.Join(dir, archiveDir)
	require.NoError(t, os.WriteFile(blocker, []byte("in the way"), 0644))

	r := New(KindText)
	r.Text = strings.Repeat("a", 200)
	require.NoError(t, j.Append(r))
	assert.Error(t, j.Append(r), "rotation fails while the archive path is blocked")

	// The journal must still accept appends once rotation can proceed.
	require.NoError(t, os.Remove(blocker))
	require.NoError(t, j.Append(r))

	entries, err := os.ReadDir(filepath.Join(dir, archiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(filepath.Join(dir, "events.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Error(t, j.Append(New(KindText)))
}

func TestJournal_EmitSwallowsErrors(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(filepath.Join(dir, "events.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Emit must not panic or surface the failure.
	j.Emit(New(KindText))
}
