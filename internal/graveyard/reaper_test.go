package graveyard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReapEmptiesGraveyard is scenario 6: graveyard contains
// "a" (regular) and "b/" (directory containing "c"). After reap, the
// graveyard is empty.
func TestReapEmptiesGraveyard(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "c"), []byte("y"), 0o644))

	require.NoError(t, reapDir(root))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReapOnEmptyGraveyardIsNoOp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, reapDir(root))
}

func TestUniqueNameIsDistinctAcrossCalls(t *testing.T) {
	a := UniqueName()
	b := UniqueName()
	assert.NotEqual(t, a, b)
}

// TestReapEmptiesLoneNonEmptySubdirectory covers a graveyard that holds
// only a subdirectory with a file in it: the subdirectory (renamed to a
// unique name before being emptied) and its file are both gone after
// one reap.
func TestReapEmptiesLoneNonEmptySubdirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", "f"), []byte("z"), 0o644))

	require.NoError(t, reapDir(root))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
