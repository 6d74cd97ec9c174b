package worktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorktreePathStaysUnderRoot(t *testing.T) {
	m := NewManager(nil, nil, []string{"preview-1"}, t.TempDir())

	path, err := m.worktreePath("preview-1")
	require.NoError(t, err)
	require.Equal(t, "preview-1", filepath.Base(path))
}

func TestWorktreePathEscapeRejected(t *testing.T) {
	m := NewManager(nil, nil, []string{"preview-1"}, t.TempDir())

	_, err := m.worktreePath("../../etc")
	require.Error(t, err)
}

func TestContract_ReportsSlotSetAndFormats(t *testing.T) {
	root := t.TempDir()
	m := NewManager(nil, nil, []string{"preview-1", "preview-2"}, root)

	contract := m.Contract()
	require.Equal(t, []string{"preview-1", "preview-2"}, contract.SlotIDs)
	require.Equal(t, root, contract.WorktreeRoot)
	require.Contains(t, contract.BranchFormat, "codex/run-")
	require.Equal(t, []string{ActionAssigned, ActionReused, ActionCleanedUp}, contract.BindingLifecycle)
}

func TestSamePath(t *testing.T) {
	require.True(t, samePath("/tmp/wt/preview-1", "/tmp/wt/preview-1/"))
	require.True(t, samePath("/tmp/wt/preview-1", "/tmp/wt/./preview-1"))
	require.False(t, samePath("/tmp/wt/preview-1", "/tmp/wt/preview-2"))
}
