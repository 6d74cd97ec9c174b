package execx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckCommand(t *testing.T) {
	p := Policy{AllowedCommands: []string{"codex", "python", "python*", "git", "npm", "node"}}

	tests := []struct {
		name    string
		argv0   string
		wantErr bool
	}{
		{"listed command", "git", false},
		{"listed command with path", "/usr/bin/git", false},
		{"prefix pattern", "python3.12", false},
		{"unlisted command", "curl", true},
		{"shell always blocked", "bash", true},
		{"shell blocked even with path", "/bin/sh", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.CheckCommand(tt.argv0)
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "Blocked by command allowlist")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCheckCommandShellListedStillBlocked(t *testing.T) {
	p := Policy{AllowedCommands: []string{"bash"}}
	require.Error(t, p.CheckCommand("bash"))
}

func TestCheckDir(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "preview-1")
	require.NoError(t, os.MkdirAll(inside, 0o755))

	p := Policy{AllowedPaths: []string{root}}
	require.NoError(t, p.CheckDir(inside))
	require.NoError(t, p.CheckDir(root))

	outside := t.TempDir()
	err := p.CheckDir(outside)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Blocked by path allowlist")
}

func TestCheckDirSymlinkEscapeRejected(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))

	p := Policy{AllowedPaths: []string{root}}
	require.Error(t, p.CheckDir(link))
}

func TestCheckDirEmptyAllowlistAllowsAll(t *testing.T) {
	p := Policy{}
	require.NoError(t, p.CheckDir(t.TempDir()))
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("EXECX_TEST_PASS", "yes")
	t.Setenv("EXECX_TEST_SECRET", "hunter2")

	p := Policy{
		EnvAllowlist: []string{"EXECX_TEST_PASS", "EXECX_TEST_SECRET", "EXECX_TEST_MISSING"},
		EnvBlocklist: []string{"EXECX_TEST_SECRET", "RUN_ID_NEVER_SET"},
	}
	env := p.BuildEnv(map[string]string{"RUN_ID": "r1", "TRACE_ID": "t1"})

	require.Contains(t, env, "EXECX_TEST_PASS=yes")
	require.Contains(t, env, "RUN_ID=r1")
	require.Contains(t, env, "TRACE_ID=t1")
	for _, kv := range env {
		require.NotContains(t, kv, "EXECX_TEST_SECRET")
	}
}

func TestBuildEnvBlocklistBeatsOverlay(t *testing.T) {
	p := Policy{EnvBlocklist: []string{"DATABASE_URL"}}
	env := p.BuildEnv(map[string]string{"DATABASE_URL": "postgres://leak"})
	require.Empty(t, env)
}

func TestTailLines(t *testing.T) {
	require.Equal(t, "", TailLines("", 20))
	require.Equal(t, "a\nb", TailLines("a\nb\n", 20))
	require.Equal(t, "d\ne", TailLines("a\nb\nc\nd\ne", 2))
}

func TestSplitCSV(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, SplitCSV(" a , b ,, "))
	require.Nil(t, SplitCSV(""))
}
