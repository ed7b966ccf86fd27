package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesStateDir(t *testing.T) {
	workspace := t.TempDir()
	conn, err := Open(Config{Workspace: workspace})
	require.NoError(t, err)
	defer conn.Close()

	_, err = os.Stat(filepath.Join(workspace, ".backlogwatch"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workspace, ".backlogwatch", "backlogwatch.db"), Path(workspace))

	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	require.Equal(t, "wal", mode)
}
