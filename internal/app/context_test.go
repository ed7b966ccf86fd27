package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"backlogwatch/internal/config"
	"backlogwatch/internal/db"
)

func TestOpenDefaultsWithoutConfig(t *testing.T) {
	workspace := t.TempDir()
	c, err := Open(context.Background(), Options{Workspace: workspace, LogLevel: "error"})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, config.Default(), c.Config)
	require.NotNil(t, c.DB)
	require.True(t, c.Engine.PersistCursors)
	_, err = os.Stat(db.Path(workspace))
	require.NoError(t, err)
}

func TestOpenExplicitConfig(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("export:\n  batch_size: 25\n"), 0o644))

	c, err := Open(context.Background(), Options{Workspace: workspace, ConfigPath: path, Stateless: true})
	require.NoError(t, err)
	defer c.Close()
	require.Nil(t, c.DB)
	require.False(t, c.Engine.PersistCursors)
	require.Equal(t, 25, c.Engine.Cursors.BatchSize())

	_, err = Open(context.Background(), Options{Workspace: workspace, ConfigPath: filepath.Join(workspace, "missing.yml")})
	require.Error(t, err)
}
