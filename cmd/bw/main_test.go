package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"backlogwatch/internal/app"
	"backlogwatch/internal/config"
)

func exportWorkspace(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, config.FileName), []byte("data:\n  files:\n    current: atual.csv\nexport:\n  format: csv\n  batch_size: 2\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "data"), 0o755))
	body := "PedidoFormatado;Status;Carteira;Ranking\nA;Aberto;NORTE;1\nB;Aberto;NORTE;2\nC;Aberto;NORTE;3\n"
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "data", "atual.csv"), []byte(body), 0o644))
	return workspace
}

func nextStart(t *testing.T, workspace string) int {
	t.Helper()
	ctx := context.Background()
	w, err := app.Open(ctx, app.Options{Workspace: workspace, LogLevel: "error"})
	require.NoError(t, err)
	defer w.Close()
	win, err := w.Engine.Partition(ctx, "NORTE")
	require.NoError(t, err)
	return win.Start
}

func TestExportToDirUnwritableOutKeepsCursor(t *testing.T) {
	workspace := exportWorkspace(t)
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	w, err := app.Open(ctx, app.Options{Workspace: workspace, LogLevel: "error"})
	require.NoError(t, err)
	_, _, err = exportToDir(ctx, w.Engine, "NORTE", "", filepath.Join(blocker, "out"), "ana")
	require.Error(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, 1, nextStart(t, workspace))

	out := filepath.Join(t.TempDir(), "lotes")
	w, err = app.Open(ctx, app.Options{Workspace: workspace, LogLevel: "error"})
	require.NoError(t, err)
	b, path, err := exportToDir(ctx, w.Engine, "NORTE", "", out, "ana")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, filepath.Join(out, "Pedidos_NORTE_1_to_2.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, b.Data, data)
	require.Equal(t, 3, nextStart(t, workspace))
}
