package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func touchArchive(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	modTime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func TestPrune_KeepsNewestNScheduled(t *testing.T) {
	dir := t.TempDir()
	touchArchive(t, dir, "scheduled_web_20260101_010000.tar.gz", 5*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260102_010000.tar.gz", 4*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260103_010000.tar.gz", 3*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260104_010000.tar.gz", 2*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260105_010000.tar.gz", 1*time.Hour)

	p := New(dir, zerolog.Nop())
	removed, err := p.Prune("web", 3)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestPrune_IgnoresManualArchives(t *testing.T) {
	dir := t.TempDir()
	touchArchive(t, dir, "web_20260101_010000.tar.gz", 5*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260102_010000.tar.gz", 1*time.Hour)

	p := New(dir, zerolog.Nop())
	removed, err := p.Prune("web", 1)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestPrune_IgnoresOtherContainers(t *testing.T) {
	dir := t.TempDir()
	touchArchive(t, dir, "scheduled_web_20260101_010000.tar.gz", 2*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260102_010000.tar.gz", 1*time.Hour)
	touchArchive(t, dir, "scheduled_db_20260101_010000.tar.gz", 1*time.Hour)

	p := New(dir, zerolog.Nop())
	removed, err := p.Prune("web", 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	require.True(t, names["scheduled_db_20260101_010000.tar.gz"])
	require.True(t, names["scheduled_web_20260102_010000.tar.gz"])
}

func TestPrune_RemovesSidecarToo(t *testing.T) {
	dir := t.TempDir()
	touchArchive(t, dir, "scheduled_web_20260101_010000.tar.gz", 5*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260101_010000.tar.gz.json", 5*time.Hour)
	touchArchive(t, dir, "scheduled_web_20260102_010000.tar.gz", 1*time.Hour)

	p := New(dir, zerolog.Nop())
	removed, err := p.Prune("web", 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, "scheduled_web_20260101_010000.tar.gz.json"))
	require.True(t, os.IsNotExist(err))
}
