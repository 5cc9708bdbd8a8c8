package archive

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeWorkDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	meta := Metadata{
		ContainerID:   "abc123",
		ContainerName: "web",
		BackupDate:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		BackupType:    BackupTypeManual,
		Image:         "nginx:1.25",
		ImageBackedUp: true,
		Status:        ContainerStatusRunning,
		ServerName:    "host1",
	}
	writeJSON(t, filepath.Join(dir, MetadataMember), meta)
	writeJSON(t, filepath.Join(dir, ConfigMember), map[string]any{"Name": "/web"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, RunCmdMember), []byte("docker run ..."), 0o644))

	return dir
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestSeal_ProducesVerifiableArchive(t *testing.T) {
	dir := writeWorkDir(t)
	out := filepath.Join(t.TempDir(), "web_20260102_030405.tar.gz")

	w := NewWriter(dir)
	err := w.Seal(out, []string{MetadataMember, ConfigMember, RunCmdMember})
	require.NoError(t, err)

	require.NoError(t, Verify(out))

	members, err := ListMembers(out)
	require.NoError(t, err)
	require.Contains(t, members, MetadataMember)
	require.Contains(t, members, ConfigMember)
}

func TestSeal_MissingRequiredMemberFails(t *testing.T) {
	dir := writeWorkDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, ConfigMember)))
	out := filepath.Join(t.TempDir(), "web.tar.gz")

	w := NewWriter(dir)
	err := w.Seal(out, []string{MetadataMember})
	require.Error(t, err)

	_, statErr := os.Stat(out)
	require.True(t, os.IsNotExist(statErr), "partial archive must not be left on disk")
}

func TestReadMetadata(t *testing.T) {
	dir := writeWorkDir(t)
	out := filepath.Join(t.TempDir(), "web.tar.gz")
	w := NewWriter(dir)
	require.NoError(t, w.Seal(out, []string{MetadataMember, ConfigMember}))

	meta, err := ReadMetadata(out)
	require.NoError(t, err)
	require.Equal(t, "web", meta.ContainerName)
	require.True(t, meta.ImageBackedUp)
}

func TestExtractMember(t *testing.T) {
	dir := writeWorkDir(t)
	out := filepath.Join(t.TempDir(), "web.tar.gz")
	w := NewWriter(dir)
	require.NoError(t, w.Seal(out, []string{MetadataMember, ConfigMember, RunCmdMember}))

	var buf bytes.Buffer
	require.NoError(t, ExtractMember(out, RunCmdMember, &buf))
	require.Equal(t, "docker run ...", buf.String())
}

func TestVerify_CorruptArchiveFails(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bad.tar.gz")
	require.NoError(t, os.WriteFile(out, []byte("not a gzip file"), 0o644))
	require.Error(t, Verify(out))
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, "web_20260102_030405.tar.gz", FileName("web", ts, false))
	require.Equal(t, "scheduled_web_20260102_030405.tar.gz", FileName("web", ts, true))
}

func TestContainerNameFromScheduledFilename(t *testing.T) {
	name, ok := ContainerNameFromScheduledFilename("scheduled_web_app_20260102_030405.tar.gz")
	require.True(t, ok)
	require.Equal(t, "web_app", name)

	_, ok = ContainerNameFromScheduledFilename("web_20260102_030405.tar.gz")
	require.False(t, ok)
}

func TestIsScheduled(t *testing.T) {
	require.True(t, IsScheduled("scheduled_web_20260102_030405.tar.gz"))
	require.False(t, IsScheduled("web_20260102_030405.tar.gz"))
}
