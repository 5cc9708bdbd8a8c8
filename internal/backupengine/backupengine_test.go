package backupengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/archive"
	"github.com/stevedore-io/stevedore/internal/dockerclient"
	"github.com/stevedore-io/stevedore/internal/supervisor"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	doc       map[string]any
	exportErr error
}

func (f *fakeInspector) InspectContainer(ctx context.Context, id string) (dockerclient.InspectDocument, error) {
	return dockerclient.InspectDocument(f.doc), nil
}

func (f *fakeInspector) ExportImageStream(ctx context.Context, imageRef, outPath string) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	return os.WriteFile(outPath, []byte("fake image tar bytes"), 0o644)
}

type fakeMover struct {
	backedUp []string
	failOn   map[string]bool
}

func (f *fakeMover) BackupVolume(ctx context.Context, volumeName, outputPath string) error {
	if f.failOn[volumeName] {
		return os.ErrPermission
	}
	f.backedUp = append(f.backedUp, volumeName)
	return os.WriteFile(outputPath, []byte("volume tar bytes"), 0o644)
}

func (f *fakeMover) ListVolumeContents(ctx context.Context, volumeName string) ([]string, error) {
	return []string{"index.html"}, nil
}

func sampleDoc() map[string]any {
	return map[string]any{
		"Name":  "/web",
		"State": map[string]any{"Running": true},
		"Config": map[string]any{
			"Image": "nginx:1.25",
		},
		"HostConfig": map[string]any{
			"Binds": []any{"webdata:/usr/share/nginx/html"},
		},
		"Mounts": []any{
			map[string]any{"Type": "volume", "Name": "webdata", "Destination": "/usr/share/nginx/html", "Driver": "local"},
		},
	}
}

func TestRun_ProducesVerifiedArchive(t *testing.T) {
	backupsDir := t.TempDir()
	docker := &fakeInspector{doc: sampleDoc()}
	mover := &fakeMover{}

	eng := New(docker, mover, Config{BackupsDir: backupsDir, SealTimeout: 10 * time.Second}, zerolog.Nop(), "container1", false)

	handle := newNoopHandle()
	err := eng.Run(context.Background(), handle)
	require.NoError(t, err)

	entries, err := os.ReadDir(backupsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var archivePath string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			archivePath = filepath.Join(backupsDir, e.Name())
		}
	}
	require.NotEmpty(t, archivePath)
	require.NoError(t, archive.Verify(archivePath))

	meta, err := archive.ReadMetadata(archivePath)
	require.NoError(t, err)
	require.Equal(t, "web", meta.ContainerName)
	require.True(t, meta.ImageBackedUp)

	require.Contains(t, mover.backedUp, "webdata")
}

func TestRun_SelfReferenceRefused(t *testing.T) {
	docker := &fakeInspector{doc: sampleDoc()}
	mover := &fakeMover{}
	eng := New(docker, mover, Config{BackupsDir: t.TempDir(), SelfContainerID: "container1"}, zerolog.Nop(), "container1", false)

	err := eng.Run(context.Background(), newNoopHandle())
	require.ErrorIs(t, err, ErrSelfReference)
}

func TestRun_ImageExportFailureIsNonFatal(t *testing.T) {
	backupsDir := t.TempDir()
	docker := &fakeInspector{doc: sampleDoc(), exportErr: os.ErrNotExist}
	mover := &fakeMover{}

	eng := New(docker, mover, Config{BackupsDir: backupsDir}, zerolog.Nop(), "container1", false)
	err := eng.Run(context.Background(), newNoopHandle())
	require.NoError(t, err)

	entries, _ := os.ReadDir(backupsDir)
	var archivePath string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			archivePath = filepath.Join(backupsDir, e.Name())
		}
	}
	meta, err := archive.ReadMetadata(archivePath)
	require.NoError(t, err)
	require.False(t, meta.ImageBackedUp)
}

func TestRun_VolumeFailureIsNonFatal(t *testing.T) {
	backupsDir := t.TempDir()
	docker := &fakeInspector{doc: sampleDoc()}
	mover := &fakeMover{failOn: map[string]bool{"webdata": true}}

	eng := New(docker, mover, Config{BackupsDir: backupsDir}, zerolog.Nop(), "container1", false)
	err := eng.Run(context.Background(), newNoopHandle())
	require.NoError(t, err, "a single volume snapshot failure must not abort the whole backup")
}

func TestRun_ScheduledFilenamePrefix(t *testing.T) {
	backupsDir := t.TempDir()
	docker := &fakeInspector{doc: sampleDoc()}
	mover := &fakeMover{}

	eng := New(docker, mover, Config{BackupsDir: backupsDir}, zerolog.Nop(), "container1", true)
	err := eng.Run(context.Background(), newNoopHandle())
	require.NoError(t, err)

	entries, _ := os.ReadDir(backupsDir)
	found := false
	for _, e := range entries {
		if archive.IsScheduled(e.Name()) {
			found = true
		}
	}
	require.True(t, found)
}

// newNoopHandle builds a ProgressHandle backed by a real Supervisor so
// engine.Run's p.Update calls have somewhere harmless to write.
func newNoopHandle() *supervisor.ProgressHandle {
	sup := supervisor.New(zerolog.Nop(), func(containerID string) supervisor.Engine { return nil })
	return supervisor.NewTestHandle(sup, "test-progress-id")
}
