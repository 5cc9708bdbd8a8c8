// Package volumemover moves bytes between a named Docker volume and a gzip
// tar file using a disposable helper container, so the volume never needs
// to be mounted into the caller's own filesystem namespace.
package volumemover

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// HelperNamePrefixes are reserved; the container-listing layer filters them
// out, and orphaned helpers bearing either prefix are swept on startup.
const (
	BackupHelperPrefix  = "backup-temp-"
	RestoreHelperPrefix = "restore-temp-"
)

// dockerExecClient is the subset of dockerclient.Client the mover needs,
// expressed as an interface so tests can fake it without a real daemon.
type dockerExecClient interface {
	RunContainer(ctx context.Context, name, image, volumeName, dest string, cmd []string) (string, error)
	ExecStreamOut(ctx context.Context, name string, cmd []string, w io.Writer) error
	ExecStreamIn(ctx context.Context, name string, cmd []string, r io.Reader) error
	StopContainer(ctx context.Context, name string) error
	ForceRemoveContainer(ctx context.Context, name string)
}

// Mover drives the helper-container backup/restore pattern for one daemon.
type Mover struct {
	docker      dockerExecClient
	helperImage string
	logger      zerolog.Logger
}

// New returns a Mover that spawns helperImage (e.g. "busybox:latest") as its
// ephemeral container.
func New(docker dockerExecClient, helperImage string, logger zerolog.Logger) *Mover {
	return &Mover{docker: docker, helperImage: helperImage, logger: logger.With().Str("component", "volumemover").Logger()}
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// BackupVolume streams the contents of volumeName to a gzip tar at outputPath.
func (m *Mover) BackupVolume(ctx context.Context, volumeName, outputPath string) error {
	helper := BackupHelperPrefix + volumeName + "-" + randomSuffix()
	if err := m.startHelper(ctx, helper, volumeName, "/backup-volume"); err != nil {
		return err
	}
	defer m.teardown(helper)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("volumemover: create output: %w", err)
	}
	defer f.Close()

	if err := m.docker.ExecStreamOut(ctx, helper, []string{"tar", "czf", "-", "-C", "/backup-volume", "."}, f); err != nil {
		return fmt.Errorf("volumemover: backup %s: %w", volumeName, err)
	}
	return nil
}

// RestoreVolume streams the contents of inputPath into volumeName.
func (m *Mover) RestoreVolume(ctx context.Context, volumeName, inputPath string) error {
	helper := RestoreHelperPrefix + volumeName + "-" + randomSuffix()
	if err := m.startHelper(ctx, helper, volumeName, "/restore-volume"); err != nil {
		return err
	}
	defer m.teardown(helper)

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("volumemover: open input: %w", err)
	}
	defer f.Close()

	if err := m.docker.ExecStreamIn(ctx, helper, []string{"tar", "xzf", "-", "-C", "/restore-volume"}, f); err != nil {
		return fmt.Errorf("volumemover: restore %s: %w", volumeName, err)
	}
	return nil
}

// ListVolumeContents lists file paths under a volume via the helper, used as
// the restore verification pass.
func (m *Mover) ListVolumeContents(ctx context.Context, volumeName string) ([]string, error) {
	helper := BackupHelperPrefix + volumeName + "-" + randomSuffix() + "-list"
	if err := m.startHelper(ctx, helper, volumeName, "/backup-volume"); err != nil {
		return nil, err
	}
	defer m.teardown(helper)

	var buf countingWriter
	if err := m.docker.ExecStreamOut(ctx, helper, []string{"find", "/backup-volume", "-type", "f"}, &buf); err != nil {
		return nil, fmt.Errorf("volumemover: list %s: %w", volumeName, err)
	}
	return buf.lines, nil
}

func (m *Mover) startHelper(ctx context.Context, name, volumeName, dest string) error {
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := m.docker.RunContainer(startCtx, name, m.helperImage, volumeName, dest, []string{"sleep", "3600"})
	if err != nil {
		return fmt.Errorf("volumemover: start helper: %w", err)
	}
	return nil
}

// teardown stops the helper and force-removes it on every exit path, so a
// crash mid-stream never leaves the helper running past the stop timeout.
func (m *Mover) teardown(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.docker.StopContainer(ctx, name); err != nil {
		m.logger.Warn().Str("helper", name).Err(err).Msg("stop helper failed, forcing removal")
	}
	m.docker.ForceRemoveContainer(ctx, name)
}

// countingWriter accumulates newline-delimited output into lines, used for
// the small "find -type f" listing output.
type countingWriter struct {
	buf   []byte
	lines []string
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	start := 0
	for i, b := range w.buf {
		if b == '\n' {
			if i > start {
				w.lines = append(w.lines, string(w.buf[start:i]))
			}
			start = i + 1
		}
	}
	w.buf = w.buf[start:]
	return len(p), nil
}
