// Package backupengine orchestrates a single backup from an inspect
// document to a sealed, verified archive. It implements the six-step
// contract: inspect, serialise config, export image, enumerate mounts,
// snapshot volumes, seal.
package backupengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/archive"
	"github.com/stevedore-io/stevedore/internal/dockerclient"
	"github.com/stevedore-io/stevedore/internal/runspec"
	"github.com/stevedore-io/stevedore/internal/supervisor"
)

// ErrSelfReference is returned when a backup targets the service's own container.
var ErrSelfReference = errors.New("backupengine: refusing to back up own container")

// dockerInspector is the subset of dockerclient.Client the engine needs.
type dockerInspector interface {
	InspectContainer(ctx context.Context, id string) (dockerclient.InspectDocument, error)
	ExportImageStream(ctx context.Context, imageRef, outPath string) error
}

// volumeSnapshotter is the subset of volumemover.Mover the engine needs.
type volumeSnapshotter interface {
	BackupVolume(ctx context.Context, volumeName, outputPath string) error
	ListVolumeContents(ctx context.Context, volumeName string) ([]string, error)
}

// Config parameterises one Engine instance.
type Config struct {
	BackupsDir      string
	SelfContainerID string
	SelfVolumeName  string
	SealTimeout     time.Duration
}

// Engine implements supervisor.Engine for one backup run.
type Engine struct {
	docker  dockerInspector
	mover   volumeSnapshotter
	cfg     Config
	logger  zerolog.Logger

	containerID string
	isScheduled bool
}

// New returns an Engine bound to containerID/isScheduled, ready to be handed
// to the Supervisor's engine factory.
func New(docker dockerInspector, mover volumeSnapshotter, cfg Config, logger zerolog.Logger, containerID string, isScheduled bool) *Engine {
	return &Engine{
		docker:      docker,
		mover:       mover,
		cfg:         cfg,
		logger:      logger.With().Str("component", "backupengine").Str("container_id", containerID).Logger(),
		containerID: containerID,
		isScheduled: isScheduled,
	}
}

// Run executes the six-step backup. It satisfies supervisor.Engine.
func (e *Engine) Run(ctx context.Context, p *supervisor.ProgressHandle) error {
	if e.containerID == e.cfg.SelfContainerID {
		return ErrSelfReference
	}

	// Step 1: inspect.
	p.Update(func(pr *supervisor.Progress) { pr.Step = "inspect"; pr.CurrentStep = 1 })
	doc, err := e.docker.InspectContainer(ctx, e.containerID)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	name := strings.TrimPrefix(stringField(doc, "Name"), "/")
	if name == "" {
		name = e.containerID
	}
	ts := time.Now().UTC()
	filename := archive.FileName(name, ts, e.isScheduled)

	workDir, err := os.MkdirTemp("", "stevedore-backup-*")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Step 2: serialise config.
	p.Update(func(pr *supervisor.Progress) { pr.Step = "serialise_config"; pr.CurrentStep = 2 })
	if err := e.writeConfig(workDir, doc); err != nil {
		return fmt.Errorf("serialise config: %w", err)
	}

	// Step 3: export image (non-fatal on failure).
	p.Update(func(pr *supervisor.Progress) { pr.Step = "export_image"; pr.CurrentStep = 3 })
	imageBackedUp := e.exportImage(ctx, doc, workDir)

	// Step 4: enumerate mounts.
	p.Update(func(pr *supervisor.Progress) { pr.Step = "enumerate_mounts"; pr.CurrentStep = 4 })
	mounts := enumerateMounts(doc, e.cfg.SelfVolumeName)
	if len(mounts) > 0 {
		if err := writeJSON(filepath.Join(workDir, archive.VolumesInfoMember), mounts); err != nil {
			return fmt.Errorf("write volumes_info.json: %w", err)
		}
	}

	// Step 5: snapshot volumes.
	p.Update(func(pr *supervisor.Progress) { pr.Step = "snapshot_volumes"; pr.CurrentStep = 5 })
	if err := e.snapshotVolumes(ctx, workDir, mounts); err != nil {
		return fmt.Errorf("snapshot volumes: %w", err)
	}

	// Step 6: seal and verify.
	p.Update(func(pr *supervisor.Progress) { pr.Step = "seal"; pr.CurrentStep = 6 })
	if err := os.MkdirAll(e.cfg.BackupsDir, 0o755); err != nil {
		return fmt.Errorf("ensure backups dir: %w", err)
	}

	members := []string{archive.MetadataMember, archive.ConfigMember, archive.RunCmdMember, archive.ComposeMember}
	if imageBackedUp {
		members = append(members, archive.ImageMember)
	} else if fileExists(filepath.Join(workDir, archive.ImageMember)) {
		members = append(members, archive.ImageMember)
	}
	if fileExists(filepath.Join(workDir, archive.VolumesInfoMember)) {
		members = append(members, archive.VolumesInfoMember)
	}
	if fileExists(filepath.Join(workDir, "volumes")) {
		members = append(members, "volumes")
	}

	meta := archive.Metadata{
		ContainerID:   e.containerID,
		ContainerName: name,
		BackupDate:    ts,
		BackupType:    backupType(e.isScheduled),
		Image:         resolveImageRef(doc),
		ImageBackedUp: imageBackedUp,
		Status:        containerStatus(doc),
		ServerName:    hostnameOrDefault(),
	}
	if err := writeJSON(filepath.Join(workDir, archive.MetadataMember), meta); err != nil {
		return fmt.Errorf("write backup_metadata.json: %w", err)
	}

	outPath := filepath.Join(e.cfg.BackupsDir, filename)
	if err := e.sealWithTimeout(outPath, workDir, members); err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	sidecar := archive.Sidecar{ServerName: meta.ServerName}
	if err := writeJSON(filepath.Join(e.cfg.BackupsDir, archive.SidecarName(filename)), sidecar); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write sidecar")
	}

	p.Update(func(pr *supervisor.Progress) {
		pr.BackupFilename = filename
	})

	return nil
}

func (e *Engine) writeConfig(workDir string, doc map[string]any) error {
	if err := writeJSON(filepath.Join(workDir, archive.ConfigMember), doc); err != nil {
		return err
	}

	args := runspec.Build(doc, nil)
	runCmd := "docker create " + strings.Join(args, " ")
	if err := os.WriteFile(filepath.Join(workDir, archive.RunCmdMember), []byte(runCmd), 0o644); err != nil {
		return err
	}

	compose, err := runspec.BuildCompose(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workDir, archive.ComposeMember), []byte(compose), 0o644)
}

// exportImage resolves the image reference and streams it out; any failure
// is non-fatal — a placeholder note is written and image_backed_up=false.
func (e *Engine) exportImage(ctx context.Context, doc map[string]any, workDir string) bool {
	imageRef := resolveImageRef(doc)
	if imageRef == "" {
		writePlaceholder(workDir, "no image reference found in container config")
		return false
	}

	exportCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	outPath := filepath.Join(workDir, archive.ImageMember)
	if err := e.docker.ExportImageStream(exportCtx, imageRef, outPath); err != nil {
		e.logger.Warn().Err(err).Str("image", imageRef).Msg("image export failed, continuing without it")
		os.Remove(outPath)
		writePlaceholder(workDir, fmt.Sprintf("image export failed: %v", err))
		return false
	}
	return true
}

func writePlaceholder(workDir, note string) {
	_ = os.WriteFile(filepath.Join(workDir, archive.ImageMember), []byte("EXPORT FAILED: "+note), 0o644)
}

func resolveImageRef(doc map[string]any) string {
	if config, ok := doc["Config"].(map[string]any); ok {
		if img, _ := config["Image"].(string); img != "" {
			return img
		}
	}
	if img, _ := doc["Image"].(string); img != "" {
		return img
	}
	return ""
}

func containerStatus(doc map[string]any) archive.ContainerStatus {
	state, ok := doc["State"].(map[string]any)
	if !ok {
		return archive.ContainerStatusStopped
	}
	if running, _ := state["Running"].(bool); running {
		return archive.ContainerStatusRunning
	}
	return archive.ContainerStatusStopped
}

// enumerateMounts merges Mounts (for type/driver) with HostConfig.Binds
// (authoritative destination), per spec.md §4.4 step 4, excluding
// selfVolumeName — the service's own state volume, which must never be
// backed up even when the container being backed up happens to mount it.
// This is independent of ErrSelfReference, which only refuses backing up
// the service's own container.
func enumerateMounts(doc map[string]any, selfVolumeName string) []archive.VolumeMount {
	var mounts []archive.VolumeMount

	byDest := make(map[string]archive.VolumeMount)
	if raw, ok := doc["Mounts"].([]any); ok {
		for _, m := range raw {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			dest, _ := mm["Destination"].(string)
			if dest == "" {
				continue
			}
			typ, _ := mm["Type"].(string)
			name, _ := mm["Name"].(string)
			driver, _ := mm["Driver"].(string)
			source, _ := mm["Source"].(string)
			byDest[dest] = archive.VolumeMount{Type: typ, Name: name, Destination: dest, Driver: driver, Source: source}
		}
	}

	hostConfig, _ := doc["HostConfig"].(map[string]any)
	if hostConfig != nil {
		if binds, ok := hostConfig["Binds"].([]any); ok {
			for _, b := range binds {
				s, ok := b.(string)
				if !ok {
					continue
				}
				parts := strings.SplitN(s, ":", 3)
				if len(parts) < 2 {
					continue
				}
				src, dest := parts[0], parts[1]
				vm, existing := byDest[dest]
				if !existing {
					vm = archive.VolumeMount{Destination: dest}
				}
				vm.Destination = dest
				if looksLikeVolumeName(src) {
					vm.Type = "volume"
					vm.Name = src
				} else {
					vm.Type = "bind"
					vm.Source = src
				}
				byDest[dest] = vm
			}
		}
	}

	for _, vm := range byDest {
		if selfVolumeName != "" && vm.Name == selfVolumeName {
			continue
		}
		mounts = append(mounts, vm)
	}
	return mounts
}

func looksLikeVolumeName(s string) bool {
	return !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, ".")
}

// snapshotVolumes runs the Volume Data Mover for each named volume and tars
// bind mounts with an accessible host source directly. Individual failures
// are recorded as placeholders and do not abort the backup.
func (e *Engine) snapshotVolumes(ctx context.Context, workDir string, mounts []archive.VolumeMount) error {
	if len(mounts) == 0 {
		return nil
	}
	volumesDir := filepath.Join(workDir, "volumes")
	if err := os.MkdirAll(volumesDir, 0o755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, m := range mounts {
		m := m
		g.Go(func() error {
			e.snapshotOne(gctx, volumesDir, m)
			return nil // per-volume failures are recorded, never abort the group
		})
	}
	return g.Wait()
}

func (e *Engine) snapshotOne(ctx context.Context, volumesDir string, m archive.VolumeMount) {
	streamCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	if m.Type == "volume" && m.Name != "" {
		outPath := filepath.Join(volumesDir, m.Name+"_data.tar.gz")
		if err := e.mover.BackupVolume(streamCtx, m.Name, outPath); err != nil {
			e.logger.Warn().Err(err).Str("volume", m.Name).Msg("volume snapshot failed, recording placeholder")
			os.Remove(outPath)
			_ = writeJSON(filepath.Join(volumesDir, m.Name+"_metadata.json"), map[string]string{"error": err.Error()})
			return
		}
		_ = writeJSON(filepath.Join(volumesDir, m.Name+"_metadata.json"), m)
		return
	}

	if m.Type == "bind" && m.Source != "" {
		if _, err := os.Stat(m.Source); err != nil {
			_ = writeJSON(filepath.Join(volumesDir, "bind_"+filepath.Base(m.Source)+"_metadata.json"), map[string]string{"error": "source inaccessible"})
			return
		}
		// Bind mounts with an accessible host source are tarred directly,
		// no helper container needed.
		outPath := filepath.Join(volumesDir, "bind_"+filepath.Base(m.Source)+"_data.tar.gz")
		if err := tarDirectory(m.Source, outPath); err != nil {
			e.logger.Warn().Err(err).Str("source", m.Source).Msg("bind mount tar failed")
			_ = writeJSON(filepath.Join(volumesDir, "bind_"+filepath.Base(m.Source)+"_metadata.json"), map[string]string{"error": err.Error()})
		}
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func backupType(scheduled bool) archive.BackupType {
	if scheduled {
		return archive.BackupTypeScheduled
	}
	return archive.BackupTypeManual
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
