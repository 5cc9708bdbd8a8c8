// Package restoreengine implements the inverse of the backup engine: given
// a sealed archive, it re-derives a run spec and re-materialises volumes,
// networks, and the container itself, with collision handling for each.
package restoreengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/archive"
	"github.com/stevedore-io/stevedore/internal/runspec"
)

// Error kinds per spec.md §7.
var (
	ErrMalformedBackup      = errors.New("restoreengine: malformed backup")
	ErrVolumeConflict       = errors.New("restoreengine: volume conflict")
	ErrNetworkUnavailable   = errors.New("restoreengine: could not create required network")
	ErrContainerStartFailed = errors.New("restoreengine: container create failed")
)

// VolumeConflictError carries the offending volume names so the caller can
// re-invoke with an explicit overwrite decision.
type VolumeConflictError struct {
	Volumes []string
}

func (e *VolumeConflictError) Error() string {
	return fmt.Sprintf("restoreengine: volumes already exist: %s", strings.Join(e.Volumes, ", "))
}

func (e *VolumeConflictError) Unwrap() error { return ErrVolumeConflict }

// dockerClient is the subset of dockerclient.Client the restore engine needs.
type dockerClient interface {
	InspectVolume(ctx context.Context, name string) (map[string]any, error)
	CreateVolume(ctx context.Context, name string) error
	CreateNetwork(ctx context.Context, name, subnet, gateway string) error
	ListNetworks(ctx context.Context) ([]map[string]any, error)
	ListContainers(ctx context.Context, all bool) ([]map[string]any, error)
	CreateContainer(ctx context.Context, name string, config map[string]any) (string, error)
	LoadImage(ctx context.Context, inPath string) error
}

// volumeRestorer is the subset of volumemover.Mover the restore engine needs.
type volumeRestorer interface {
	RestoreVolume(ctx context.Context, volumeName, inputPath string) error
	ListVolumeContents(ctx context.Context, volumeName string) ([]string, error)
}

// Options parameterise one restore invocation.
type Options struct {
	NewName          string
	OverwriteVolumes *bool // nil = unspecified
	PortOverrides    runspec.PortOverride
}

// Result is returned on a successful restore.
type Result struct {
	ContainerID   string
	ContainerName string
	StackWarning  string
	RunCommand    string // the reconstructed "docker create ..." line; not written to the audit log
}

// Engine drives one restore.
type Engine struct {
	docker dockerClient
	mover  volumeRestorer
	logger zerolog.Logger
}

// New returns a restore Engine.
func New(docker dockerClient, mover volumeRestorer, logger zerolog.Logger) *Engine {
	return &Engine{docker: docker, mover: mover, logger: logger.With().Str("component", "restoreengine").Logger()}
}

// Restore runs the full algorithm from spec.md §4.5. It is synchronous —
// there is no progress record, only a final result or classified error.
func (e *Engine) Restore(ctx context.Context, archivePath string, opts Options) (*Result, error) {
	doc, err := archive.ReadContainerConfig(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}

	stackWarning, err := e.detectStackWarning(ctx, doc)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to check stack existence, omitting stack warning")
	}

	mounts, err := readVolumesInfo(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBackup, err)
	}

	namedVolumes := namedVolumeNames(mounts)

	overwrite := false
	if opts.OverwriteVolumes == nil {
		conflicts, err := e.detectConflicts(ctx, namedVolumes)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, &VolumeConflictError{Volumes: conflicts}
		}
		overwrite = true // none pre-exist, so proceeding is safe and equivalent to overwrite
	} else {
		overwrite = *opts.OverwriteVolumes
	}

	args := runspec.Build(doc, opts.PortOverrides)
	if opts.NewName != "" {
		args = substituteName(args, opts.NewName)
	}

	if overwrite {
		if err := e.restoreVolumes(ctx, archivePath, namedVolumes); err != nil {
			return nil, err
		}
	}

	if err := e.loadImagePayload(ctx, archivePath); err != nil {
		e.logger.Warn().Err(err).Msg("image load failed, continuing with whatever is on host")
	}

	if err := e.ensureNetworks(ctx, doc); err != nil {
		return nil, err
	}

	args = runspec.StripDetach(args)
	networkMode := hostConfigString(doc, "NetworkMode")
	args = runspec.StripIPForDefaultNetwork(args, networkMode)

	name := opts.NewName
	if name == "" {
		name = strings.TrimPrefix(stringField(doc, "Name"), "/")
	}

	runCommand := "docker create " + strings.Join(args, " ")

	config := createConfigFromArgs(doc, opts.PortOverrides)
	id, err := e.docker.CreateContainer(ctx, name, config)
	if err != nil {
		// Name collision: reuse the existing container idempotently.
		if isNameConflict(err) {
			e.logger.Info().Str("name", name).Msg("container name already exists, reusing")
			return &Result{ContainerID: name, ContainerName: name, StackWarning: stackWarning, RunCommand: runCommand}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	return &Result{ContainerID: shortID(id), ContainerName: name, StackWarning: stackWarning, RunCommand: runCommand}, nil
}

func (e *Engine) detectConflicts(ctx context.Context, volumeNames []string) ([]string, error) {
	var conflicts []string
	for _, name := range volumeNames {
		if _, err := e.docker.InspectVolume(ctx, name); err == nil {
			conflicts = append(conflicts, name)
		}
	}
	return conflicts, nil
}

func (e *Engine) restoreVolumes(ctx context.Context, archivePath string, volumeNames []string) error {
	for _, name := range volumeNames {
		if err := e.docker.CreateVolume(ctx, name); err != nil && !isAlreadyExists(err) {
			e.logger.Warn().Err(err).Str("volume", name).Msg("volume create error, continuing")
		}

		tmp, err := extractVolumeTar(archivePath, name)
		if err != nil {
			e.logger.Warn().Err(err).Str("volume", name).Msg("volume payload missing, skipping")
			continue
		}

		restoreCtx, cancel := context.WithTimeout(ctx, 1200*time.Second)
		err = e.mover.RestoreVolume(restoreCtx, name, tmp)
		cancel()
		os.Remove(tmp)
		if err != nil {
			e.logger.Warn().Err(err).Str("volume", name).Msg("volume restore failed")
			continue
		}

		if _, err := e.mover.ListVolumeContents(ctx, name); err != nil {
			e.logger.Warn().Err(err).Str("volume", name).Msg("volume restore verification failed")
		}
	}
	return nil
}

func (e *Engine) loadImagePayload(ctx context.Context, archivePath string) error {
	members, err := archive.ListMembers(archivePath)
	if err != nil {
		return err
	}
	hasImage := false
	for _, m := range members {
		if m == archive.ImageMember {
			hasImage = true
		}
	}
	if !hasImage {
		return nil
	}

	tmp, err := os.CreateTemp("", "stevedore-image-*.tar")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := archive.ExtractMember(archivePath, archive.ImageMember, tmp); err != nil {
		tmp.Close()
		return err
	}
	info, _ := tmp.Stat()
	tmp.Close()
	if info == nil || info.Size() <= 100 {
		return nil // placeholder, not a real payload
	}

	loadCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()
	if err := e.docker.LoadImage(loadCtx, tmp.Name()); err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

// ensureNetworks creates any non-default network referenced by doc that
// doesn't already exist on the host, trying a derived subnet/gateway first
// and falling back to an auto-assigned one.
func (e *Engine) ensureNetworks(ctx context.Context, doc map[string]any) error {
	mode := hostConfigString(doc, "NetworkMode")
	if mode == "" || runspec.IsDefaultNetwork(mode) {
		return nil
	}

	existing, err := e.docker.ListNetworks(ctx)
	if err == nil {
		for _, n := range existing {
			if name, _ := n["Name"].(string); name == mode {
				return nil
			}
		}
	}

	subnet, gateway := deriveSubnet(doc, mode)
	if err := e.docker.CreateNetwork(ctx, mode, subnet, gateway); err == nil {
		return nil
	}

	if err := e.docker.CreateNetwork(ctx, mode, "", ""); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNetworkUnavailable, mode, err)
	}
	return nil
}

// deriveSubnet computes a network address by zeroing the host portion of
// Gateway/IPPrefixLen from the inspect document's network settings.
func deriveSubnet(doc map[string]any, networkName string) (subnet, gateway string) {
	netSettings, _ := doc["NetworkSettings"].(map[string]any)
	if netSettings == nil {
		return "", ""
	}
	networks, _ := netSettings["Networks"].(map[string]any)
	net0, ok := networks[networkName].(map[string]any)
	if !ok {
		return "", ""
	}
	gw, _ := net0["Gateway"].(string)
	prefixLen, _ := net0["IPPrefixLen"].(float64)
	if gw == "" || prefixLen == 0 {
		return "", ""
	}
	ip := net.ParseIP(gw)
	if ip == nil {
		return "", gw
	}
	mask := netMask(int(prefixLen))
	network := ip.Mask(mask)
	return fmt.Sprintf("%s/%d", network.String(), int(prefixLen)), gw
}

func netMask(prefixLen int) net.IPMask {
	return net.CIDRMask(prefixLen, 32)
}

func readVolumesInfo(archivePath string) ([]archive.VolumeMount, error) {
	members, err := archive.ListMembers(archivePath)
	if err != nil {
		return nil, err
	}
	has := false
	for _, m := range members {
		if m == archive.VolumesInfoMember {
			has = true
		}
	}
	if !has {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := archive.ExtractMember(archivePath, archive.VolumesInfoMember, &buf); err != nil {
		return nil, err
	}
	var mounts []archive.VolumeMount
	if err := json.Unmarshal(buf.Bytes(), &mounts); err != nil {
		return nil, err
	}
	return mounts, nil
}

func namedVolumeNames(mounts []archive.VolumeMount) []string {
	var names []string
	for _, m := range mounts {
		if m.Type == "volume" && m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names
}

func extractVolumeTar(archivePath, volumeName string) (string, error) {
	tmp, err := os.CreateTemp("", "stevedore-volume-*.tar.gz")
	if err != nil {
		return "", err
	}
	member := "volumes/" + volumeName + "_data.tar.gz"
	if err := archive.ExtractMember(archivePath, member, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	tmp.Close()
	return tmp.Name(), nil
}

func substituteName(args []string, newName string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if a == "--name" && i+1 < len(out) {
			out[i+1] = newName
		}
	}
	return out
}

func createConfigFromArgs(doc map[string]any, overrides runspec.PortOverride) map[string]any {
	config, _ := doc["Config"].(map[string]any)
	hostConfig, _ := doc["HostConfig"].(map[string]any)

	out := map[string]any{}
	if config != nil {
		out["Image"] = config["Image"]
		out["Env"] = config["Env"]
		out["Cmd"] = config["Cmd"]
		out["Entrypoint"] = config["Entrypoint"]
		out["Labels"] = config["Labels"]
		out["WorkingDir"] = config["WorkingDir"]
		out["User"] = config["User"]
	}
	if hostConfig != nil {
		hc := map[string]any{}
		hc["Binds"] = hostConfig["Binds"]
		hc["RestartPolicy"] = hostConfig["RestartPolicy"]
		hc["Privileged"] = hostConfig["Privileged"]
		hc["CapAdd"] = hostConfig["CapAdd"]
		hc["CapDrop"] = hostConfig["CapDrop"]
		if bindings, ok := hostConfig["PortBindings"].(map[string]any); ok {
			merged := map[string]any{}
			for cp, v := range bindings {
				merged[cp] = v
			}
			for cp, hostPort := range overrides {
				merged[cp] = []map[string]any{{"HostPort": hostPort}}
			}
			hc["PortBindings"] = merged
		}
		out["HostConfig"] = hc
	}
	return out
}

func hostConfigString(doc map[string]any, key string) string {
	hc, _ := doc["HostConfig"].(map[string]any)
	if hc == nil {
		return ""
	}
	s, _ := hc[key].(string)
	return s
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// detectStackWarning surfaces an informational warning when Compose/Swarm
// stack labels are present on the restored container but no container
// (running or stopped) on this host currently carries the same stack label — meaning
// the stack itself has not been (re)deployed, and the operator likely
// wants to bring the whole stack up via compose/swarm rather than rely on
// this one recreated container.
func (e *Engine) detectStackWarning(ctx context.Context, doc map[string]any) (string, error) {
	config, _ := doc["Config"].(map[string]any)
	if config == nil {
		return "", nil
	}
	labels, _ := config["Labels"].(map[string]any)
	if labels == nil {
		return "", nil
	}

	var labelKey, labelValue, kind string
	if project, ok := labels["com.docker.compose.project"].(string); ok && project != "" {
		labelKey, labelValue, kind = "com.docker.compose.project", project, "compose project"
	} else if stack, ok := labels["com.docker.stack.namespace"].(string); ok && stack != "" {
		labelKey, labelValue, kind = "com.docker.stack.namespace", stack, "swarm stack"
	} else {
		return "", nil
	}

	exists, err := e.stackExists(ctx, labelKey, labelValue)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}
	return fmt.Sprintf("container belongs to %s %q, which does not currently exist on this host", kind, labelValue), nil
}

// stackExists reports whether any container currently on the host carries
// the given label key/value pair.
func (e *Engine) stackExists(ctx context.Context, labelKey, labelValue string) (bool, error) {
	containers, err := e.docker.ListContainers(ctx, true)
	if err != nil {
		return false, err
	}
	for _, ctr := range containers {
		labels, _ := ctr["Labels"].(map[string]any)
		if labels == nil {
			continue
		}
		if v, ok := labels[labelKey].(string); ok && v == labelValue {
			return true, nil
		}
	}
	return false, nil
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isNameConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") && strings.Contains(msg, "name")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
