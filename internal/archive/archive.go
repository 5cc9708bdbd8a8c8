// Package archive implements the on-disk backup archive format: a single
// gzipped tar whose members live under a top-level "./" prefix, required to
// contain backup_metadata.json and container_config.json.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrMalformed is returned when an archive is missing a required member or
// its metadata cannot be parsed.
var ErrMalformed = errors.New("archive: malformed")

// Required member names, relative to the tar's "./" root.
const (
	MetadataMember = "backup_metadata.json"
	ConfigMember   = "container_config.json"
	RunCmdMember   = "docker_run_command.txt"
	ComposeMember  = "docker-compose.yml"
	ImageMember    = "image.tar"
	VolumesInfoMember = "volumes_info.json"
)

// BackupType distinguishes manual operator-initiated backups from scheduled ones.
type BackupType string

const (
	BackupTypeManual    BackupType = "manual"
	BackupTypeScheduled BackupType = "scheduled"
)

// ContainerStatus mirrors the running/stopped split backup_metadata.json records.
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusStopped ContainerStatus = "stopped"
)

// Metadata is the required backup_metadata.json payload.
type Metadata struct {
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	BackupDate    time.Time  `json:"backup_date"`
	BackupType    BackupType `json:"backup_type"`
	Image         string     `json:"image"`
	ImageBackedUp bool       `json:"image_backed_up"`
	Status        ContainerStatus `json:"status"`
	ServerName    string     `json:"server_name"`
}

// VolumeMount describes one entry of the ordered mount list recorded in
// volumes_info.json. Destination is recovered from HostConfig.Binds rather
// than Mounts, because the latter reflects the resolved mount and may diverge
// from the original run spec across renames.
type VolumeMount struct {
	Type        string `json:"type"` // "volume" | "bind"
	Name        string `json:"name,omitempty"`
	Destination string `json:"destination"`
	Driver      string `json:"driver,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Sidecar is the companion <archive>.tar.gz.json written next to the archive,
// used for listing without downloading the body.
type Sidecar struct {
	ServerName string `json:"server_name"`
}

// Writer assembles an archive from a working directory into an output file,
// then reopens and lists every member as a verification pass before
// returning success. spec.md §4.4 step 6 requires this: an archive is never
// advertised as complete until a distinct reader can traverse every entry.
type Writer struct {
	workDir string
}

// NewWriter returns a Writer that will assemble members found in workDir.
func NewWriter(workDir string) *Writer {
	return &Writer{workDir: workDir}
}

// Seal writes workDir's regular files (matched against the required/optional
// member name list) as a gzip tar to outPath, fsyncs it, then verifies by
// reopening and listing every member. On any verification failure the
// partial file is removed and an error is returned — no half-sealed archive
// is ever left where a caller could observe it.
func (w *Writer) Seal(outPath string, members []string) (err error) {
	tmp := outPath + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmp)
			os.Remove(outPath)
		}
	}()

	if err = w.writeTar(tmp, members); err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	if err = os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("seal: rename: %w", err)
	}

	if err = Verify(outPath); err != nil {
		return fmt.Errorf("seal: verify: %w", err)
	}

	return nil
}

func (w *Writer) writeTar(outPath string, members []string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, member := range members {
		if err := addMember(tw, w.workDir, member); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return f.Sync()
}

func addMember(tw *tar.Writer, workDir, member string) error {
	path := filepath.Join(workDir, member)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat member %s: %w", member, err)
	}

	if info.IsDir() {
		return addDir(tw, path, "./"+member)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = "./" + member

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

func addDir(tw *tar.Writer, dirPath, archivePrefix string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(dirPath, e.Name())
		archName := archivePrefix + "/" + e.Name()
		if e.IsDir() {
			if err := addDir(tw, full, archName); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = archName
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Verify opens path as a gzipped tar and streams every member to EOF,
// confirming both required members are present. It does not interpret
// contents beyond what is needed to assert well-formedness.
func Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrMalformed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	seen := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrMalformed, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("%w: reading member %s: %v", ErrMalformed, hdr.Name, err)
			}
		}
		seen[trimMemberName(hdr.Name)] = true
	}

	for _, required := range []string{MetadataMember, ConfigMember} {
		if !seen[required] {
			return fmt.Errorf("%w: missing required member %s", ErrMalformed, required)
		}
	}
	return nil
}

// ReadMetadata opens path and decodes backup_metadata.json without
// materialising the rest of the archive.
func ReadMetadata(path string) (*Metadata, error) {
	var meta Metadata
	if err := readMember(path, MetadataMember, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReadContainerConfig opens path and decodes container_config.json as the
// untyped inspect document it was written from.
func ReadContainerConfig(path string) (map[string]any, error) {
	var doc map[string]any
	if err := readMember(path, ConfigMember, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListMembers returns the member names present in the archive (trimmed of
// the "./" root prefix).
func ListMembers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrMalformed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var members []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: tar: %v", ErrMalformed, err)
		}
		members = append(members, trimMemberName(hdr.Name))
	}
	return members, nil
}

// ExtractMember streams the named member's raw bytes to w.
func ExtractMember(path, member string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrMalformed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: member %s not found", ErrMalformed, member)
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrMalformed, err)
		}
		if trimMemberName(hdr.Name) == member {
			_, err := io.Copy(w, tr)
			return err
		}
	}
}

func readMember(path, member string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrMalformed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: member %s not found", ErrMalformed, member)
		}
		if err != nil {
			return fmt.Errorf("%w: tar: %v", ErrMalformed, err)
		}
		if trimMemberName(hdr.Name) == member {
			return json.NewDecoder(tr).Decode(v)
		}
	}
}

func trimMemberName(name string) string {
	for len(name) >= 2 && name[:2] == "./" {
		name = name[2:]
	}
	return name
}
