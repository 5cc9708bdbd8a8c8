package backupengine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/stevedore-io/stevedore/internal/archive"
)

// sealWithTimeout runs the seal-and-verify step on its own goroutine so a
// stuck filesystem cannot hold the engine past the configured budget. The
// goroutine is left to finish on its own if the timeout fires — the
// Supervisor's slot-holding caller is what actually bounds real-world wall
// time, per spec.md §5's "no code path can hold the slot forever".
func (e *Engine) sealWithTimeout(outPath, workDir string, members []string) error {
	if e.cfg.SealTimeout <= 0 {
		return archive.NewWriter(workDir).Seal(outPath, members)
	}

	done := make(chan error, 1)
	go func() {
		done <- archive.NewWriter(workDir).Seal(outPath, members)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(e.cfg.SealTimeout):
		return fmt.Errorf("seal+verify exceeded %s budget", e.cfg.SealTimeout)
	}
}

// tarDirectory gzip-tars the contents of srcDir (rooted at "./") to outPath,
// for bind mounts whose host-side source is directly readable by the service.
func tarDirectory(srcDir, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = "./" + filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
