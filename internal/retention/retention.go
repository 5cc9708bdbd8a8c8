// Package retention prunes scheduled backup archives, keeping only the
// newest N per container and leaving manually-triggered archives untouched.
package retention

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/stevedore-io/stevedore/internal/archive"
)

// Pruner removes old scheduled archives from one backups directory.
type Pruner struct {
	backupsDir string
	logger     zerolog.Logger
}

// New returns a Pruner rooted at backupsDir.
func New(backupsDir string, logger zerolog.Logger) *Pruner {
	return &Pruner{backupsDir: backupsDir, logger: logger.With().Str("component", "retention").Logger()}
}

type candidate struct {
	path    string
	modTime int64
}

// Prune keeps the keepN most recent scheduled archives for containerName and
// removes the rest, along with their JSON sidecar files. Manual archives
// (no scheduled_ prefix) are never considered. keepN <= 0 is a no-op.
func (p *Pruner) Prune(containerName string, keepN int) (removed int, err error) {
	if keepN <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(p.backupsDir)
	if err != nil {
		return 0, err
	}

	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !archive.IsScheduled(e.Name()) {
			continue
		}
		name, ok := archive.ContainerNameFromScheduledFilename(e.Name())
		if !ok || name != containerName {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(p.backupsDir, e.Name()),
			modTime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })

	if len(candidates) <= keepN {
		return 0, nil
	}

	for _, c := range candidates[keepN:] {
		if err := os.Remove(c.path); err != nil {
			p.logger.Warn().Err(err).Str("path", c.path).Msg("failed to remove expired archive")
			continue
		}
		os.Remove(c.path + ".json") // sidecar; absence is not an error
		removed++
	}

	return removed, nil
}
