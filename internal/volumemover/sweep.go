package volumemover

import (
	"context"
	"strings"
)

// containerLister is the subset needed to find orphaned helper containers.
type containerLister interface {
	ListContainers(ctx context.Context, all bool) ([]map[string]any, error)
}

// SweepOrphans force-removes any container whose name begins with one of the
// reserved helper prefixes. Called once on service startup to clean up after
// a crash that occurred mid-backup or mid-restore.
func (m *Mover) SweepOrphans(ctx context.Context, lister containerLister) error {
	containers, err := lister.ListContainers(ctx, true)
	if err != nil {
		return err
	}

	for _, c := range containers {
		names, _ := c["Names"].([]any)
		for _, n := range names {
			name, _ := n.(string)
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, BackupHelperPrefix) || strings.HasPrefix(name, RestoreHelperPrefix) {
				m.logger.Info().Str("helper", name).Msg("sweeping orphaned helper container")
				m.docker.ForceRemoveContainer(ctx, name)
			}
		}
	}
	return nil
}
