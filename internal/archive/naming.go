package archive

import (
	"fmt"
	"strings"
	"time"
)

// ScheduledPrefix marks archives produced by the Scheduler; only these are
// subject to Retention.
const ScheduledPrefix = "scheduled_"

// FileTimestampLayout matches the "_YYYYMMDD_HHMMSS" suffix used in archive filenames.
const FileTimestampLayout = "20060102_150405"

// FileName builds the "<archive>.tar.gz" name for containerName at ts,
// prefixing scheduled_ when isScheduled is true.
func FileName(containerName string, ts time.Time, isScheduled bool) string {
	prefix := ""
	if isScheduled {
		prefix = ScheduledPrefix
	}
	return fmt.Sprintf("%s%s_%s.tar.gz", prefix, containerName, ts.Format(FileTimestampLayout))
}

// SidecarName returns the companion sidecar filename for an archive.
func SidecarName(archiveFileName string) string {
	return archiveFileName + ".json"
}

// IsScheduled reports whether filename was produced by the Scheduler.
func IsScheduled(filename string) bool {
	return strings.HasPrefix(filename, ScheduledPrefix)
}

// ContainerNameFromScheduledFilename parses the container name out of a
// scheduled_ archive filename by stripping the scheduled_ prefix and
// .tar.gz suffix, then removing the trailing two underscore-separated
// tokens (date + time). Container names that themselves contain underscores
// are handled correctly because only the last two tokens are stripped.
func ContainerNameFromScheduledFilename(filename string) (string, bool) {
	if !strings.HasPrefix(filename, ScheduledPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
		return "", false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(filename, ScheduledPrefix), ".tar.gz")
	parts := strings.Split(trimmed, "_")
	if len(parts) < 3 {
		return "", false
	}
	name := strings.Join(parts[:len(parts)-2], "_")
	if name == "" {
		return "", false
	}
	return name, true
}
