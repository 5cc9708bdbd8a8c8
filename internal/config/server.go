// Package config provides environment-driven configuration for stevedored.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment

	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string

	// DataDir is the root directory containing backups/ and config/.
	DataDir string

	// DockerSocketPath is the Unix socket the Docker client dials.
	DockerSocketPath string

	// HelperImage is the image used for ephemeral volume-mover containers.
	HelperImage string

	// CORSOrigins is the list of origins allowed to call the API.
	CORSOrigins []string

	// MaxRequestBodyBytes bounds submit/restore/schedule JSON payloads. None
	// of this service's endpoints accept file uploads, so the ceiling is small.
	MaxRequestBodyBytes int64

	// DBPath is the path to the sqlite database file for schedules and audit logs.
	DBPath string

	// SelfVolumeName is the name of this service's own state volume. It is
	// excluded from mount enumeration so a backup never captures itself.
	SelfVolumeName string

	// Timeouts per spec.md §5.
	ContainerOpTimeout time.Duration
	VolumeOpTimeout    time.Duration
	ArchiveOpTimeout   time.Duration
	HelperStartTimeout time.Duration

	// ObjectStore holds optional S3-compatible remote mirroring settings.
	ObjectStore ObjectStoreConfig
}

// ObjectStoreConfig configures the optional remote archive mirror.
type ObjectStoreConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// LoadServerConfig reads server configuration from environment variables,
// falling back to development-friendly defaults for anything unset.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	dataDir := getenv("STEVEDORE_DATA_DIR", "/var/lib/stevedore")

	cfg := ServerConfig{
		Environment:        env,
		ListenAddr:         getenv("STEVEDORE_LISTEN_ADDR", ":8420"),
		DataDir:            dataDir,
		DockerSocketPath:   getenv("STEVEDORE_DOCKER_SOCKET", "/var/run/docker.sock"),
		HelperImage:        getenv("STEVEDORE_HELPER_IMAGE", "busybox:latest"),
		CORSOrigins:         splitCSV(os.Getenv("CORS_ORIGINS")),
		MaxRequestBodyBytes: getenvInt64("STEVEDORE_MAX_REQUEST_BODY_BYTES", 1<<20),
		DBPath:              getenv("STEVEDORE_DB_PATH", dataDir+"/config/stevedore.db"),
		SelfVolumeName:      os.Getenv("STEVEDORE_SELF_VOLUME_NAME"),
		ContainerOpTimeout:  getenvDuration("STEVEDORE_CONTAINER_OP_TIMEOUT", 30*time.Second),
		VolumeOpTimeout:     getenvDuration("STEVEDORE_VOLUME_OP_TIMEOUT", 6*time.Hour),
		ArchiveOpTimeout:    getenvDuration("STEVEDORE_ARCHIVE_OP_TIMEOUT", 2*time.Hour),
		HelperStartTimeout:  getenvDuration("STEVEDORE_HELPER_START_TIMEOUT", 15*time.Second),
	}

	cfg.ObjectStore = ObjectStoreConfig{
		Enabled:         os.Getenv("STEVEDORE_S3_BUCKET") != "",
		Bucket:          os.Getenv("STEVEDORE_S3_BUCKET"),
		Region:          getenv("STEVEDORE_S3_REGION", "us-east-1"),
		Endpoint:        os.Getenv("STEVEDORE_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("STEVEDORE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("STEVEDORE_S3_SECRET_ACCESS_KEY"),
		UsePathStyle:    os.Getenv("STEVEDORE_S3_PATH_STYLE") == "true",
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BackupsDir is where sealed archives live, per spec.md §6 Environment.
func (c ServerConfig) BackupsDir() string {
	return c.DataDir + "/backups"
}
