package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/enginelink/pkg/retry"
	"github.com/openfroyo/enginelink/pkg/telemetry"
	"github.com/openfroyo/enginelink/pkg/transports/ssh"
)

// DefaultEngineVersion is the engine release provisioned when none is configured.
const DefaultEngineVersion = "v0.9.0"

// Config is the complete client configuration.
type Config struct {
	// Workdir overrides the engine's working directory. It cannot be combined
	// with an ambient session.
	Workdir string `koanf:"workdir"`

	// Labels are attached to launched sessions.
	Labels map[string]string `koanf:"labels"`

	// LogOutput receives engine output. Empty keeps progress reporting on.
	LogOutput string `koanf:"log_output"`

	Engine    EngineConfig     `koanf:"engine"`
	Connect   ConnectConfig    `koanf:"connect"`
	Remote    RemoteConfig     `koanf:"remote"`
	Cache     CacheConfig      `koanf:"cache"`
	Store     StoreConfig      `koanf:"store"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// EngineConfig selects and starts the engine binary.
type EngineConfig struct {
	// Version is the engine release to provision.
	Version string `koanf:"version" validate:"required"`

	// ManifestURL points at the YAML release manifest.
	ManifestURL string `koanf:"manifest_url" validate:"omitempty,url"`

	StartupTimeout  time.Duration `koanf:"startup_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// ConnectConfig controls connecting to a session.
type ConnectConfig struct {
	// Timeout bounds each connect attempt.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`

	// Retries is the number of attempts after the first. Zero disables retrying.
	Retries int `koanf:"retries" validate:"gte=0,lte=100"`

	// Backoff is the delay before the first retry.
	Backoff time.Duration `koanf:"backoff" validate:"gte=0"`

	// Isolated requests a caller-owned connection instead of the shared one.
	Isolated bool `koanf:"isolated"`
}

// Policy returns the retry policy described by c.
func (c ConnectConfig) Policy() retry.Policy {
	if c.Retries <= 0 {
		return retry.None()
	}
	return retry.Bounded(c.Retries+1, c.Backoff)
}

// RemoteConfig runs the engine on another machine over SSH.
type RemoteConfig struct {
	Enabled bool `koanf:"enabled"`

	// Dir is where the engine binary is uploaded.
	Dir string `koanf:"dir"`

	// KeepBinary leaves the uploaded binary in place after shutdown.
	KeepBinary bool `koanf:"keep_binary"`

	// Platform selects the engine build uploaded to the host.
	Platform string `koanf:"platform"`

	SSH ssh.Config `koanf:"ssh"`
}

// CacheConfig locates the engine binary cache.
type CacheConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// StoreConfig locates the session ledger. An empty path disables it.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ValidationError describes one invalid field.
type ValidationError struct {
	// Path is the dotted config key, e.g. "connect.retries".
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// defaultCacheDir returns $XDG_CACHE_HOME/enginelink or its platform
// equivalent.
func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "enginelink")
}

// Default returns the built-in configuration.
func Default() *Config {
	cacheDir := defaultCacheDir()
	return &Config{
		Labels: map[string]string{},
		Engine: EngineConfig{
			Version:         DefaultEngineVersion,
			StartupTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout: 30 * time.Second,
			Retries: 0,
			Backoff: time.Second,
		},
		Remote: RemoteConfig{
			Dir:      "/tmp/enginelink",
			Platform: "linux-amd64",
			SSH:      *ssh.DefaultConfig("", os.Getenv("USER")),
		},
		Cache:     CacheConfig{Dir: cacheDir},
		Store:     StoreConfig{Path: filepath.Join(cacheDir, "enginelink.db")},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
