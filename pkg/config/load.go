package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "ENGINELINK_"

// DefaultFiles are searched in the working directory when no file is given.
var DefaultFiles = []string{"enginelink.yaml", "enginelink.yml"}

// flagKeys maps flag names to config keys where they differ from the
// snake_case form of the flag.
var flagKeys = map[string]string{
	"timeout":        "connect.timeout",
	"retries":        "connect.retries",
	"backoff":        "connect.backoff",
	"isolated":       "connect.isolated",
	"engine-version": "engine.version",
	"manifest-url":   "engine.manifest_url",
	"cache-dir":      "cache.dir",
	"store":          "store.path",
	"log-level":      "telemetry.logging.level",
	"log-format":     "telemetry.logging.format",
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// File is an explicit YAML config file. Empty searches DefaultFiles.
	File string

	// Flags are applied last; only changed flags are read.
	Flags *pflag.FlagSet

	// Set holds key=value overrides applied after the environment and
	// before flags.
	Set []string
}

// Load builds the configuration from defaults, file, environment and flags
// and validates it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	path := findConfigFile(opts.File)
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// ENGINELINK_CONNECT__TIMEOUT -> connect.timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(opts.Set) > 0 {
		overrides, err := parseSet(opts.Set)
		if err != nil {
			return nil, err
		}
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(opts.Flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func parseSet(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q: expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// already set are left alone.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			})
		}
	}

	if c.Remote.Enabled {
		if err := c.Remote.SSH.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "remote.ssh", Message: err.Error()})
		}
		if c.Workdir != "" && !strings.HasPrefix(c.Workdir, "/") {
			errs = append(errs, ValidationError{Path: "workdir", Message: "must be absolute for a remote engine"})
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
