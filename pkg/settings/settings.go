// Package settings holds the tool settings of the pipewright command: log
// output, the incremental debounce window, the trace file and the default
// pipeline. Values come from flags, PIPEWRIGHT_* environment variables and a
// .env file, in that order of precedence.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
	"github.com/ormasoftchile/pipewright/pkg/kernel/engine"
)

// EnvPrefix prefixes environment variables, e.g. PIPEWRIGHT_LOG_LEVEL for
// log.level.
const EnvPrefix = "PIPEWRIGHT"

// Settings is the decoded tool configuration.
type Settings struct {
	Log      LogSettings   `mapstructure:"log"`
	Debounce time.Duration `mapstructure:"debounce"`
	Trace    string        `mapstructure:"trace"`
	Pipeline string        `mapstructure:"pipeline"`
}

// LogSettings configures the slog handler.
type LogSettings struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// flagKeys maps command-line flags to setting keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"debounce":   "debounce",
	"trace":      "trace",
	"pipeline":   "pipeline",
}

// SetDefaults registers the default of every setting.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("debounce", engine.DefaultDebounce.String())
	v.SetDefault("trace", "")
	v.SetDefault("pipeline", config.DefaultPipeline)
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	// PIPEWRIGHT_LOG_LEVEL for log.level
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds the known flags present in flags to their settings.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// LoadDotEnv loads variables from the env file at path without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load decodes and checks the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &s, nil
}

// Validate reports every invalid setting.
func (s *Settings) Validate() []error {
	var errs []error
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(s.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", s.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, s.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", s.Log.Format))
	}
	if s.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("debounce: must be positive, got %s", s.Debounce))
	}
	if s.Pipeline == "" {
		errs = append(errs, errors.New("pipeline: must not be empty"))
	}
	return errs
}
