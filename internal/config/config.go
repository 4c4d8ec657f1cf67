package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"topicarchive/internal/broker"
	"topicarchive/internal/logging"
)

const (
	SupportedSchema = "v1"

	// EnvPrefix namespaces every config key in the environment; nested keys
	// are separated by a double underscore (TOPICARCHIVE__KAFKA__CLIENT_ID).
	EnvPrefix = "TOPICARCHIVE__"
)

type Config struct {
	SchemaVersion string `koanf:"schema_version"`

	Topic string `koanf:"topic" validate:"required"`
	File  string `koanf:"file" validate:"required"`

	Kafka     broker.Config   `koanf:"kafka"`
	Pipeline  Pipeline        `koanf:"pipeline"`
	Log       logging.Options `koanf:"log"`
	Telemetry Telemetry       `koanf:"telemetry"`
}

type Pipeline struct {
	BatchSize        int           `koanf:"batch_size" validate:"gte=1"`
	ChannelDepth     int           `koanf:"channel_depth" validate:"gte=0"`
	PollTimeout      time.Duration `koanf:"poll_timeout" validate:"gt=0"`
	RetryInterval    time.Duration `koanf:"retry_interval" validate:"gt=0"`
	FlushTimeout     time.Duration `koanf:"flush_timeout" validate:"gte=0"`
	Workers          int           `koanf:"workers" validate:"gte=1,lte=256"`
	Level            int           `koanf:"level" validate:"gte=0,lte=9"`
	ProgressInterval time.Duration `koanf:"progress_interval" validate:"gte=0"`
}

type Telemetry struct {
	MetricsPort int `koanf:"metrics_port" validate:"gte=0,lte=65535"`
	GRPCPort    int `koanf:"grpc_port" validate:"gte=0,lte=65535"`
}

// defaults are set before any source is loaded, so explicit zeros (level 0,
// port 0) from a file, the environment or flags still win.
var defaults = map[string]any{
	"schema_version":             SupportedSchema,
	"pipeline.batch_size":        1000,
	"pipeline.channel_depth":     1,
	"pipeline.poll_timeout":      "1s",
	"pipeline.retry_interval":    "100ms",
	"pipeline.flush_timeout":     "30s",
	"pipeline.workers":           1,
	"pipeline.level":             6,
	"pipeline.progress_interval": "5s",
	"log.level":                  "info",
}

// plainEnv maps the short, unprefixed variables onto config keys.
var plainEnv = map[string]string{
	"BOOTSTRAP_SERVERS": "kafka.bootstrap_servers",
	"TOPIC":             "topic",
	"FILE":              "file",
}

// Load merges, from lowest to highest precedence: built-in defaults, the
// YAML file at path (optional), environment variables, then overrides
// (typically the command-line flags that were set explicitly).
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
			logging.With("config").Warn("config file not found; using defaults and environment", "path", path)
		}
	}
	if sv := k.String("schema_version"); sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	for key, v := range overrides {
		if err := k.Set(key, v); err != nil {
			return Config{}, fmt.Errorf("config override %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envKey maps an environment variable onto a config key. Unrelated and
// empty variables are skipped.
func envKey(name, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	if key, ok := plainEnv[name]; ok {
		return key, value
	}
	if rest, ok := strings.CutPrefix(name, EnvPrefix); ok && rest != "" {
		return strings.ToLower(strings.ReplaceAll(rest, "__", ".")), value
	}
	return "", nil
}

func applyDefaults(c *Config) {
	broker.ApplyDefaults(&c.Kafka)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and returns a readable, field-qualified error.
func Validate(c Config) error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

var ErrInvalid = errors.New("invalid configuration")

