package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []EnvSpec {
	pairs := []struct{ suffix, path string }{
		{"QUEUE_DIR", "queue_dir"},
		{"OUTPUT_DIR", "output_dir"},
		{"WORK_DIR", "work_dir"},
		{"POLL_INTERVAL", "poll_interval"},

		{"SHELL_ENABLED", "conductors.shell.enabled"},
		{"INTERPRETER_ENABLED", "conductors.interpreter.enabled"},
		{"REMOTE_ENABLED", "conductors.remote.enabled"},
		{"SHELL_BINARY", "shell.binary"},
		{"PYTHON", "interpreter.python"},
		{"PAPERMILL", "interpreter.papermill"},

		{"REMOTE_HOST", "remote.host"},
		{"REMOTE_PORT", "remote.port"},
		{"REMOTE_USER", "remote.user"},
		{"REMOTE_KEY_PATH", "remote.key_path"},
		{"REMOTE_KNOWN_HOSTS", "remote.known_hosts"},
		{"REMOTE_DIR", "remote.remote_dir"},
		{"REMOTE_IMAGE", "remote.image"},
		{"REMOTE_MODE", "remote.mode"},
		{"REMOTE_CLIENT", "remote.client"},
		{"BATCH_ARGS", "remote.batch_args"},
		{"CONNECT_RETRIES", "remote.connect_retries"},
		{"CONNECT_INTERVAL", "remote.connect_interval"},
		{"REMOTE_POLL_RETRIES", "remote.poll_retries"},
		{"REMOTE_POLL_INTERVAL", "remote.poll_interval"},

		{"LEDGER_ENABLED", "ledger.enabled"},
		{"LEDGER_PATH", "ledger.path"},
		{"LEDGER_URL", "ledger.url"},
		{"LEDGER_AUTH_TOKEN", "ledger.auth_token"},

		{"EXPORT_ENABLED", "export.enabled"},
		{"EXPORT_BUCKET", "export.bucket"},
		{"EXPORT_PREFIX", "export.prefix"},
		{"EXPORT_REGION", "export.region"},
		{"EXPORT_ENDPOINT", "export.endpoint"},
		{"EXPORT_PROFILE", "export.profile"},

		{"SERVER_ENABLED", "server.enabled"},
		{"HOST", "server.host"},
		{"PORT", "server.port"},

		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
	}
	specs := make([]EnvSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + p.suffix, Path: p.path})
	}
	return specs
}

// DataDir is the default root for the queue, output and ledger.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultConfigFile is <user config dir>/conductor/conductor.yaml.
func DefaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, AppName, AppName+".yaml")
}

func setDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("queue_dir", filepath.Join(data, "queue"))
	v.SetDefault("output_dir", filepath.Join(data, "output"))
	v.SetDefault("work_dir", "")
	v.SetDefault("poll_interval", "5s")

	v.SetDefault("conductors.shell.enabled", true)
	v.SetDefault("conductors.interpreter.enabled", true)
	v.SetDefault("conductors.remote.enabled", false)
	v.SetDefault("shell.binary", "bash")
	v.SetDefault("interpreter.python", "python3")
	v.SetDefault("interpreter.papermill", "papermill")

	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.remote_dir", "cluster")
	v.SetDefault("remote.image", "slurm-cluster")
	v.SetDefault("remote.batch_args", []string{})
	v.SetDefault("remote.mode", "native")
	v.SetDefault("remote.client", "exec")
	v.SetDefault("remote.connect_retries", 30)
	v.SetDefault("remote.connect_interval", "1s")
	v.SetDefault("remote.poll_retries", 30000)
	v.SetDefault("remote.poll_interval", "100ms")

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", filepath.Join(data, "ledger.db"))

	v.SetDefault("export.enabled", false)
	v.SetDefault("export.includes", []string{})
	v.SetDefault("export.excludes", []string{})

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load builds the configuration without an explicit config file. The
// default config file is read when it exists.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile builds the configuration from path (which must exist when set),
// the environment and overrides. Later overrides win.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Remote.BatchArgs = trimAll(cfg.Remote.BatchArgs)
	cfg.Export.Includes = trimAll(cfg.Export.Includes)
	cfg.Export.Excludes = trimAll(cfg.Export.Excludes)

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultConfigFile()
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Keys lists every known config key in sorted order.
func Keys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EnvSpecs lists every environment variable the loader reads.
func EnvSpecs() []EnvSpec {
	return getEnvSpecs()
}

// Settings renders c as a nested map keyed like the config file, with
// durations as strings.
func (c *Config) Settings() (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(c, &out); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	normalizeSettings(out)
	return out, nil
}

func normalizeSettings(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case time.Duration:
			m[k] = val.String()
		case map[string]any:
			normalizeSettings(val)
		}
	}
}
