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

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/imgjobd/pkg/jobregistry/s3backend"
)

const (
	// AppName names the config directory, the data directory and the binary.
	AppName = "imgjobd"
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "IMGJOBD"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile pins the YAML file Load reads. An empty path restores the
// default search (user config dir, then the working directory).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// DefaultJobsRoot is the job store directory used when jobs.root is unset.
func DefaultJobsRoot() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "jobs")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("jobs.root", DefaultJobsRoot())
	v.SetDefault("jobs.start_policy", "processing")
	v.SetDefault("jobs.throttle_interval", "2s")
	v.SetDefault("jobs.shutdown_grace", "5s")
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.init_attempts", 3)
	v.SetDefault("jobs.init_retry_delay", "1s")

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.s3.prefix", "jobs")
	v.SetDefault("storage.s3.force_path_style", false)

	v.SetDefault("fanout.queue_size", 1024)
	v.SetDefault("fanout.subscriber_buffer", 64)
	v.SetDefault("fanout.send_timeout", "5s")
}

func getEnvSpecs() []EnvSpec {
	env := func(suffix, path string) EnvSpec {
		return EnvSpec{Name: EnvPrefix + "_" + suffix, Path: path}
	}
	return []EnvSpec{
		env("HOST", "server.host"),
		env("PORT", "server.port"),
		env("READ_TIMEOUT", "server.read_timeout"),
		env("WRITE_TIMEOUT", "server.write_timeout"),
		env("IDLE_TIMEOUT", "server.idle_timeout"),
		env("SHUTDOWN_TIMEOUT", "server.shutdown_timeout"),
		env("LOG_LEVEL", "logging.level"),
		env("LOG_PROFILE", "logging.profile"),
		env("JOBS_ROOT", "jobs.root"),
		env("START_POLICY", "jobs.start_policy"),
		env("THROTTLE_INTERVAL", "jobs.throttle_interval"),
		env("SHUTDOWN_GRACE", "jobs.shutdown_grace"),
		env("WORKERS", "jobs.workers"),
		env("INIT_ATTEMPTS", "jobs.init_attempts"),
		env("INIT_RETRY_DELAY", "jobs.init_retry_delay"),
		env("STORAGE_BACKEND", "storage.backend"),
		env("S3_BUCKET", "storage.s3.bucket"),
		env("S3_PREFIX", "storage.s3.prefix"),
		env("S3_REGION", "storage.s3.region"),
		env("S3_ENDPOINT", "storage.s3.endpoint"),
		env("S3_PROFILE", "storage.s3.profile"),
		env("S3_FORCE_PATH_STYLE", "storage.s3.force_path_style"),
		env("S3_ACCESS_KEY_ID", "storage.s3.access_key_id"),
		env("S3_SECRET_ACCESS_KEY", "storage.s3.secret_access_key"),
		env("FANOUT_QUEUE_SIZE", "fanout.queue_size"),
		env("FANOUT_SUBSCRIBER_BUFFER", "fanout.subscriber_buffer"),
		env("FANOUT_SEND_TIMEOUT", "fanout.send_timeout"),
	}
}

func getUserConfigPaths() []string {
	paths := make([]string, 0, 2)
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	paths = append(paths, ".")
	return paths
}

// Load builds the effective configuration and makes it available through
// GetConfig. Each overrides map is nested like the YAML file and wins over
// every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Jobs.StartPolicy = strings.ToLower(strings.TrimSpace(cfg.Jobs.StartPolicy))
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	if s3backend.IsRoot(cfg.Jobs.Root) {
		cfg.Storage.Backend = BackendS3
		if bucket, prefix, err := s3backend.ParseRoot(cfg.Jobs.Root); err == nil {
			cfg.Storage.S3.Bucket = bucket
			cfg.Storage.S3.Prefix = prefix
		}
	}
}

// flatten turns {"server": {"port": 1}} into {"server.port": 1}.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := in[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = in[k]
	}
	return out
}
