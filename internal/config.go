package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const EnvPrefix = "KNIME"

type Config struct {
	Pool struct {
		// MaxThreads of zero means processor count + 2.
		MaxThreads int `mapstructure:"max_threads"`
	} `mapstructure:"pool"`

	Storage struct {
		SynchronousIO         bool   `mapstructure:"synchronous_io"`
		CacheRowCount         int    `mapstructure:"cache_row_count"`
		BlockCacheSize        int    `mapstructure:"block_cache_size"`
		Compress              bool   `mapstructure:"compress"`
		Codec                 string `mapstructure:"codec"`
		DisableDuplicateCheck bool   `mapstructure:"disable_duplicate_check"`
		TmpDir                string `mapstructure:"tmpdir"`
	} `mapstructure:"storage"`

	Log struct {
		Level  string `mapstructure:"level"`
		SeqURL string `mapstructure:"seq_url"`
	} `mapstructure:"log"`
}

// pool.max_threads has no entry: unset means processor count + 2, and any
// value that is set must be positive.
var defaults = map[string]any{
	"storage.synchronous_io":          false,
	"storage.cache_row_count":         10_000,
	"storage.block_cache_size":        8,
	"storage.compress":                true,
	"storage.codec":                   "zstd",
	"storage.disable_duplicate_check": false,
	"storage.tmpdir":                  "",
	"log.level":                       "info",
	"log.seq_url":                     "",
}

// NewViper returns a viper instance with defaults and KNIME_* environment
// overrides, e.g. KNIME_STORAGE_CACHE_ROW_COUNT.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the YAML file at path, if any, on top of defaults and
// environment. Only an unreadable file is an error; bad values are reported
// and replaced by defaults.
func LoadConfig(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v), nil
}

// FromViper decodes v leniently.
func FromViper(v *viper.Viper) *Config {
	positive := func(n int) bool { return n > 0 }
	nonNegative := func(n int) bool { return n >= 0 }

	var cfg Config
	if v.IsSet("pool.max_threads") {
		cfg.Pool.MaxThreads = intSetting(v, "pool.max_threads", positive)
	}

	cfg.Storage.SynchronousIO = boolSetting(v, "storage.synchronous_io")
	cfg.Storage.CacheRowCount = intSetting(v, "storage.cache_row_count", positive)
	cfg.Storage.BlockCacheSize = intSetting(v, "storage.block_cache_size", nonNegative)
	cfg.Storage.Compress = boolSetting(v, "storage.compress")
	cfg.Storage.Codec = strings.ToLower(v.GetString("storage.codec"))
	cfg.Storage.DisableDuplicateCheck = boolSetting(v, "storage.disable_duplicate_check")
	cfg.Storage.TmpDir = tmpDir(v.GetString("storage.tmpdir"))

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.SeqURL = v.GetString("log.seq_url")
	return &cfg
}

// intSetting returns the value of key or, when it does not parse or fails
// valid, the default with a warning.
func intSetting(v *viper.Viper, key string, valid func(int) bool) int {
	def := cast.ToInt(defaults[key])
	raw := v.Get(key)
	n, err := cast.ToIntE(raw)
	if err == nil && !valid(n) {
		err = errors.New("out of range")
	}
	if err != nil {
		slog.Warn("ignoring invalid configuration value", "key", key, "value", raw, "default", def, "err", err)
		return def
	}
	return n
}

func boolSetting(v *viper.Viper, key string) bool {
	def := cast.ToBool(defaults[key])
	raw := v.Get(key)
	b, err := cast.ToBoolE(raw)
	if err != nil {
		slog.Warn("ignoring invalid configuration value", "key", key, "value", raw, "default", def, "err", err)
		return def
	}
	return b
}

// tmpDir returns dir if it is an existing writable directory, otherwise the
// OS temp dir.
func tmpDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	if err := checkWritableDir(dir); err != nil {
		slog.Warn("temp directory not usable, falling back", "dir", dir, "fallback", os.TempDir(), "err", err)
		return os.TempDir()
	}
	return dir
}

func checkWritableDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".knime_probe_*")
	if err != nil {
		return err
	}
	name := f.Name()
	return errors.Join(f.Close(), os.Remove(name))
}
