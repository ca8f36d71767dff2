package config

import (
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/specrun/pkg/repos"
)

// DefaultFile is read from the current directory if it exists
const DefaultFile = "specrun.toml"

// Config describes all configuration options
type Config struct {
	Workdir string `default:"." usage:"Directory the spec runs in" toml:"workdir"`
	Cache   struct {
		Dir   string `usage:"Cache root (defaults to $TMPDIR/repos_cache)" toml:"dir"`
		Link  string `default:"copy" usage:"How checkouts are placed in the workdir (copy or symlink)" toml:"link"`
		Index bool   `default:"true" usage:"Track stores in an index next to the cache" toml:"index"`
	} `toml:"cache"`
	Retry struct {
		Attempts uint64        `default:"2" usage:"Number of retries for failed fetches" toml:"attempts"`
		MaxWait  time.Duration `default:"10s" usage:"Longest pause between retries" toml:"max_wait"`
	} `toml:"retry"`
	Log struct {
		Level string `default:"info" toml:"level"`
		File  string `toml:"file"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages" toml:"json"`
	} `toml:"log"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object.
// Flags are handled by the CLI so aconfig only reads files and the environment.
// Explicitly passed files have to exist, DefaultFile is optional.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	required := len(files) > 0
	if !required {
		files = []string{DefaultFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:          true,
		EnvPrefix:          "SPECRUN",
		Files:              files,
		FailOnFileNotFound: required,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shortcut for Loader followed by Load and Validate
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	switch repos.LinkMode(cfg.Cache.Link) {
	case repos.LinkSymlink, repos.LinkCopy:
	default:
		return eris.Errorf(`Invalid value for cache.link: %s (must be one of symlink or copy)`, cfg.Cache.Link)
	}

	if cfg.Retry.MaxWait < 0 {
		return eris.Errorf(`Invalid value for retry.max_wait: %s`, cfg.Retry.MaxWait)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// CacheRoot returns the configured cache directory or the default one
func (cfg *Config) CacheRoot() string {
	if cfg.Cache.Dir == "" {
		return repos.DefaultRoot()
	}
	return cfg.Cache.Dir
}
