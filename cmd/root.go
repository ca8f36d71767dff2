package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/config"
	"github.com/ngld/specrun/pkg/repos"
	"github.com/ngld/specrun/pkg/srlog"
)

// Version is set at build time through -ldflags
var Version = "dev"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "specrun",
	Short: "Runs declarative build specs",
	Long: `specrun reads a build spec (build.yml or build.star), clones the repository it
names through a local cache and builds it with autotools across all listed configurations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		files := []string{}
		if configPath != "" {
			files = append(files, configPath)
		}

		cfg, err = config.Load(files...)
		if err != nil {
			return err
		}

		err = applyFlags(cmd)
		if err != nil {
			return err
		}

		return setupLogger(cmd)
	},
}

func applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("link") {
		cfg.Cache.Link, _ = flags.GetString("link")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("json") {
		cfg.Log.JSON, _ = flags.GetBool("json")
	}

	return cfg.Validate()
}

func setupLogger(cmd *cobra.Command) error {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		logFile, err := os.Create(cfg.Log.File)
		if err != nil {
			return eris.Wrapf(err, "failed to open log file %s", cfg.Log.File)
		}
		out = logFile
	}

	if cfg.Log.JSON {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToJSON(err, true)
		}
	} else {
		out = NewConsoleWriter(out)
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	pkg.Output = cmd.OutOrStdout()

	cmd.SetContext(srlog.WithLogger(cmd.Context(), &log.Logger))
	return nil
}

// openCache prepares the repository cache described by the configuration. The index is
// only opened (and the cache directory created) if withIndex is set. The returned
// function closes the index.
func openCache(runner calls.Runner, withIndex bool) (*repos.Cache, func(), error) {
	cache := repos.NewCache(cfg.CacheRoot(), runner)
	cache.Link = repos.LinkMode(cfg.Cache.Link)
	cache.Retry.Attempts = cfg.Retry.Attempts
	cache.Retry.MaxWait = cfg.Retry.MaxWait

	if !withIndex || !cfg.Cache.Index {
		return cache, func() {}, nil
	}

	err := os.MkdirAll(cache.Root, 0o755)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to create cache %s", cache.Root)
	}

	index, err := repos.OpenIndex(filepath.Join(cache.Root, "index.db"))
	if err != nil {
		return nil, nil, err
	}
	cache.Index = index

	return cache, func() {
		index.Close()
	}, nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to the configuration file (default "+config.DefaultFile+")")
	flags.String("cache-dir", "", "repository cache directory")
	flags.String("link", "", "how checkouts are placed into the workdir (copy or symlink)")
	flags.String("log-level", "", "log level (debug, info, warn, error, fatal)")
	flags.Bool("json", false, "output JSON log lines instead of console messages")
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}
