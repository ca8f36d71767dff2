package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/repos"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspects and cleans the repository cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists all stores in the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, closeCache, err := openCache(calls.NewExecutor(), true)
		if err != nil {
			return err
		}
		defer closeCache()

		known := make(map[string]bool)
		out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(out, "STORE\tBACKEND\tURL\tUPDATED\tFETCHES")

		if cache.Index != nil {
			entries, err := cache.Index.List()
			if err != nil {
				return err
			}

			for _, entry := range entries {
				known[entry.Store] = true
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\n", entry.Store, entry.Backend, entry.URL,
					entry.UpdatedAt.Local().Format(time.RFC3339), entry.Fetches)
			}
		}

		stores, err := cache.Stores()
		if err != nil {
			return err
		}
		for _, store := range stores {
			if !known[store] {
				fmt.Fprintf(out, "%s\t?\t?\t?\t?\n", store)
			}
		}

		return out.Flush()
	},
}

var cachePathCmd = &cobra.Command{
	Use:   "path <url>",
	Short: "Prints the store directory used for a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := repos.NewCache(cfg.CacheRoot(), nil).StorePath(args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean [url...]",
	Short: "Removes the stores of the passed URLs or all stores if --all is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, err := cmd.Flags().GetBool("all")
		if err != nil {
			return err
		}

		cache, closeCache, err := openCache(calls.NewExecutor(), true)
		if err != nil {
			return err
		}
		defer closeCache()

		var removed []repos.Entry
		switch {
		case all:
			if cache.Index == nil {
				return eris.New("--all requires the cache index")
			}

			entries, err := cache.Index.List()
			if err != nil {
				return err
			}

			urls := make([]string, len(entries))
			for idx, entry := range entries {
				urls[idx] = entry.URL
			}
			removed, err = cache.Clean(cmd.Context(), urls...)
			if err != nil {
				return err
			}
		case len(args) > 0:
			removed, err = cache.Clean(cmd.Context(), args...)
			if err != nil {
				return err
			}
		default:
			return eris.New("pass at least one URL or --all")
		}

		for _, entry := range removed {
			pkg.PrintSubtask("Removed " + entry.Store)
		}
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Removes stores that haven't been updated recently",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}

		cache, closeCache, err := openCache(calls.NewExecutor(), true)
		if err != nil {
			return err
		}
		defer closeCache()

		removed, err := cache.Prune(cmd.Context(), olderThan)
		if err != nil {
			return err
		}

		for _, entry := range removed {
			pkg.PrintSubtask(fmt.Sprintf("Removed %s (last update %s)", entry.Store, entry.UpdatedAt.Local().Format(time.RFC3339)))
		}
		if len(removed) == 0 {
			pkg.PrintTask("Nothing to prune")
		}
		return nil
	},
}

func init() {
	cacheCleanCmd.Flags().Bool("all", false, "remove every indexed store")
	cachePruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "remove stores last updated before this duration")

	cacheCmd.AddCommand(cacheListCmd, cachePathCmd, cacheCleanCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
