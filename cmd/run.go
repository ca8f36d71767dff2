package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/dispatch"
	"github.com/ngld/specrun/pkg/handlers"
	"github.com/ngld/specrun/pkg/spec"
	"github.com/ngld/specrun/pkg/srlog"
)

// splitArgs separates key=value options from the (optional) spec path
func splitArgs(args []string) (string, map[string]string, error) {
	specPath := ""
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
			continue
		}

		if specPath != "" {
			return "", nil, eris.Errorf("only one spec can be passed but found %s and %s", specPath, part)
		}
		specPath = part
	}

	if specPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil, eris.Wrap(err, "failed to retrieve the current working directory")
		}

		specPath, err = spec.Find(wd)
		if err != nil {
			return "", nil, err
		}
	}

	return specPath, options, nil
}

func loadSpec(cmd *cobra.Command, args []string) (string, spec.Tree, error) {
	specPath, options, err := splitArgs(args)
	if err != nil {
		return "", nil, err
	}

	tree, err := spec.Load(cmd.Context(), specPath, options)
	if err != nil {
		return "", nil, err
	}
	return specPath, tree, nil
}

var runCmd = &cobra.Command{
	Use:   "run [spec] [key=value...]",
	Short: "Runs a build spec",
	Long: `Loads the given spec (or the first build.yml, build.yaml or build.star found in the
current directory or its parents) and processes it. key=value arguments are passed to
Starlark specs as options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		workdir := cfg.Workdir
		if cmd.Flags().Changed("workdir") {
			workdir, _ = cmd.Flags().GetString("workdir")
		}

		specPath, tree, err := loadSpec(cmd, args)
		if err != nil {
			return err
		}

		executor := calls.NewExecutor()
		executor.DryRun = dryRun

		// dry runs don't touch the cache
		cache, closeCache, err := openCache(executor, !dryRun)
		if err != nil {
			return err
		}
		defer closeCache()

		run, err := dispatch.NewRun(tree, workdir)
		if err != nil {
			return err
		}
		run.DryRun = dryRun

		ctx := srlog.WithFields(cmd.Context(), map[string]string{"run": run.ID})
		handler := handlers.Default(handlers.Env{
			Cache:   cache,
			Runner:  executor,
			Version: Version,
		})

		pkg.PrintTask(fmt.Sprintf("Running %s in %s", specPath, run.Dir))
		err = handler.Run(ctx, run)
		if err != nil {
			pkg.PrintError("Build failed")
			return err
		}

		pkg.PrintTask("Done")
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [spec] [key=value...]",
	Short: "Prints the loaded spec as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, tree, err := loadSpec(cmd, args)
		if err != nil {
			return err
		}

		return spec.Dump(cmd.OutOrStdout(), tree)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [spec] [key=value...]",
	Short: "Checks a spec for missing keys without running anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		specPath, tree, err := loadSpec(cmd, args)
		if err != nil {
			return err
		}

		err = handlers.Default(handlers.Env{}).Validate(tree)
		if err != nil {
			return err
		}

		pkg.PrintTask(specPath + " is valid")
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Lists the keys specrun understands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		def := handlers.Definition(handlers.Env{})
		keys := def.Keys()

		maxLen := 0
		for _, key := range keys {
			if len(key) > maxLen {
				maxLen = len(key)
			}
		}

		lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxLen+3)
		for _, key := range keys {
			node := lookupPath(def, key)
			fmt.Fprintf(cmd.OutOrStdout(), lineFmt, key+":", dispatch.Kind(node))
		}
		return nil
	},
}

func lookupPath(def dispatch.Definition, path string) dispatch.Node {
	parts := strings.Split(path, ".")

	var node dispatch.Node = def
	for _, part := range parts {
		sub, ok := node.(dispatch.Definition)
		if !ok {
			return nil
		}

		node, ok = sub.Lookup(part)
		if !ok {
			return nil
		}
	}
	return node
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().StringP("workdir", "C", ".", "directory to run the spec in")

	rootCmd.AddCommand(runCmd, showCmd, validateCmd, keysCmd)
}
