// Package calls runs the shell commands issued by build spec handlers. Commands
// are parsed and interpreted by mvdan.cc/sh so they behave the same on every
// platform; external programs are started through the interpreter's exec handler.
package calls

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/specrun/pkg/srlog"
)

// Cmd is a shell command line together with the directory it runs in
type Cmd struct {
	Line string
	Dir  string
	Env  map[string]string
}

// Runner executes commands and reports their exit status
type Runner interface {
	Exe(ctx context.Context, cmd Cmd) (int, error)
}

// ExitError is returned by Run for commands that exited with a non-zero status
type ExitError struct {
	Cmd    string
	Dir    string
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q failed with exit status %d in %s", e.Cmd, e.Status, e.Dir)
}

// Run executes cmd and turns a non-zero exit status into an *ExitError
func Run(ctx context.Context, r Runner, cmd Cmd) error {
	status, err := r.Exe(ctx, cmd)
	if err != nil {
		return err
	}

	if status != 0 {
		return &ExitError{Cmd: cmd.Line, Dir: cmd.Dir, Status: status}
	}
	return nil
}

// Executor is the Runner used outside of tests
type Executor struct {
	// Env is added to the process environment of every command
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
	// DryRun only logs the commands
	DryRun bool
}

// NewExecutor returns an Executor writing to the process' stdout and stderr
func NewExecutor() *Executor {
	return &Executor{
		Env:    map[string]string{},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (e *Executor) environ(overrides map[string]string) []string {
	merged := make(map[string]string, len(e.Env)+len(overrides))
	for k, v := range e.Env {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	osEnv := os.Environ()
	shellEnv := make([]string, 0, len(osEnv)+len(merged))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := merged[parts[0]]; !present {
			shellEnv = append(shellEnv, item)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, merged[k]))
	}

	return shellEnv
}

// Exe runs the command line in cmd.Dir and returns its exit status. The directory and
// its parents are created if necessary. The returned error is only set if the command
// could not be run at all.
func (e *Executor) Exe(ctx context.Context, cmd Cmd) (int, error) {
	dir := cmd.Dir
	if dir == "" {
		dir = "."
	}

	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(cmd.Line), "command")
	if err != nil {
		return 0, eris.Wrapf(err, "failed to parse command %s", cmd.Line)
	}

	if !e.DryRun {
		err = os.MkdirAll(dir, 0o755)
		if err != nil {
			return 0, eris.Wrapf(err, "failed to create %s", dir)
		}
	}

	stdout := e.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := e.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var runner *interp.Runner
	if !e.DryRun {
		runner, err = interp.New(
			interp.Dir(dir),
			interp.Env(expand.ListEnviron(e.environ(cmd.Env)...)),
			interp.ExecHandler(execHandler),
			interp.OpenHandler(openHandler),
			interp.StdIO(nil, stdout, stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return 0, eris.Wrap(err, "failed to initialize runner")
		}
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for _, stmt := range file.Stmts {
		strBuffer.Reset()
		err = printer.Print(&strBuffer, stmt)
		if err != nil {
			return 0, eris.Wrap(err, "failed to print command")
		}

		srlog.Log(ctx).Info().
			Str("dir", dir).
			Bool("command", true).
			Msg(strBuffer.String())

		if e.DryRun {
			continue
		}

		err = runner.Run(ctx, stmt)
		if err != nil {
			if status, ok := interp.IsExitStatus(err); ok {
				return int(status), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, eris.Wrapf(err, "failed to run %s", strBuffer.String())
		}

		if runner.Exited() {
			return 0, nil
		}
	}

	return 0, ctx.Err()
}

// Command joins args into a command line, quoting every argument that the shell
// would otherwise interpret
func Command(args ...string) string {
	cmd := new(syntax.CallExpr)
	cmd.Args = make([]*syntax.Word, len(args))
	for a, arg := range args {
		cmd.Args[a] = quoteWord(arg, a == 0)
	}

	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	printer.Print(&strBuffer, cmd)
	return strBuffer.String()
}

const shellSpecial = " \t\n\"\\$`;&|<>(){}*?[]#~!"

func quoteWord(value string, first bool) *syntax.Word {
	word := new(syntax.Word)
	plain := value != "" &&
		!strings.ContainsAny(value, shellSpecial+"'") &&
		!(first && strings.Contains(value, "="))

	if plain {
		word.Parts = []syntax.WordPart{&syntax.Lit{Value: value}}
		return word
	}

	// single quotes can't be escaped inside single quotes so they're emitted as "'"
	chunks := strings.Split(value, "'")
	for idx, chunk := range chunks {
		if idx > 0 {
			word.Parts = append(word.Parts, &syntax.DblQuoted{
				Parts: []syntax.WordPart{&syntax.Lit{Value: "'"}},
			})
		}

		if chunk != "" || len(chunks) == 1 {
			word.Parts = append(word.Parts, &syntax.SglQuoted{Value: chunk})
		}
	}

	return word
}
