package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reborn-dev/reborn/cmd/reborn/cmds/helphelpers"
	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
	"github.com/reborn-dev/reborn/pkg/proc"
	"github.com/reborn-dev/reborn/pkg/proc/native"
	"github.com/reborn-dev/reborn/pkg/script"
	"github.com/reborn-dev/reborn/pkg/session"
	"github.com/reborn-dev/reborn/pkg/terminal"
	"github.com/reborn-dev/reborn/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// headless is whether to run without the console.
	headless bool
	// configPath is the configuration file, $HOME/.reborn/config.yml when empty.
	configPath string
	// scriptPath is a starlark file of additional event rules.
	scriptPath string
	// initFile is the path to a file of console commands.
	initFile string

	// attachPid is the process to attach to instead of waiting for the
	// executable by name.
	attachPid  int
	dumpPrefix string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const rebornCommandLongDesc = `reborn attaches to a running game and applies settings the game
does not persist (field of view, mouse sensitivity, subtitles, character and
map selection) by driving the game's own object system.

reborn waits for the configured executable to start, reconstructs the object
catalog from the game's name and object tables, hooks the event dispatch
function and, every time the configured trigger function is dispatched,
invokes the native setters with the configured values.

The target is never modified on disk: exiting reborn removes the hooks and
detaches, leaving the game running.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:           "reborn",
		Short:         "reborn applies settings to a running game through its object system.",
		Long:          rebornCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $HOME/.reborn/config.yml).")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'reborn help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'reborn help log').")
	rootCommand.PersistentFlags().BoolVarP(&headless, "headless", "", false, "Run without the interactive console.")
	rootCommand.PersistentFlags().StringVar(&scriptPath, "script", "", "Starlark file of additional event rules.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the console.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Wait for the game, attach to it and apply settings on every trigger.",
		Long: `Waits for the configured executable to start (or uses --pid), attaches to it,
builds the object catalog and installs the hooks.

Unless --headless is given an interactive console is started, exiting it
detaches from the game. In headless mode reborn runs until interrupted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute())
		},
	}
	runCommand.Flags().IntVar(&attachPid, "pid", 0, "Attach to this process instead of waiting for the executable.")
	rootCommand.AddCommand(runCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump names|objects",
		Short: "Print the name or object table of the game.",
		Long: `Attaches to the game, prints one of its tables and detaches. No hook is
installed.

	reborn dump names	prints "[index] name" for every name
	reborn dump objects	prints "[address] [class] name" for every object`,
		ValidArgs: []string{"names", "objects"},
		Args:      cobra.ExactValidArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(dumpCmd(args[0]))
		},
	}
	dumpCommand.Flags().IntVar(&attachPid, "pid", 0, "Attach to this process instead of waiting for the executable.")
	dumpCommand.Flags().StringVar(&dumpPrefix, "prefix", "", "Only print entries whose name starts with this prefix.")
	rootCommand.AddCommand(dumpCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reborn\n%s\n", version.RebornVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	attach		Log attaching, process discovery and the event loop
	reflect		Log table walking and name resolution
	hook		Log hook installation and every intercepted call
	fncall		Log injected native calls
	orchestrator	Log trigger matching and the rules that run (default)
	script		Log starlark rule loading

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

// loadRules loads the event rules of the script file, if any: --script or
// the script of the configuration file. The returned environment is nil
// without a script.
func loadRules(conf *config.Config, out io.Writer) (*script.Env, []orchestrator.EventRule, error) {
	path := scriptPath
	if path == "" {
		path = conf.Script
	}
	if path == "" {
		return nil, nil, nil
	}
	env := script.New(conf, out)
	rules, err := env.Load(path, nil)
	if err != nil {
		return nil, nil, err
	}
	return env, rules, nil
}

func execute() int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if headless && initFile != "" {
		fmt.Fprint(os.Stderr, "Warning: init file ignored with --headless\n")
	}

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, extra, err := loadRules(conf, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load script: %v\n", err)
		return 1
	}
	if env != nil {
		defer context.AfterFunc(ctx, env.Cancel)()
	}

	if attachPid == 0 {
		fmt.Fprintf(os.Stderr, "waiting for %s...\n", conf.Target.Executable)
	}
	a, err := session.Attach(ctx, conf, attachPid, extra...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "could not attach: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "attached to process %d, %d objects\n", a.Pid(), a.Catalog().Len())

	if headless {
		return exitStatus(a.Run(ctx))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	term := terminal.New(a, conf)
	term.InitFile = initFile
	termDone := make(chan error, 1)
	go func() {
		_, err := term.Run()
		termDone <- err
	}()

	select {
	case err := <-termDone:
		cancel()
		runErr := <-done
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return exitStatus(runErr)
	case err := <-done:
		term.Close()
		return exitStatus(err)
	}
}

// exitStatus reports err and returns the exit status of the run command.
// The target exiting is not an error.
func exitStatus(err error) int {
	var pe proc.ErrProcessExited
	switch {
	case err == nil:
		return 0
	case errors.As(err, &pe):
		fmt.Fprintln(os.Stderr, err)
		return 0
	}
	fmt.Fprintf(os.Stderr, "%v\n", err)
	return 1
}

func dumpCmd(table string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pid, mod, err := session.Locate(ctx, conf, attachPid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	p, err := native.Attach(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not attach: %v\n", err)
		return 1
	}
	err = dump(os.Stdout, newWalker(conf, p, mod.Base), table, dumpPrefix)
	if derr := p.Detach(); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func newWalker(conf *config.Config, mem proc.MemoryReader, base uint64) *objects.Walker {
	t := conf.Target
	return objects.NewWalker(mem,
		objects.Table{Addr: base + t.Offsets.Names, GapLimit: t.NameGapLimit},
		objects.Table{Addr: base + t.Offsets.Objects, GapLimit: t.ObjectGapLimit},
		objects.Layout(t.Layout))
}

// dump writes the names or objects table read by w to out, one entry per
// line.
func dump(out io.Writer, w *objects.Walker, table, prefix string) error {
	switch table {
	case "names":
		names, err := w.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			if strings.HasPrefix(n.Value, prefix) {
				fmt.Fprintf(out, "[%d] %s\n", n.Index, n.Value)
			}
		}
	case "objects":
		cat, err := w.Build()
		if err != nil {
			return err
		}
		objs := cat.Objects()
		if prefix != "" {
			objs = cat.FindByPrefix(prefix)
		}
		sort.SliceStable(objs, func(i, j int) bool { return objs[i].Index < objs[j].Index })
		for _, obj := range objs {
			fmt.Fprintln(out, obj)
		}
	default:
		return fmt.Errorf("unknown table %q, use names or objects", table)
	}
	return nil
}
