package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"

	"github.com/reborn-dev/reborn/pkg/config"
	"github.com/reborn-dev/reborn/pkg/hook"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/session"
)

const (
	historyFile                 string = ".reborn_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed  = 31
	ansiBlue = 34
)

// Target is what the console inspects: a session attached to the target.
type Target interface {
	Catalog() *objects.Catalog
	Rebuild() (*objects.Catalog, error)
	Hooks() *hook.Manager
	Status() session.Status
}

// Term represents the console running next to the event loop.
type Term struct {
	target Target
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer
	// InitFile is a file of commands executed before the first prompt.
	InitFile string
}

// New returns a new Term.
func New(target Target, conf *config.Config) *Term {
	if conf == nil {
		conf = config.Default()
	}
	dumb := isDumb()
	var w io.Writer = os.Stdout
	if !dumb {
		w = getColorableWriter()
	}
	return &Term{
		target: target,
		conf:   conf,
		prompt: "(reborn) ",
		line:   liner.NewLiner(),
		cmds:   DebugCommands(),
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run reads and executes commands until exit is requested or input ends.
// Closing the terminal does not stop the target, the caller decides what
// happens to the session.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile := config.GetConfigFilePath(historyFile)
	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Fprintf(t.stdout, "Unable to open history file: %v. History will not be saved for this session.\n", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if t.InitFile != "" {
		if err := t.cmds.executeFile(t, t.InitFile); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %w", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.Errorf("Command failed: %s", err)
		}
	}
}

// Println prints a line to the terminal, prefix highlighted.
func (t *Term) Println(prefix, str string) {
	fmt.Fprintf(t.stdout, "%s%s\n", t.highlight(ansiBlue, prefix), str)
}

// Errorf prints an error message to the terminal.
func (t *Term) Errorf(format string, args ...interface{}) {
	fmt.Fprintln(t.stdout, t.highlight(ansiRed, fmt.Sprintf(format, args...)))
}

func (t *Term) highlight(color int, s string) string {
	if t.dumb || s == "" {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile := config.GetConfigFilePath(historyFile)
	if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
		if _, err := t.line.WriteHistory(f); err != nil {
			fmt.Fprintln(t.stdout, "readline history error:", err)
		}
		f.Close()
	}
	return 0, nil
}
