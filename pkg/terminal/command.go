// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/reborn-dev/reborn/pkg/objects"
)

// maxListed bounds the output of commands listing objects unless a limit
// is given.
const maxListed = 50

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	group   commandGroup
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the console.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"find", "f"}, group: objectCmds, cmdFn: find, helpMsg: `Looks up an object by qualified name.

	find <name> [class]

Prints the first object of the current catalog called name, of class class if one is given.`},
		{aliases: []string{"prefix", "p"}, group: objectCmds, cmdFn: prefix, helpMsg: `Lists objects whose qualified name starts with a prefix.

	prefix <prefix> [limit]

At most limit objects are printed, 50 by default. Use a limit of 0 to print all of them.`},
		{aliases: []string{"object", "o"}, group: objectCmds, cmdFn: object, helpMsg: `Looks up the object at an address.

	object <address>`},
		{aliases: []string{"singleton"}, group: objectCmds, cmdFn: singleton, helpMsg: `Prints a live singleton object.

	singleton camera|player-input|player-controller

Uses the class and name filters of the configuration, like the settings sequence does.`},
		{aliases: []string{"rebuild"}, group: objectCmds, cmdFn: rebuild, helpMsg: `Walks the object table again and replaces the catalog.`},
		{aliases: []string{"hooks"}, group: hookCmds, cmdFn: hooks, helpMsg: `Lists the installed hooks and how many times each was hit.`},
		{aliases: []string{"status", "st"}, group: hookCmds, cmdFn: status, helpMsg: `Prints a summary of the session.`},
		{aliases: []string{"settings"}, group: hookCmds, cmdFn: settings, helpMsg: `Prints the configured settings.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of console commands.

	source <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exits the console.

	exit

The tracer detaches and the target keeps running.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, quotes included.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func catalog(t *Term) (*objects.Catalog, error) {
	cat := t.target.Catalog()
	if cat == nil {
		return nil, errors.New("no catalog")
	}
	return cat, nil
}

func find(t *Term, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	var class string
	switch len(w) {
	case 2:
		class = w[1]
	case 1:
	default:
		return errors.New("wrong number of arguments: find <name> [class]")
	}
	cat, err := catalog(t)
	if err != nil {
		return err
	}
	obj, err := cat.MustFindByName(w[0], class)
	if err != nil {
		return err
	}
	t.printObject(obj)
	return nil
}

func prefix(t *Term, args string) error {
	w, err := splitArgs(args)
	if err != nil {
		return err
	}
	limit := maxListed
	switch len(w) {
	case 2:
		limit, err = strconv.Atoi(w[1])
		if err != nil || limit < 0 {
			return fmt.Errorf("invalid limit %q", w[1])
		}
	case 1:
	default:
		return errors.New("wrong number of arguments: prefix <prefix> [limit]")
	}
	cat, err := catalog(t)
	if err != nil {
		return err
	}
	objs := cat.FindByPrefix(w[0])
	for i, obj := range objs {
		if limit > 0 && i >= limit {
			fmt.Fprintf(t.stdout, "...%d more\n", len(objs)-limit)
			break
		}
		t.printObject(obj)
	}
	if len(objs) == 0 {
		fmt.Fprintf(t.stdout, "no object starts with %q\n", w[0])
	}
	return nil
}

func object(t *Term, args string) error {
	addr, err := strconv.ParseUint(strings.TrimSpace(args), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args)
	}
	cat, err := catalog(t)
	if err != nil {
		return err
	}
	obj := cat.FindByAddress(addr)
	if obj == nil {
		return fmt.Errorf("no object at %#x", addr)
	}
	t.printObject(obj)
	return nil
}

func singleton(t *Term, args string) error {
	fns := t.conf.Functions
	var q objects.Query
	switch strings.TrimSpace(args) {
	case "camera":
		q = objects.Query(fns.Camera)
	case "player-input":
		q = objects.Query(fns.PlayerInput)
	case "player-controller":
		q = objects.Query(fns.PlayerController)
	default:
		return errors.New("wrong argument: singleton camera|player-input|player-controller")
	}
	cat, err := catalog(t)
	if err != nil {
		return err
	}
	obj, err := cat.MustFind(q)
	if err != nil {
		return err
	}
	t.printObject(obj)
	return nil
}

func rebuild(t *Term, args string) error {
	cat, err := t.target.Rebuild()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d objects\n", cat.Len())
	return nil
}

func hooks(t *Term, args string) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "name\ttarget\tstub\ttrampoline\tstate\thits")
	for _, h := range t.target.Hooks().Hooks() {
		state := "disabled"
		if h.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(w, "%s\t%#x\t%#x\t%#x\t%s\t%d\n", h.Name, h.Target, h.Stub, h.Trampoline, state, h.Hits())
	}
	return w.Flush()
}

func status(t *Term, args string) error {
	st := t.target.Status()
	t.Println("base:         ", fmt.Sprintf("%#x", st.Base))
	t.Println("objects:      ", strconv.Itoa(st.Objects))
	t.Println("dispatches:   ", strconv.FormatUint(st.Calls, 10))
	t.Println("triggers:     ", strconv.FormatUint(st.Triggers, 10))
	t.Println("rebuilds:     ", strconv.FormatUint(st.Rebuilds, 10))
	t.Println("constructed:  ", strconv.FormatUint(st.Constructed, 10))
	t.Println("orchestrator: ", st.Orchestrator.String())
	t.Println("rules:        ", strconv.Itoa(st.Rules))
	t.Println("cave used:    ", fmt.Sprintf("%#x", st.CaveUsed))
	if st.Engine != 0 {
		t.Println("engine:       ", fmt.Sprintf("%#x", st.Engine))
	} else {
		t.Println("engine:       ", "unknown")
	}
	return nil
}

func settings(t *Term, args string) error {
	keys := make([]string, 0, len(t.conf.Settings))
	for k := range t.conf.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.Println(k+" = ", t.conf.Settings[k])
	}
	return nil
}

func (t *Term) printObject(obj *objects.Object) {
	t.Println(fmt.Sprintf("%6d ", obj.Index), obj.String())
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
