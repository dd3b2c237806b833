package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var attach = false
var reflection = false
var hook = false
var fnCall = false
var orchestrator = false
var script = false

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Attach returns true if process discovery, attach and the native event
// loop should be logged.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for process discovery, attach and the
// native event loop.
func AttachLogger() Logger {
	return makeFlaggableLogger(attach, Fields{"layer": "attach"})
}

// Reflection returns true if the table walker and the object catalog
// should log.
func Reflection() bool {
	return reflection
}

// ReflectionLogger returns a logger for the table walker and catalog.
func ReflectionLogger() Logger {
	return makeFlaggableLogger(reflection, Fields{"layer": "reflect"})
}

// Hook returns true if hook installation and dispatch should be logged.
func Hook() bool {
	return hook
}

// HookLogger returns a logger for the hook manager.
func HookLogger() Logger {
	return makeFlaggableLogger(hook, Fields{"layer": "hook"})
}

// FnCall returns true if remote invocations should be logged.
func FnCall() bool {
	return fnCall
}

func FnCallLogger() Logger {
	return makeFlaggableLogger(fnCall, Fields{"layer": "proc", "kind": "fncall"})
}

// Orchestrator returns true if trigger matching and action sequences
// should be logged.
func Orchestrator() bool {
	return orchestrator
}

// OrchestratorLogger returns a logger for the orchestrator.
func OrchestratorLogger() Logger {
	return makeFlaggableLogger(orchestrator, Fields{"layer": "orchestrator"})
}

// Script returns true if starlark rule scripts should log.
func Script() bool {
	return script
}

func ScriptLogger() Logger {
	return makeFlaggableLogger(script, Fields{"layer": "script"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "reborn-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "orchestrator"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "attach":
			attach = true
		case "reflect":
			reflection = true
		case "hook":
			hook = true
		case "fncall":
			fnCall = true
		case "orchestrator":
			orchestrator = true
		case "script":
			script = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'reborn help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &strings.Builder{}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))

	if lyr, ok := entry.Data["layer"].(string); ok {
		fmt.Fprintf(b, "layer=%s ", lyr)
	}

	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(b, "%s=%v ", k, v)
	}

	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
