// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package classifier

import (
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/internal/catcher"
	"github.com/microsoft/perldbg/internal/signature"
)

type ErrorKind string

const (
	ErrorKindSyntax        ErrorKind = "SYNTAX"
	ErrorKindRuntime       ErrorKind = "RUNTIME"
	// An expression needed a module that is not installed. Name holds the module, there is no file or line.
	ErrorKindMissingModule ErrorKind = "MISSING_MODULE"
)

// ErrorRecord describes a debuggee error reported in the REPL output.
type ErrorRecord struct {
	// File name as printed by the debugger.
	Name string `json:"name" yaml:"name"`
	// File name resolved against the session root.
	File    string    `json:"file" yaml:"file"`
	Line    int       `json:"line" yaml:"line"`
	Message string    `json:"message" yaml:"message"`
	Near    string    `json:"near,omitempty" yaml:"near,omitempty"`
	Kind    ErrorKind `json:"kind" yaml:"kind"`
}

// WatchChange is reported when a watch expression changes its value between two steps.
// Old and new values are nil when the debugger did not print them.
type WatchChange struct {
	ID         int     `json:"id" yaml:"id"`
	Expression string  `json:"expression" yaml:"expression"`
	OldValue   *string `json:"oldValue,omitempty" yaml:"oldValue,omitempty"`
	NewValue   *string `json:"newValue,omitempty" yaml:"newValue,omitempty"`
}

// ParsedResponse is the structured form of one LineBatch.
type ParsedResponse struct {
	EchoedCommand string `json:"command" yaml:"command"`
	HasCommand    bool   `json:"-" yaml:"-"`
	// All lines of the batch, including the echoed command and the prompt.
	RawLines []string `json:"-" yaml:"-"`
	// Color-stripped output lines that carry information. Never contains the prompt.
	DataLines []string `json:"data" yaml:"data"`

	Prompt    signature.Prompt `json:"prompt" yaml:"prompt"`
	HasPrompt bool             `json:"-" yaml:"-"`

	// Last file and line reported in the batch; empty/zero when none was found.
	CurrentName string `json:"name,omitempty" yaml:"name,omitempty"`
	CurrentFile string `json:"file,omitempty" yaml:"file,omitempty"`
	CurrentLine int    `json:"line,omitempty" yaml:"line,omitempty"`

	Errors          []ErrorRecord `json:"errors,omitempty" yaml:"errors,omitempty"`
	Finished        bool          `json:"finished" yaml:"finished"`
	ExceptionRaised bool          `json:"exception" yaml:"exception"`
	WatchChanges    []WatchChange `json:"changes,omitempty" yaml:"changes,omitempty"`

	// Out-of-band instrumentation lines, verbatim.
	SpecialMarkers []string `json:"special,omitempty" yaml:"special,omitempty"`
	NewSources     []string `json:"newSources,omitempty" yaml:"newSources,omitempty"`
	NewSubroutines []string `json:"newSubroutines,omitempty" yaml:"newSubroutines,omitempty"`

	// True when the echoed command made the debuggee run (continue, next, step, return, restart).
	RanDebuggee bool `json:"-" yaml:"-"`
}

// Classifier turns line batches into parsed responses. It holds no per-batch state and is safe for concurrent use.
type Classifier struct {
	table    *signature.Table
	rootPath string
	log      logr.Logger

	// Replaceable for tests
	fileExists func(path string) bool
}

func New(table *signature.Table, rootPath string, log logr.Logger) *Classifier {
	if table == nil {
		table = signature.Default()
	}
	return &Classifier{
		table:      table,
		rootPath:   rootPath,
		log:        log.WithName("classifier"),
		fileExists: fileExists,
	}
}

// ParseLines parses a batch given as raw lines, where the first line is the echoed command.
func (c *Classifier) ParseLines(lines []string) *ParsedResponse {
	if len(lines) == 0 {
		return c.Parse(catcher.LineBatch{})
	}
	return c.Parse(catcher.LineBatch{
		Command:    lines[0],
		HasCommand: true,
		Lines:      lines[1:],
	})
}

// Parse reduces a line batch to a ParsedResponse in a single pass over its lines.
func (c *Classifier) Parse(batch catcher.LineBatch) *ParsedResponse {
	res := &ParsedResponse{
		EchoedCommand: batch.Command,
		HasCommand:    batch.HasCommand,
		RawLines:      batch.Raw(),
		DataLines:     []string{},
	}
	res.RanDebuggee = batch.HasCommand && c.table.IsControlVerb(batch.Command)

	content := batch.Lines
	if n := len(content); n > 0 {
		if prompt, isPrompt := c.table.ParsePrompt(content[n-1]); isPrompt {
			res.Prompt = prompt
			res.HasPrompt = true
			content = content[:n-1]
		}
	}

	// Old and new value lines belong to the most recently opened watch change.
	var lastWatchChange *WatchChange

	for _, rawLine := range content {
		line := c.table.StripColors(rawLine)
		if !c.table.IsGarbage(line) {
			res.DataLines = append(res.DataLines, line)
		}

		if name, ln, found := c.table.FileLine(line); found {
			res.CurrentName = name
			res.CurrentFile = c.ResolvePath(name)
			res.CurrentLine = ln
		}

		if payload, isMarker := c.table.Marker(line); isMarker {
			res.SpecialMarkers = append(res.SpecialMarkers, line)
			switch c.table.MarkerKind(payload) {
			case signature.MarkerNewSource:
				res.NewSources = append(res.NewSources, payload)
			case signature.MarkerNewSubroutine:
				res.NewSubroutines = append(res.NewSubroutines, payload)
			}
		}

		if id, expr, isChange := c.table.WatchChange(line); isChange {
			res.WatchChanges = append(res.WatchChanges, WatchChange{ID: id, Expression: expr})
			lastWatchChange = &res.WatchChanges[len(res.WatchChanges)-1]
		}
		if oldValue, isOld := c.table.WatchOldValue(line); isOld {
			if lastWatchChange != nil {
				lastWatchChange.OldValue = &oldValue
			} else {
				c.log.V(2).Info("dropping watch value line without a watch change", "line", line)
			}
		}
		if newValue, isNew := c.table.WatchNewValue(line); isNew {
			if lastWatchChange != nil {
				lastWatchChange.NewValue = &newValue
			} else {
				c.log.V(2).Info("dropping watch value line without a watch change", "line", line)
			}
		}

		if c.table.IsTermination(line) {
			res.Finished = true
		}

		if c.table.IsCompileAbort(line) {
			res.ExceptionRaised = true
		}

		if name, ln, near, isSyntax := c.table.SyntaxError(line); isSyntax {
			res.Errors = append(res.Errors, ErrorRecord{
				Name:    name,
				File:    c.ResolvePath(name),
				Line:    ln,
				Message: line,
				Near:    near,
				Kind:    ErrorKindSyntax,
			})
		}

		if module, isMissing := c.table.MissingModule(line); isMissing {
			res.Errors = append(res.Errors, ErrorRecord{
				Name:    module,
				Message: line,
				Kind:    ErrorKindMissingModule,
			})
		}

		if message, name, ln, isRuntime := c.table.RuntimeError(line); isRuntime {
			res.ExceptionRaised = true
			res.Errors = append(res.Errors, ErrorRecord{
				Name:    name,
				File:    c.ResolvePath(name),
				Line:    ln,
				Message: line,
				Near:    message,
				Kind:    ErrorKindRuntime,
			})
		}
	}

	if c.log.V(2).Enabled() {
		c.log.V(2).Info("parsed response",
			"command", res.EchoedCommand,
			"file", res.CurrentFile,
			"line", res.CurrentLine,
			"finished", res.Finished,
			"exception", res.ExceptionRaised,
			"errors", len(res.Errors),
			"watchChanges", len(res.WatchChanges),
		)
	}

	return res
}

// ResolvePath makes a file name reported by the debugger absolute.
// The name is used as given if such file exists, otherwise it is taken to be relative to the session root.
func (c *Classifier) ResolvePath(name string) string {
	if name == "" {
		return ""
	}
	if c.fileExists(name) {
		if abs, err := filepath.Abs(name); err == nil {
			return abs
		}
		return name
	}
	if filepath.IsAbs(name) {
		return name
	}
	// Joined with the root whether or not the file exists; it may be an eval or a not-yet-loaded module.
	return filepath.Join(c.rootPath, name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
