// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package signature

import (
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

const (
	// Prompt line synthesized when the debugger never produces a real one.
	SyntheticPrompt = "   DB<0> "

	DefaultMarkerPrefix          = "vscode: "
	DefaultNewSourceMarker       = "new loaded source"
	DefaultNewSubroutineMarker   = "new subroutine"
	DefaultRestartFallbackDelay  = 500 * time.Millisecond
	defaultPromptPattern         = `^(\[(?:pid=)?([0-9\->]+)\])?(\[(\d+)\])?DB(<+)([0-9]+)>+$`
	defaultFileLinePattern       = `^[A-Za-z_]\w*(?:::\w*)+\((.+):([0-9]+)\):(?:$|\t.*)`
	defaultExceptionFilePattern  = `at (\S+) line ([0-9]+)\.`
	defaultSyntaxErrorPattern    = `^syntax error at (\S+) line ([0-9]+), near (.+)`
	defaultRuntimeErrorPattern   = `^(.+) at (\S+) line ([0-9]+)\.$`
	defaultMissingModulePattern  = `^(\S+) module not found - please install$`
	defaultCompileAbortPattern   = `^Execution of (\S+) aborted due to compilation errors\.$`
	defaultWatchChangePattern    = `^Watchpoint (\d+):\s+(.*) changed:`
	defaultWatchOldValuePattern  = `^\s+old value:\s+'(.*)'`
	defaultWatchNewValuePattern  = `^\s+new value:\s+'(.*)'`
	defaultRestartWarningPattern = `^Warning: some settings and command-line options may be lost!`
	defaultStackFramePattern     = `^(\S+) = (\S+) called from file '(\S+)' line ([0-9]+)$`
)

var (
	defaultTerminationPatterns = []string{
		`^Debugged program terminated`,
		`Use 'q' to quit or 'R' to restart\.`,
	}

	// The original debugger banner printed when a program finishes, followed by a prompt.
	TerminationBanner = []string{
		"Debugged program terminated.  Use q to quit or R to restart,",
		"use o inhibit_exit to avoid stopping after program termination,",
		"h q, h R or h o to get additional info.",
	}

	// continue, next, step-in, step-out, restart
	DefaultControlVerbs = []string{"c", "n", "s", "r", "R"}

	// Stripped together with ANSI sequences when normalizing a line for matching.
	whitespaceAndBackspace = regexp.MustCompile(`[\s\x08]+`)
)

// Prompt holds the parts of a recognized prompt line.
type Prompt struct {
	// Command number shown between the angle brackets.
	Number int
	// Nesting depth, i.e. the number of angle brackets (DB<1> is 1, DB<<1>> is 2).
	Depth int
	// Process chain prefix of forked debuggers, e.g. "1234->1235". Empty when absent.
	PidChain string
	// Thread id prefix, empty when absent.
	ThreadID string
}

// Table is an immutable set of patterns describing one debugger build's REPL dialect.
// A Table is safe for concurrent use; derive a variant with the With* options instead of mutating it.
type Table struct {
	prompt               *regexp.Regexp
	fileLine             *regexp.Regexp
	exceptionFile        *regexp.Regexp
	syntaxError          *regexp.Regexp
	runtimeError         *regexp.Regexp
	missingModule        *regexp.Regexp
	compileAbort         *regexp.Regexp
	termination          []*regexp.Regexp
	watchChange          *regexp.Regexp
	watchOldValue        *regexp.Regexp
	watchNewValue        *regexp.Regexp
	restartWarning       *regexp.Regexp
	stackFrame           *regexp.Regexp
	markerPrefix         string
	newSourceMarker      string
	newSubroutineMarker  string
	controlVerbs         map[string]struct{}
	restartFallback      bool
	restartFallbackDelay time.Duration
}

type Option func(*Table)

// WithPromptPattern replaces the prompt signature. The pattern is matched against normalized lines
// (ANSI sequences, whitespace and backspaces removed). The last capture group must hold the command number.
func WithPromptPattern(pattern string) Option {
	return func(t *Table) {
		t.prompt = regexp.MustCompile(pattern)
	}
}

// WithControlVerbs replaces the set of commands after which the debuggee is considered to have run and stopped.
func WithControlVerbs(verbs ...string) Option {
	return func(t *Table) {
		t.controlVerbs = make(map[string]struct{}, len(verbs))
		for _, v := range verbs {
			t.controlVerbs[v] = struct{}{}
		}
	}
}

// WithRestartFallback enables or disables the synthesized prompt after a restart warning banner.
func WithRestartFallback(enabled bool, delay time.Duration) Option {
	return func(t *Table) {
		t.restartFallback = enabled
		if delay > 0 {
			t.restartFallbackDelay = delay
		}
	}
}

func WithMarkerPrefix(prefix string) Option {
	return func(t *Table) {
		t.markerPrefix = prefix
	}
}

func WithTerminationPatterns(patterns ...string) Option {
	return func(t *Table) {
		t.termination = compileAll(patterns)
	}
}

// New returns a Table with the default perl5db dialect, modified by the given options.
// Options that receive an invalid regular expression panic, the same way regexp.MustCompile does.
func New(opts ...Option) *Table {
	t := &Table{
		prompt:               regexp.MustCompile(defaultPromptPattern),
		fileLine:             regexp.MustCompile(defaultFileLinePattern),
		exceptionFile:        regexp.MustCompile(defaultExceptionFilePattern),
		syntaxError:          regexp.MustCompile(defaultSyntaxErrorPattern),
		runtimeError:         regexp.MustCompile(defaultRuntimeErrorPattern),
		missingModule:        regexp.MustCompile(defaultMissingModulePattern),
		compileAbort:         regexp.MustCompile(defaultCompileAbortPattern),
		termination:          compileAll(defaultTerminationPatterns),
		watchChange:          regexp.MustCompile(defaultWatchChangePattern),
		watchOldValue:        regexp.MustCompile(defaultWatchOldValuePattern),
		watchNewValue:        regexp.MustCompile(defaultWatchNewValuePattern),
		restartWarning:       regexp.MustCompile(defaultRestartWarningPattern),
		stackFrame:           regexp.MustCompile(defaultStackFramePattern),
		markerPrefix:         DefaultMarkerPrefix,
		newSourceMarker:      DefaultNewSourceMarker,
		newSubroutineMarker:  DefaultNewSubroutineMarker,
		restartFallback:      runtime.GOOS == "windows",
		restartFallbackDelay: DefaultRestartFallbackDelay,
	}
	WithControlVerbs(DefaultControlVerbs...)(t)

	for _, opt := range opts {
		opt(t)
	}
	return t
}

var defaultTable = New()

// Default returns the shared default Table for the current platform.
func Default() *Table {
	return defaultTable
}

// StripColors removes ANSI escape sequences (and stray escape characters) from the line.
func (t *Table) StripColors(line string) string {
	return strings.ReplaceAll(ansi.Strip(line), "\x1b", "")
}

// Clean normalizes a line for signature matching: colors, whitespace and backspaces are removed.
func (t *Table) Clean(line string) string {
	return whitespaceAndBackspace.ReplaceAllString(t.StripColors(line), "")
}

func (t *Table) IsPrompt(line string) bool {
	return t.prompt.MatchString(t.Clean(line))
}

// ParsePrompt reports whether the line is a prompt and returns its parts.
func (t *Table) ParsePrompt(line string) (Prompt, bool) {
	m := t.prompt.FindStringSubmatch(t.Clean(line))
	if m == nil {
		return Prompt{}, false
	}

	p := Prompt{}
	p.Number, _ = strconv.Atoi(m[len(m)-1])
	if len(m) == 7 {
		p.PidChain = m[2]
		p.ThreadID = m[4]
		p.Depth = len(m[5])
	}
	return p, true
}

// IsGarbage reports whether the line carries no information: blank after normalization, or a prompt.
func (t *Table) IsGarbage(line string) bool {
	clean := t.Clean(line)
	return clean == "" || t.prompt.MatchString(clean)
}

// FileLine extracts a file name and line number from a "stopped at" line (main::(test.pl:8):)
// or an exception style line (... at test.pl line 8.).
func (t *Table) FileLine(line string) (string, int, bool) {
	m := t.fileLine.FindStringSubmatch(line)
	if m == nil {
		m = t.exceptionFile.FindStringSubmatch(line)
	}
	if m == nil {
		return "", 0, false
	}
	ln, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], ln, true
}

// SyntaxError matches "syntax error at FILE line N, near TEXT".
func (t *Table) SyntaxError(line string) (file string, ln int, near string, ok bool) {
	m := t.syntaxError.FindStringSubmatch(line)
	if m == nil {
		return "", 0, "", false
	}
	ln, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", false
	}
	return m[1], ln, m[3], true
}

// RuntimeError matches "MESSAGE at FILE line N.".
func (t *Table) RuntimeError(line string) (message string, file string, ln int, ok bool) {
	m := t.runtimeError.FindStringSubmatch(line)
	if m == nil {
		return "", "", 0, false
	}
	ln, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, false
	}
	return m[1], m[2], ln, true
}

// MissingModule matches the message printed when an expression needs a module that is not installed.
func (t *Table) MissingModule(line string) (string, bool) {
	m := t.missingModule.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (t *Table) IsCompileAbort(line string) bool {
	return t.compileAbort.MatchString(line)
}

func (t *Table) IsTermination(line string) bool {
	for _, re := range t.termination {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// WatchChange matches the "Watchpoint N: EXPR changed:" line that opens a watch change record.
func (t *Table) WatchChange(line string) (id int, expression string, ok bool) {
	m := t.watchChange.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	id, _ = strconv.Atoi(m[1])
	return id, m[2], true
}

func (t *Table) WatchOldValue(line string) (string, bool) {
	return firstGroup(t.watchOldValue, line)
}

func (t *Table) WatchNewValue(line string) (string, bool) {
	return firstGroup(t.watchNewValue, line)
}

// Marker returns the payload of an out-of-band instrumentation line.
func (t *Table) Marker(line string) (string, bool) {
	if t.markerPrefix == "" || !strings.HasPrefix(line, t.markerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(line, t.markerPrefix), true
}

// MarkerKind classifies a marker payload returned by Marker.
func (t *Table) MarkerKind(payload string) MarkerKind {
	switch {
	case strings.HasPrefix(payload, t.newSourceMarker):
		return MarkerNewSource
	case strings.HasPrefix(payload, t.newSubroutineMarker):
		return MarkerNewSubroutine
	default:
		return MarkerOther
	}
}

func (t *Table) IsRestartWarning(line string) bool {
	return t.restartWarning.MatchString(line)
}

// RestartFallback reports whether a prompt should be synthesized after a restart warning, and after how long.
func (t *Table) RestartFallback() (bool, time.Duration) {
	return t.restartFallback, t.restartFallbackDelay
}

// IsControlVerb reports whether the command makes the debuggee run (continue, next, step, return, restart).
func (t *Table) IsControlVerb(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	_, found := t.controlVerbs[fields[0]]
	return found
}

// StackFrame matches one line of the "T" (stack trace) command output.
func (t *Table) StackFrame(line string) (context string, caller string, file string, ln int, ok bool) {
	m := t.stackFrame.FindStringSubmatch(line)
	if m == nil {
		return "", "", "", 0, false
	}
	ln, err := strconv.Atoi(m[4])
	if err != nil {
		return "", "", "", 0, false
	}
	return m[1], m[2], m[3], ln, true
}

type MarkerKind string

const (
	MarkerNewSource     MarkerKind = "new-source"
	MarkerNewSubroutine MarkerKind = "new-subroutine"
	MarkerOther         MarkerKind = "other"
)

func firstGroup(re *regexp.Regexp, line string) (string, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func compileAll(patterns []string) []*regexp.Regexp {
	retval := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		retval = append(retval, regexp.MustCompile(p))
	}
	return retval
}
