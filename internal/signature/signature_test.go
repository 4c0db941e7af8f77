// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRecognition(t *testing.T) {
	t.Parallel()

	table := Default()

	tests := []struct {
		name   string
		line   string
		isProm bool
		prompt Prompt
	}{
		{"plain", "  DB<1> ", true, Prompt{Number: 1, Depth: 1}},
		{"nested", "  DB<<12>> ", true, Prompt{Number: 12, Depth: 2}},
		{"synthetic", SyntheticPrompt, true, Prompt{Number: 0, Depth: 1}},
		{"pid chain", "[pid=1234->1240]  DB<3> ", true, Prompt{Number: 3, Depth: 1, PidChain: "1234->1240"}},
		{"thread", "[1234][2]DB<7>", true, Prompt{Number: 7, Depth: 1, PidChain: "1234", ThreadID: "2"}},
		{"colored", "\x1b[4m  DB<5>\x1b[24m ", true, Prompt{Number: 5, Depth: 1}},
		{"backspace", "  DB<9>\b ", true, Prompt{Number: 9, Depth: 1}},
		{"program output", "DB<1> is what I print", false, Prompt{}},
		{"empty", "", false, Prompt{}},
		{"file line", "main::(test.pl:8):", false, Prompt{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.isProm, table.IsPrompt(tc.line))
			p, ok := table.ParsePrompt(tc.line)
			assert.Equal(t, tc.isProm, ok)
			assert.Equal(t, tc.prompt, p)
		})
	}
}

func TestGarbageLines(t *testing.T) {
	t.Parallel()

	table := Default()
	assert.True(t, table.IsGarbage(""))
	assert.True(t, table.IsGarbage(" \t \b"))
	assert.True(t, table.IsGarbage("\x1b[1m\x1b[0m"))
	assert.True(t, table.IsGarbage("  DB<2> "))
	assert.False(t, table.IsGarbage("Loading DB routines from perl5db.pl version 1.53"))
}

func TestFileLine(t *testing.T) {
	t.Parallel()

	table := Default()

	file, ln, ok := table.FileLine("main::(test.pl:8):")
	require.True(t, ok)
	assert.Equal(t, "test.pl", file)
	assert.Equal(t, 8, ln)

	file, ln, ok = table.FileLine("Module2::test2(lib/Module2.pm:5):\tprint \"x\";")
	require.True(t, ok)
	assert.Equal(t, "lib/Module2.pm", file)
	assert.Equal(t, 5, ln)

	file, ln, ok = table.FileLine("Can't locate object method \"x\" via package \"Foo\" at broken.pl line 14.")
	require.True(t, ok)
	assert.Equal(t, "broken.pl", file)
	assert.Equal(t, 14, ln)

	_, _, ok = table.FileLine("main::(test.pl:8) trailing")
	assert.False(t, ok)

	file, ln, ok = table.FileLine("Foo::Bar::baz(lib/Foo/Bar.pm:12):")
	require.True(t, ok)
	assert.Equal(t, "lib/Foo/Bar.pm", file)
	assert.Equal(t, 12, ln)

	// Program output shaped like a call is not a position.
	_, _, ok = table.FileLine("foo(x.pl:3):")
	assert.False(t, ok)
}

func TestErrorSignatures(t *testing.T) {
	t.Parallel()

	table := Default()

	file, ln, near, ok := table.SyntaxError(`syntax error at broken.pl line 10, near "}"`)
	require.True(t, ok)
	assert.Equal(t, "broken.pl", file)
	assert.Equal(t, 10, ln)
	assert.Equal(t, `"}"`, near)

	msg, file, ln, ok := table.RuntimeError("Illegal division by zero at calc.pl line 3.")
	require.True(t, ok)
	assert.Equal(t, "Illegal division by zero", msg)
	assert.Equal(t, "calc.pl", file)
	assert.Equal(t, 3, ln)

	_, _, _, ok = table.RuntimeError(`syntax error at broken.pl line 10, near "}"`)
	assert.False(t, ok)

	assert.True(t, table.IsCompileAbort("Execution of broken.pl aborted due to compilation errors."))
	assert.False(t, table.IsCompileAbort("Execution of broken.pl finished."))

	module, ok := table.MissingModule("PadWalker module not found - please install")
	require.True(t, ok)
	assert.Equal(t, "PadWalker", module)
}

func TestTermination(t *testing.T) {
	t.Parallel()

	table := Default()
	assert.True(t, table.IsTermination(TerminationBanner[0]))
	assert.True(t, table.IsTermination("Use 'q' to quit or 'R' to restart."))
	assert.False(t, table.IsTermination("main::(test.pl:8):"))
}

func TestWatchSignatures(t *testing.T) {
	t.Parallel()

	table := Default()

	id, expr, ok := table.WatchChange("Watchpoint 0:\t$i changed:")
	require.True(t, ok)
	assert.Equal(t, 0, id)
	assert.Equal(t, "$i", expr)

	v, ok := table.WatchOldValue("    old value:\t'1'")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	v, ok = table.WatchNewValue("    new value:\t'2'")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = table.WatchNewValue("new value: '2'")
	assert.False(t, ok, "value lines must be indented")
}

func TestMarkers(t *testing.T) {
	t.Parallel()

	table := Default()

	payload, ok := table.Marker("vscode: new loaded source lib/Foo.pm")
	require.True(t, ok)
	assert.Equal(t, MarkerNewSource, table.MarkerKind(payload))

	payload, ok = table.Marker("vscode: new subroutine Foo::bar")
	require.True(t, ok)
	assert.Equal(t, MarkerNewSubroutine, table.MarkerKind(payload))

	_, ok = table.Marker("not a marker")
	assert.False(t, ok)

	custom := New(WithMarkerPrefix("dbg: "))
	_, ok = custom.Marker("vscode: new subroutine Foo::bar")
	assert.False(t, ok)
	_, ok = custom.Marker("dbg: new subroutine Foo::bar")
	assert.True(t, ok)
}

func TestControlVerbs(t *testing.T) {
	t.Parallel()

	table := Default()
	for _, cmd := range []string{"c", "c 12", "n", "s", "r", "R"} {
		assert.True(t, table.IsControlVerb(cmd), cmd)
	}
	for _, cmd := range []string{"", "p $x", "T", "b 10", "L b", "cont"} {
		assert.False(t, table.IsControlVerb(cmd), cmd)
	}

	restricted := New(WithControlVerbs("c"))
	assert.True(t, restricted.IsControlVerb("c"))
	assert.False(t, restricted.IsControlVerb("n"))
	assert.True(t, table.IsControlVerb("n"), "deriving a table must not change the default one")
}

func TestRestartFallbackOption(t *testing.T) {
	t.Parallel()

	table := New(WithRestartFallback(true, 50*time.Millisecond))
	enabled, delay := table.RestartFallback()
	assert.True(t, enabled)
	assert.Equal(t, 50*time.Millisecond, delay)

	assert.True(t, table.IsRestartWarning("Warning: some settings and command-line options may be lost!"))
}

func TestStackFrame(t *testing.T) {
	t.Parallel()

	ctx, caller, file, ln, ok := Default().StackFrame(". = Module2::test2() called from file 'test.pl' line 12")
	require.True(t, ok)
	assert.Equal(t, ".", ctx)
	assert.Equal(t, "Module2::test2()", caller)
	assert.Equal(t, "test.pl", file)
	assert.Equal(t, 12, ln)
}
