// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/perldbg/internal/catcher"
	"github.com/microsoft/perldbg/internal/signature"
	"github.com/microsoft/perldbg/pkg/testutil"
)

func newTestClassifier(t *testing.T, root string) *Classifier {
	return New(signature.Default(), root, testutil.NewLogForTesting(t.Name()))
}

func TestStoppedAtFileLine(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{"b 10", "main::(test.pl:8):", "\tprint 1;", "   DB<1> "})

	assert.Equal(t, "b 10", res.EchoedCommand)
	assert.Equal(t, 8, res.CurrentLine)
	assert.Equal(t, "test.pl", res.CurrentName)
	assert.Equal(t, filepath.Join("/project", "test.pl"), res.CurrentFile)
	assert.False(t, res.Finished)
	assert.False(t, res.ExceptionRaised)
	assert.Empty(t, res.WatchChanges)
	assert.Equal(t, []string{"main::(test.pl:8):", "\tprint 1;"}, res.DataLines)
	assert.True(t, res.HasPrompt)
	assert.Equal(t, 1, res.Prompt.Number)
	assert.Empty(t, res.Signals(), "setting a breakpoint does not run the debuggee")
}

func TestLastFileLineWins(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"c",
		"main::(test.pl:8):",
		"\tfoo();",
		"Module2::test2(lib/Module2.pm:5):",
		"\tprint \"x\";",
		"  DB<4> ",
	})

	assert.Equal(t, 5, res.CurrentLine)
	assert.Equal(t, "lib/Module2.pm", res.CurrentName)
	assert.Equal(t, []Signal{SignalStopped}, res.Signals())
}

func TestSyntaxError(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"",
		`syntax error at broken.pl line 10, near "}"`,
		"  DB<1> ",
	})

	require.Len(t, res.Errors, 1)
	rec := res.Errors[0]
	assert.Equal(t, "broken.pl", rec.Name)
	assert.Equal(t, filepath.Join("/project", "broken.pl"), rec.File)
	assert.Equal(t, 10, rec.Line)
	assert.Equal(t, ErrorKindSyntax, rec.Kind)
	assert.Equal(t, `"}"`, rec.Near)
	assert.False(t, res.ExceptionRaised, "a syntax error line alone is not an exception")
}

func TestCompileAbortIsException(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"c",
		`syntax error at broken.pl line 10, near "}"`,
		"Execution of broken.pl aborted due to compilation errors.",
		"Debugged program terminated.  Use q to quit or R to restart,",
		"  DB<1> ",
	})

	assert.True(t, res.ExceptionRaised)
	assert.True(t, res.Finished)
	signals := res.Signals()
	assert.Contains(t, signals, SignalException)
	assert.NotContains(t, signals, SignalTermination, "exception takes precedence over termination")
}

func TestRuntimeError(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"n",
		"Undefined subroutine &main::functionNotFound called at broken_code.pl line 10.",
		" at broken_code.pl line 10.",
		"  DB<3> ",
	})

	assert.True(t, res.ExceptionRaised)
	require.NotEmpty(t, res.Errors)
	rec := res.Errors[0]
	assert.Equal(t, ErrorKindRuntime, rec.Kind)
	assert.Equal(t, 10, rec.Line)
	assert.Equal(t, "broken_code.pl", rec.Name)
	assert.Equal(t, "Undefined subroutine &main::functionNotFound called", rec.Near)
	assert.Equal(t, 10, res.CurrentLine)
}

func TestMissingModule(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"y 0",
		"PadWalker module not found - please install",
		"  DB<4> ",
	})

	require.Len(t, res.Errors, 1)
	rec := res.Errors[0]
	assert.Equal(t, ErrorKindMissingModule, rec.Kind)
	assert.Equal(t, "PadWalker", rec.Name)
	assert.Empty(t, rec.File)
	assert.False(t, res.ExceptionRaised)
	assert.Empty(t, res.Signals())
}

func TestTerminationWithoutPrompt(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{"c", "Use 'q' to quit or 'R' to restart."})

	assert.True(t, res.Finished)
	assert.False(t, res.HasPrompt)
	assert.True(t, res.ShouldQuit())
	assert.Equal(t, []Signal{SignalTermination, SignalStopped}, res.Signals())
}

func TestSynthesizedTerminationBatch(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	lines := append([]string{}, signature.TerminationBanner...)
	lines = append(lines, signature.SyntheticPrompt)
	res := c.Parse(catcher.LineBatch{Command: "q", HasCommand: true, Lines: lines})

	assert.True(t, res.Finished)
	assert.Equal(t, 0, res.Prompt.Number)
	assert.Equal(t, append([]string{"q"}, lines...), res.RawLines)
}

func TestWatchChanges(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")

	t.Run("complete", func(t *testing.T) {
		res := c.ParseLines([]string{
			"c",
			"Watchpoint 0:\t$i changed:",
			"    old value:\t'1'",
			"    new value:\t'2'",
			"main::(loop.pl:4):",
			"  DB<5> ",
		})
		require.Len(t, res.WatchChanges, 1)
		wc := res.WatchChanges[0]
		assert.Equal(t, 0, wc.ID)
		assert.Equal(t, "$i", wc.Expression)
		require.NotNil(t, wc.OldValue)
		require.NotNil(t, wc.NewValue)
		assert.Equal(t, "1", *wc.OldValue)
		assert.Equal(t, "2", *wc.NewValue)
		assert.Equal(t, []Signal{SignalDataBreakpoint, SignalStopped}, res.Signals())
	})

	t.Run("missing old value", func(t *testing.T) {
		res := c.ParseLines([]string{
			"c",
			"Watchpoint 1:\t$h{a} changed:",
			"    new value:\t'x'",
			"  DB<5> ",
		})
		require.Len(t, res.WatchChanges, 1)
		assert.Nil(t, res.WatchChanges[0].OldValue)
		require.NotNil(t, res.WatchChanges[0].NewValue)
		assert.Equal(t, "x", *res.WatchChanges[0].NewValue)
	})

	t.Run("values before any change are dropped", func(t *testing.T) {
		res := c.ParseLines([]string{
			"c",
			"    new value:\t'x'",
			"    old value:\t'y'",
			"  DB<5> ",
		})
		assert.Empty(t, res.WatchChanges)
	})

	t.Run("value lines update the latest change", func(t *testing.T) {
		res := c.ParseLines([]string{
			"c",
			"Watchpoint 0:\t$a changed:",
			"Watchpoint 1:\t$b changed:",
			"    old value:\t'1'",
			"    new value:\t'2'",
			"  DB<5> ",
		})
		require.Len(t, res.WatchChanges, 2)
		assert.Nil(t, res.WatchChanges[0].OldValue)
		assert.Nil(t, res.WatchChanges[0].NewValue)
		assert.Equal(t, "1", *res.WatchChanges[1].OldValue)
		assert.Equal(t, "2", *res.WatchChanges[1].NewValue)
	})

	t.Run("no watch lines", func(t *testing.T) {
		res := c.ParseLines([]string{"p $x", "42", "  DB<6> "})
		assert.Empty(t, res.WatchChanges)
		assert.Equal(t, "42", res.LastDataLine())
	})
}

func TestSpecialMarkers(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"c",
		"vscode: new loaded source lib/Foo.pm",
		"vscode: new subroutine Foo::bar",
		"main::(test.pl:9):",
		"  DB<2> ",
	})

	assert.Equal(t, []string{"vscode: new loaded source lib/Foo.pm", "vscode: new subroutine Foo::bar"}, res.SpecialMarkers)
	assert.Equal(t, []string{"new loaded source lib/Foo.pm"}, res.NewSources)
	assert.Equal(t, []string{"new subroutine Foo::bar"}, res.NewSubroutines)
	assert.Equal(t, []Signal{SignalNewSource, SignalStopped}, res.Signals())
}

func TestColorsAndGarbageAreStripped(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.ParseLines([]string{
		"p $x",
		"\x1b[1mhello\x1b[0m",
		"",
		"   ",
		"  DB<2> ",
		"\x1b[4m  DB<3>\x1b[24m ",
	})

	assert.Equal(t, []string{"hello"}, res.DataLines)
	assert.Equal(t, 3, res.Prompt.Number)
}

func TestBannerWithoutCommand(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, "/project")
	res := c.Parse(catcher.LineBatch{Lines: []string{
		"Loading DB routines from perl5db.pl version 1.53",
		"main::(test.pl:3):\tmy $x = 1;",
		"  DB<1> ",
	}})

	assert.False(t, res.HasCommand)
	assert.Equal(t, "Loading DB routines from perl5db.pl version 1.53", res.DataLines[0])
	assert.Equal(t, 3, res.CurrentLine)
	assert.Empty(t, res.Signals())
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "in_root.pl"), []byte("1;\n"), 0600))
	existing := filepath.Join(t.TempDir(), "existing.pl")
	require.NoError(t, os.WriteFile(existing, []byte("1;\n"), 0600))

	c := newTestClassifier(t, root)

	assert.Equal(t, existing, c.ResolvePath(existing))
	assert.Equal(t, filepath.Join(root, "in_root.pl"), c.ResolvePath("in_root.pl"))
	assert.Equal(t, filepath.Join(root, "lib", "Missing.pm"), c.ResolvePath("lib/Missing.pm"))
	assert.Equal(t, "", c.ResolvePath(""))

	c.fileExists = func(string) bool { return false }
	assert.Equal(t, "/abs/missing.pl", c.ResolvePath("/abs/missing.pl"))
}
