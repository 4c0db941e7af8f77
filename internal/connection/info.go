// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package connection

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var singleQuoteSpecials = regexp.MustCompile(`([\\'])`)

// EscapeForSingleQuotes makes s safe to embed in a single-quoted Perl string literal.
func EscapeForSingleQuotes(s string) string {
	return singleQuoteSpecials.ReplaceAllString(s, `\$1`)
}

// GetExpressionValue evaluates expr in the context of the current frame and returns the printed value.
func (c *Connection) GetExpressionValue(ctx context.Context, expr string) (string, error) {
	res, err := c.Request(ctx, "p "+expr)
	if err != nil {
		return "", err
	}
	return res.LastDataLine(), nil
}

// GetPid returns the process ID of the debugged Perl process, as the debugger reports it.
func (c *Connection) GetPid(ctx context.Context) (int, error) {
	res, err := c.Request(ctx, "p $$")
	if err != nil {
		return 0, err
	}
	if len(res.DataLines) == 0 {
		return 0, fmt.Errorf("the debugger did not report its process ID")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(res.DataLines[0]))
	if err != nil {
		return 0, fmt.Errorf("unexpected process ID %q: %w", res.DataLines[0], err)
	}
	return pid, nil
}

type PerlVersion struct {
	Major int `json:"major" yaml:"major"`
	Minor int `json:"minor" yaml:"minor"`
	Patch int `json:"patch" yaml:"patch"`
}

func (v PerlVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v PerlVersion) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// ParsePerlVersion parses the value of $], for example "5.036000" or "5.008_001".
func ParsePerlVersion(value string) (PerlVersion, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	majorPart, fraction, _ := strings.Cut(value, ".")

	major, err := strconv.Atoi(majorPart)
	if err != nil {
		return PerlVersion{}, fmt.Errorf("unexpected Perl version %q: %w", value, err)
	}
	if len(fraction) > 6 {
		fraction = fraction[:6]
	}
	fraction += strings.Repeat("0", 6-len(fraction))

	minor, minorErr := strconv.Atoi(fraction[:3])
	patch, patchErr := strconv.Atoi(fraction[3:])
	if minorErr != nil || patchErr != nil {
		return PerlVersion{}, fmt.Errorf("unexpected Perl version %q", value)
	}
	return PerlVersion{Major: major, Minor: minor, Patch: patch}, nil
}

func (c *Connection) GetPerlVersion(ctx context.Context) (PerlVersion, error) {
	value, err := c.GetExpressionValue(ctx, "$]")
	if err != nil {
		return PerlVersion{}, err
	}
	return ParsePerlVersion(value)
}

// GetProgramBasename returns the file name of the running script, without the directory.
func (c *Connection) GetProgramBasename(ctx context.Context) (string, error) {
	value, err := c.GetExpressionValue(ctx, "$0")
	if err != nil {
		return "", err
	}
	// The debugger may run on another OS, so both kinds of separators are accepted.
	return path.Base(strings.ReplaceAll(strings.TrimSpace(value), `\`, "/")), nil
}

type StackFrame struct {
	// The calling context sigil ("." for void, "$" for scalar, "@" for list).
	Context string `json:"context" yaml:"context"`
	Caller  string `json:"caller" yaml:"caller"`
	File    string `json:"file" yaml:"file"`
	Line    int    `json:"line" yaml:"line"`
}

// GetStackTrace returns the call stack, innermost frame first.
func (c *Connection) GetStackTrace(ctx context.Context) ([]StackFrame, error) {
	res, err := c.Request(ctx, "T")
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	cls := c.classifier
	c.lock.Unlock()

	var frames []StackFrame
	for _, line := range res.DataLines {
		frameContext, caller, file, ln, ok := c.table.StackFrame(line)
		if !ok {
			continue
		}
		frames = append(frames, StackFrame{
			Context: frameContext,
			Caller:  caller,
			File:    cls.ResolvePath(file),
			Line:    ln,
		})
	}
	return frames, nil
}
