/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used throughout perldbg with logr V(n).
const (
	// Commands written to the debugger and session lifecycle.
	VerbosityRepl = 1
	// Parsed responses.
	VerbosityParser = 2
)

// Level names accepted in addition to plain verbosity numbers.
var levelNames = map[string]zapcore.Level{
	"error":  zap.ErrorLevel,
	"info":   zap.InfoLevel,
	"debug":  zap.DebugLevel,
	"repl":   verbosityLevel(VerbosityRepl),
	"parser": verbosityLevel(VerbosityParser),
}

func verbosityLevel(v int) zapcore.Level {
	return zapcore.Level(int8(-v))
}

// StringToLevel converts a level name or a positive verbosity number to a zap level.
// Verbosity N maps to zap level -N, which is what logr V(N) calls are logged at.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, found := levelNames[strings.ToLower(strings.TrimSpace(value))]; found {
		return level, nil
	}

	verbosity, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || verbosity <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}
	return verbosityLevel(verbosity), nil
}

// LevelFlagValue is a pflag.Value that applies the parsed level as soon as the flag is set.
type LevelFlagValue struct {
	apply func(zapcore.Level)
	raw   string
}

func NewLevelFlagValue(apply func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{apply: apply}
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.raw = flagValue
	lfv.apply(level)
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.raw
}

func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
