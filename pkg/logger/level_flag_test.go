/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    string
		expected zapcore.Level
		isErr    bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"2", zapcore.Level(-2), false},
		{"repl", zapcore.Level(-VerbosityRepl), false},
		{" Parser ", zapcore.Level(-VerbosityParser), false},
		{"0", zapcore.WarnLevel, true},
		{"loud", zapcore.WarnLevel, true},
	}

	for _, tc := range tests {
		level, err := StringToLevel(tc.value, zapcore.WarnLevel)
		if tc.isErr {
			assert.Error(t, err, tc.value)
		} else {
			assert.NoError(t, err, tc.value)
		}
		assert.Equal(t, tc.expected, level, tc.value)
	}
}

func TestLevelFlagSetsLoggerLevel(t *testing.T) {
	t.Parallel()

	log := New("level-flag-test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v=2"}))
	assert.Equal(t, zapcore.Level(-2), log.atomicLevel.Level())
	assert.True(t, log.V(2).Enabled())
	assert.False(t, log.V(3).Enabled())

	require.Error(t, fs.Parse([]string{"--verbosity=nope"}))
}
