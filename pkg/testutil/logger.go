package testutil

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/perldbg/pkg/logger"
	"github.com/microsoft/perldbg/pkg/osutil"
)

// Log level for test loggers, e.g. "repl" or "3". Only errors are logged by default.
const PERLDBG_TEST_LOG_LEVEL = "PERLDBG_TEST_LOG_LEVEL"

// NewLogForTesting returns a console logger for use in tests.
func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)

	level, err := logger.StringToLevel(osutil.EnvVarStringWithDefault(PERLDBG_TEST_LOG_LEVEL, "error"), zapcore.ErrorLevel)
	if err != nil {
		log.Error(err, "ignoring test log level", "Variable", PERLDBG_TEST_LOG_LEVEL)
	}
	log.SetLevel(level)

	return log.Logger.WithValues("Test", name)
}
