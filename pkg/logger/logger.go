package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/perldbg/pkg/resiliency"
)

const (
	PERLDBG_DIAGNOSTICS_LOG_FOLDER = "PERLDBG_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (defaults to a temp folder)
	PERLDBG_DIAGNOSTICS_LOG_LEVEL  = "PERLDBG_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to none)

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	logFilePermissions   fs.FileMode = 0600
	logFolderPermissions fs.FileMode = 0700
)

var (
	defaultLogPath = filepath.Join(os.TempDir(), "perldbg", "logs")
	startTime      = time.Now()
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human readable output to stderr,
// and machine readable output to a diagnostics log file if PERLDBG_DIAGNOSTICS_LOG_LEVEL is set.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	consoleAtomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var diagnosticsLogErr error
	if logCore, err := getDiagnosticsLogCore(name, encoderConfig); err != nil {
		if !errors.Is(err, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = err
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger)

	if diagnosticsLogErr != nil {
		log.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:      log,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting stderr log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity. Level 1 shows REPL traffic, level 2 shows response parsing.")
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func getDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	levelStr, found := os.LookupEnv(PERLDBG_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return nil, errDiagnosticsLogNotEnabled
	}
	logLevel, err := StringToLevel(levelStr, zapcore.ErrorLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse diagnostics log level: %w", err)
	}

	logFolder, found := os.LookupEnv(PERLDBG_DIAGNOSTICS_LOG_FOLDER)
	if !found {
		logFolder = defaultLogPath
	}
	if err = os.MkdirAll(logFolder, logFolderPermissions); err != nil {
		return nil, fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, err)
	}

	// Several processes of a multi-session debugging run may start within the same millisecond, so retry a few times.
	attempt := 0
	logOutput, err := resiliency.RetryGet(context.Background(), resiliency.ShortExponentialBackoff(2*time.Second), func() (*os.File, error) {
		logName := fmt.Sprintf("%s-%d-%d-%d.log", name, startTime.UnixMilli(), os.Getpid(), attempt)
		attempt++
		return os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, logFilePermissions)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}
