// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package connection

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microsoft/perldbg/internal/session"
)

type LaunchMode string

const (
	// The debugger REPL runs over the standard streams of a local child process.
	LaunchModeLocal LaunchMode = "local"
	// A local debuggee connects back to a loopback listener (PERLDB_OPTS=RemotePort=...).
	LaunchModeNone LaunchMode = "none"
	// Wait for a debugger started elsewhere to connect.
	LaunchModeRemote LaunchMode = "remote"
	// Connect to a relay advertised by another connection.
	LaunchModeAttach LaunchMode = "attach"
)

const defaultConnectTimeout = 5 * time.Second

// SessionConfig describes how to start or reach the debugger.
type SessionConfig struct {
	Mode LaunchMode `json:"mode,omitempty" yaml:"mode,omitempty"`

	// The interpreter, "perl" if not set.
	Exec     string   `json:"exec,omitempty" yaml:"exec,omitempty"`
	ExecArgs []string `json:"execArgs,omitempty" yaml:"execArgs,omitempty"`
	Program  string   `json:"program,omitempty" yaml:"program,omitempty"`
	// Working directory of the debuggee; relative file names reported by the debugger are resolved against it.
	Root string            `json:"root,omitempty" yaml:"root,omitempty"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Dotenv files read before Env is applied. Later files override earlier ones; Env overrides them all.
	EnvFiles []string `json:"envFiles,omitempty" yaml:"envFiles,omitempty"`

	// Listening port for remote mode.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`
	// Bind address for remote mode. Defaults to all interfaces.
	BindAddress string `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	// single, watch or break. Anything but single offers forked children through relays.
	Sessions string `json:"sessions,omitempty" yaml:"sessions,omitempty"`

	// Commands issued right after the debugger banner. When nil, DefaultInitCommands is used.
	InitCommands []string `json:"initCommands,omitempty" yaml:"initCommands,omitempty"`

	AttachHost            string `json:"attachHost,omitempty" yaml:"attachHost,omitempty"`
	AttachPort            int    `json:"attachPort,omitempty" yaml:"attachPort,omitempty"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds,omitempty" yaml:"connectTimeoutSeconds,omitempty"`

	// Publish raw REPL traffic as events from the start.
	DebugRaw bool `json:"debugRaw,omitempty" yaml:"debugRaw,omitempty"`
}

func (c *SessionConfig) EffectiveMode() LaunchMode {
	if c.Mode == "" {
		return LaunchModeNone
	}
	return c.Mode
}

func (c *SessionConfig) EffectiveSessions() string {
	if c.Sessions == "" {
		return session.SessionsSingle
	}
	return c.Sessions
}

func (c *SessionConfig) GetConnectionTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// GetInitCommands returns the commands to issue after the banner.
func (c *SessionConfig) GetInitCommands() []string {
	if c.InitCommands == nil {
		return DefaultInitCommands(c.EffectiveSessions())
	}
	return c.InitCommands
}

// DefaultInitCommands returns the commands issued after the banner when none are configured.
func DefaultInitCommands(sessions string) []string {
	var commands []string
	if sessions != session.SessionsSingle {
		// The pid only changes right after a fork, so this breaks into the debugger in new children.
		commands = append(commands, "w $$")
	}
	// Some perl versions send warnings to the debugger output instead of the program's standard error.
	commands = append(commands, "o warnLevel=0", "$DB::single = 1;")
	return commands
}

func (c *SessionConfig) Validate() error {
	var errs []error

	mode := c.EffectiveMode()
	switch mode {
	case LaunchModeLocal, LaunchModeNone:
		if c.Program == "" {
			errs = append(errs, fmt.Errorf("a program is required in %s mode", mode))
		}
	case LaunchModeRemote:
	case LaunchModeAttach:
		if c.AttachPort <= 0 {
			errs = append(errs, fmt.Errorf("attachPort is required in %s mode", mode))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown launch mode %q", c.Mode))
	}

	if !slices.Contains([]string{session.SessionsSingle, session.SessionsWatch, session.SessionsBreak}, c.EffectiveSessions()) {
		errs = append(errs, fmt.Errorf("unknown sessions value %q", c.Sessions))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.AttachPort < 0 || c.AttachPort > 65535 {
		errs = append(errs, fmt.Errorf("attachPort %d is out of range", c.AttachPort))
	}
	if c.Root != "" {
		if info, err := os.Stat(c.Root); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("folder %s not found", c.Root))
		}
	}

	return errors.Join(errs...)
}

// LoadSessionConfig reads a YAML launch configuration.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch configuration: %w", err)
	}

	var cfg SessionConfig
	if err = yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse launch configuration %s: %w", path, err)
	}
	return &cfg, nil
}
