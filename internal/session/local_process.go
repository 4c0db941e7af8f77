// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/pkg/concurrency"
	perldbg_io "github.com/microsoft/perldbg/pkg/io"
	"github.com/microsoft/perldbg/pkg/osutil"
	"github.com/microsoft/perldbg/pkg/process"
)

const (
	DefaultExec     = "perl"
	outputWaitDelay = 2 * time.Second

	// Overrides DefaultExec when set.
	PERLDBG_PERL = "PERLDBG_PERL"
)

// Environment overrides applied to every local debugger, so that the REPL output does not depend on the terminal.
var fixedEnvironment = map[string]string{
	"COLUMNS": "80",
	"LINES":   "25",
	"TERM":    "dumb",
}

type LocalProcessOptions struct {
	// The interpreter. Defaults to DefaultExec.
	Exec     string
	ExecArgs []string
	Program  string
	Args     []string
	// Working directory of the process.
	Root string
	// Added to (and overriding) the environment of the current process.
	Env map[string]string
}

// CommandLine returns the arguments the interpreter is started with.
func (o LocalProcessOptions) CommandLine() []string {
	args := make([]string, 0, len(o.ExecArgs)+len(o.Args)+2)
	args = append(args, o.ExecArgs...)
	args = append(args, "-d", o.Program)
	args = append(args, o.Args...)
	return args
}

// LocalProcess runs the debugger as a child process and talks to it over the child's standard streams.
// The REPL uses the standard error stream; standard output is the program output.
type LocalProcess struct {
	opts     LocalProcessOptions
	cmd      *exec.Cmd
	handle   process.ProcessHandle
	executor process.Executor
	log      logr.Logger

	stdin       io.WriteCloser
	output      *perldbg_io.BufferedPipe
	errorOutput *perldbg_io.BufferedPipe
	events      *concurrency.EventQueue[SessionEvent]

	lock     *sync.Mutex
	killed   bool
	exited   chan struct{}
	exitCode int32
}

// NewLocalProcess starts the debugger. The process is stopped when ctx is cancelled or Kill is called.
func NewLocalProcess(ctx context.Context, opts LocalProcessOptions, executor process.Executor, log logr.Logger) (*LocalProcess, error) {
	if opts.Exec == "" {
		opts.Exec = osutil.EnvVarStringWithDefault(PERLDBG_PERL, DefaultExec)
	}

	cmd := exec.Command(opts.Exec, opts.CommandLine()...)
	cmd.Dir = opts.Root
	cmd.Env = BuildEnvironment(os.Environ(), opts.Env)
	process.DecoupleFromParent(cmd)
	// Forked children may keep the output streams open after the debugger exits.
	cmd.WaitDelay = outputWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create the debugger input pipe: %w", err)
	}

	p := &LocalProcess{
		opts:        opts,
		cmd:         cmd,
		executor:    executor,
		log:         log.WithName("local-process"),
		stdin:       stdin,
		output:      perldbg_io.NewBufferedPipe(),
		errorOutput: perldbg_io.NewBufferedPipe(),
		events:      concurrency.NewEventQueue[SessionEvent](ctx),
		lock:        &sync.Mutex{},
		exited:      make(chan struct{}),
		exitCode:    process.UnknownExitCode,
	}
	cmd.Stdout = p.output
	cmd.Stderr = p.errorOutput

	handle, startWaiting, err := executor.StartProcess(ctx, cmd, process.ProcessExitHandlerFunc(p.onExited))
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Exec, err)
	}
	p.handle = handle
	startWaiting()

	p.log.V(1).Info("debugger process started", "PID", handle.Pid, "Command", p.Title())
	return p, nil
}

func (p *LocalProcess) Input() io.Writer {
	return writerFunc(func(b []byte) (int, error) {
		if p.isKilled() {
			return 0, ErrSessionKilled
		}
		return p.stdin.Write(b)
	})
}

func (p *LocalProcess) Output() io.Reader {
	return p.output
}

func (p *LocalProcess) ErrorOutput() io.Reader {
	return p.errorOutput
}

func (p *LocalProcess) Events() <-chan SessionEvent {
	return p.events.Events()
}

func (p *LocalProcess) Title() string {
	return fmt.Sprintf("spawn(%s, %q)", p.opts.Exec, p.opts.CommandLine())
}

func (p *LocalProcess) Pid() int {
	return p.handle.Pid
}

// Exited is closed when the process has exited.
func (p *LocalProcess) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode is only valid after the process has exited.
func (p *LocalProcess) ExitCode() int32 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitCode
}

// Kill stops the process and its process group. Output already produced stays readable.
func (p *LocalProcess) Kill() error {
	p.lock.Lock()
	if p.killed {
		p.lock.Unlock()
		return nil
	}
	p.killed = true
	p.lock.Unlock()

	var errs []error
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close the debugger input: %w", err))
	}

	select {
	case <-p.exited:
	default:
		if err := p.executor.StopProcess(p.handle); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
			errs = append(errs, fmt.Errorf("failed to stop the debugger process: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (p *LocalProcess) isKilled() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.killed
}

func (p *LocalProcess) onExited(_ int, exitCode int32, err error) {
	p.lock.Lock()
	p.exitCode = exitCode
	p.lock.Unlock()

	// The command has finished copying the output by now.
	_ = p.output.CloseWrite()
	_ = p.errorOutput.CloseWrite()

	if err != nil {
		p.log.Error(err, "debugger process did not exit cleanly")
		p.events.Publish(SessionEvent{Kind: SessionEventError, Err: err})
	}
	p.log.V(1).Info("debugger process exited", "ExitCode", exitCode)
	p.events.Publish(SessionEvent{Kind: SessionEventExited, ExitCode: exitCode})
	p.events.Close()
	close(p.exited)
}

// BuildEnvironment merges environment variables: base first (KEY=VALUE form), then the fixed terminal settings,
// then the overrides. The result is sorted by variable name.
func BuildEnvironment(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(fixedEnvironment)+len(overrides))
	for _, kv := range base {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			continue
		}
		merged[key] = value
	}
	for key, value := range fixedEnvironment {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+merged[key])
	}
	return env
}

var _ Session = (*LocalProcess)(nil)
