// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/microsoft/perldbg/internal/catcher"
	"github.com/microsoft/perldbg/internal/classifier"
	"github.com/microsoft/perldbg/internal/session"
	"github.com/microsoft/perldbg/internal/signature"
	"github.com/microsoft/perldbg/pkg/concurrency"
	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/osutil"
	"github.com/microsoft/perldbg/pkg/process"
)

var (
	ErrConnectionClosed = errors.New("the debugger connection has been closed")
	ErrNotLaunched      = errors.New("the debugger connection has not been launched")
	ErrAlreadyLaunched  = errors.New("the debugger connection has already been launched")
)

const (
	quitCommand        = "q"
	defaultQuitTimeout = 5 * time.Second

	// How long to wait for the debugger to acknowledge the quit command, as a Go duration.
	PERLDBG_QUIT_TIMEOUT = "PERLDBG_QUIT_TIMEOUT"

	// Host name the local debuggee uses to reach the loopback listener.
	remotePortHost = "localhost"
)

// Connection drives one debugger REPL: it owns the transport session, correlates commands with their output,
// classifies the output and publishes what happened as events.
type Connection struct {
	id       string
	table    *signature.Table
	catcher  *catcher.Catcher
	executor process.Executor
	log      logr.Logger

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc
	events         *concurrency.EventQueue[Event]
	rawIO          *atomic.Bool
	workers        *sync.WaitGroup
	quitOnce       *sync.Once

	lock       *sync.Mutex
	classifier *classifier.Classifier
	transport  session.Session
	debuggee   *session.LocalProcess
	launched   bool
	closed     bool
	quitting   bool
}

// New creates a connection. Events are delivered until ctx is cancelled or the connection is closed.
func New(ctx context.Context, table *signature.Table, executor process.Executor, log logr.Logger) *Connection {
	if table == nil {
		table = signature.Default()
	}
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	id := uuid.New().String()
	lifetimeCtx, lifetimeCancel := context.WithCancel(ctx)
	c := &Connection{
		id:             id,
		table:          table,
		executor:       executor,
		log:            log.WithName("connection").WithValues("ConnectionID", id),
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		events:         concurrency.NewEventQueue[Event](ctx),
		rawIO:          &atomic.Bool{},
		workers:        &sync.WaitGroup{},
		quitOnce:       &sync.Once{},
		lock:           &sync.Mutex{},
	}
	c.catcher = catcher.New(table, c.log)
	return c
}

// ID identifies the connection in logs. Relayed child connections get their own ID.
func (c *Connection) ID() string {
	return c.id
}

// Events returns the channel all connection events are delivered on, in the order they were raised.
// It is closed after Close.
func (c *Connection) Events() <-chan Event {
	return c.events.Events()
}

// SetRawIO turns publishing of raw REPL traffic (EventRawOutput, EventRawWrite) on or off.
func (c *Connection) SetRawIO(enabled bool) {
	c.rawIO.Store(enabled)
}

func (c *Connection) Title() string {
	c.lock.Lock()
	transport := c.transport
	c.lock.Unlock()

	if transport == nil {
		return ""
	}
	return transport.Title()
}

// ListeningPort returns the port the debugger should connect to when the transport is a listener.
func (c *Connection) ListeningPort() (int, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if rl, isListener := c.transport.(*session.RemoteListener); isListener {
		return rl.Port(), true
	}
	return 0, false
}

// DebuggeePid returns the process ID of the local debuggee started in "none" or "local" mode.
func (c *Connection) DebuggeePid() (int, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch {
	case c.debuggee != nil:
		return c.debuggee.Pid(), true
	default:
		if lp, isLocal := c.transport.(*session.LocalProcess); isLocal {
			return lp.Pid(), true
		}
		return 0, false
	}
}

// Launch starts or reaches the debugger as the configuration says and waits for its first prompt.
// The returned response holds the debugger banner.
func (c *Connection) Launch(ctx context.Context, cfg SessionConfig) (*classifier.ParsedResponse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch configuration: %w", err)
	}

	transport, debuggee, err := c.startTransport(cfg)
	if err != nil {
		return nil, err
	}
	return c.LaunchSession(ctx, transport, debuggee, cfg)
}

func (c *Connection) startTransport(cfg SessionConfig) (session.Session, *session.LocalProcess, error) {
	mode := cfg.EffectiveMode()
	c.log.V(1).Info("starting debugger transport", "Mode", mode)

	switch mode {
	case LaunchModeLocal:
		opts, err := localProcessOptions(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		lp, err := session.NewLocalProcess(c.lifetimeCtx, opts, c.executor, c.log)
		if err != nil {
			return nil, nil, err
		}
		return lp, nil, nil

	case LaunchModeNone:
		// Loopback only, so the port is not exposed outside of this machine.
		rl, err := session.NewRemoteListener(c.lifetimeCtx, session.RemoteListenerOptions{
			BindAddress: networking.Localhost,
			Sessions:    cfg.EffectiveSessions(),
		}, c.log)
		if err != nil {
			return nil, nil, err
		}

		env := map[string]string{
			"PERLDB_OPTS": "RemotePort=" + net.JoinHostPort(remotePortHost, strconv.Itoa(rl.Port())),
		}
		opts, err := localProcessOptions(cfg, env)
		if err != nil {
			return nil, nil, errors.Join(err, rl.Kill())
		}
		debuggee, err := session.NewLocalProcess(c.lifetimeCtx, opts, c.executor, c.log)
		if err != nil {
			return nil, nil, errors.Join(err, rl.Kill())
		}
		return rl, debuggee, nil

	case LaunchModeRemote:
		bindAddress := cfg.BindAddress
		if bindAddress == "" {
			bindAddress = networking.AllInterfaces
		}
		rl, err := session.NewRemoteListener(c.lifetimeCtx, session.RemoteListenerOptions{
			Port:        cfg.Port,
			BindAddress: bindAddress,
			Sessions:    cfg.EffectiveSessions(),
		}, c.log)
		if err != nil {
			return nil, nil, err
		}
		c.publish(Event{Kind: EventOutput, Text: fmt.Sprintf("Waiting for remote debugger to connect on port %d", rl.Port())})
		return rl, nil, nil

	case LaunchModeAttach:
		ac, err := session.NewAttachClient(c.lifetimeCtx, session.AttachClientOptions{
			Host:           cfg.AttachHost,
			Port:           cfg.AttachPort,
			ConnectTimeout: cfg.GetConnectionTimeout(),
		}, c.log)
		if err != nil {
			return nil, nil, err
		}
		return ac, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown launch mode %q", mode)
	}
}

func localProcessOptions(cfg SessionConfig, extraEnv map[string]string) (session.LocalProcessOptions, error) {
	env := map[string]string{}
	if len(cfg.EnvFiles) > 0 {
		fromFiles, err := godotenv.Read(cfg.EnvFiles...)
		if err != nil {
			return session.LocalProcessOptions{}, fmt.Errorf("failed to read environment files: %w", err)
		}
		env = fromFiles
	}
	maps.Copy(env, cfg.Env)
	maps.Copy(env, extraEnv)

	return session.LocalProcessOptions{
		Exec:     cfg.Exec,
		ExecArgs: cfg.ExecArgs,
		Program:  cfg.Program,
		Args:     cfg.Args,
		Root:     cfg.Root,
		Env:      env,
	}, nil
}

// LaunchSession runs the debugger over an already established transport and waits for its first prompt.
// The connection takes ownership of the transport and the (optional) debuggee process.
func (c *Connection) LaunchSession(
	ctx context.Context,
	transport session.Session,
	debuggee *session.LocalProcess,
	cfg SessionConfig,
) (*classifier.ParsedResponse, error) {
	c.lock.Lock()
	var launchErr error
	switch {
	case c.closed:
		launchErr = ErrConnectionClosed
	case c.launched:
		launchErr = ErrAlreadyLaunched
	}
	if launchErr != nil {
		c.lock.Unlock()
		killErr := transport.Kill()
		if debuggee != nil {
			killErr = errors.Join(killErr, debuggee.Kill())
		}
		return nil, errors.Join(launchErr, killErr)
	}
	c.launched = true
	c.transport = transport
	c.debuggee = debuggee
	c.classifier = classifier.New(c.table, cfg.Root, c.log)
	c.rawIO.Store(cfg.DebugRaw)
	c.lock.Unlock()

	c.log.Info("debugger session started", "Title", transport.Title())
	c.catcher.SetHooks(catcher.Hooks{
		OnData: func(data string) {
			if c.rawIO.Load() {
				c.publish(Event{Kind: EventRawOutput, Text: data})
			}
		},
		OnWrite: func(command string) {
			if c.rawIO.Load() {
				c.publish(Event{Kind: EventRawWrite, Text: command})
			}
		},
		OnWriteError: func(command string, err error) {
			c.log.V(1).Info("command could not be sent", "Command", command)
			c.publish(Event{Kind: EventError, Err: err})
		},
	})

	c.startWorker(func() { c.watchSession(transport.Events(), c.onTransportEvent) })
	c.startWorker(func() { c.pumpOutput(transport.Output()) })
	if debuggee != nil {
		c.startWorker(func() { c.watchSession(debuggee.Events(), c.onDebuggeeEvent) })
		c.startWorker(func() { c.pumpOutput(debuggee.Output()) })
		// The REPL talks over the socket, so this is the program's own error output.
		c.startWorker(func() { c.pumpOutput(debuggee.ErrorOutput()) })
	}

	batch, err := c.catcher.Launch(ctx, transport.Input(), transport.ErrorOutput())
	if err != nil {
		return nil, fmt.Errorf("failed waiting for the debugger prompt: %w", err)
	}
	res := c.parse(batch)

	if res.Finished {
		// Nothing to initialize; the program is already gone.
		return res, nil
	}
	for _, command := range cfg.GetInitCommands() {
		if _, err = c.Request(ctx, command); err != nil {
			return res, fmt.Errorf("failed to run initialization command %q: %w", command, err)
		}
	}

	return res, nil
}

// Request sends a command and waits for the debugger to finish responding to it.
// Commands are executed one at a time in the order they were requested.
// If ctx is done before the response arrives, the command still runs and its response is discarded.
func (c *Connection) Request(ctx context.Context, command string) (*classifier.ParsedResponse, error) {
	c.lock.Lock()
	closed, launched := c.closed, c.launched
	c.lock.Unlock()

	switch {
	case closed:
		return nil, ErrConnectionClosed
	case !launched:
		return nil, ErrNotLaunched
	}

	batch, err := c.catcher.Request(ctx, command)
	if errors.Is(err, catcher.ErrDestroyed) {
		return nil, ErrConnectionClosed
	} else if err != nil {
		return nil, err
	}
	return c.parse(batch), nil
}

// Close kills the transport, the relays it spawned and the debuggee process.
// Requests that are still outstanding are not guaranteed to complete.
func (c *Connection) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	transport, debuggee := c.transport, c.debuggee
	c.lock.Unlock()

	c.catcher.Destroy()

	var errs []error
	if transport != nil {
		errs = append(errs, transport.Kill())
	}
	if debuggee != nil {
		errs = append(errs, debuggee.Kill())
	}

	c.workers.Wait()
	c.events.Close()
	c.lifetimeCancel()

	c.log.V(1).Info("connection closed")
	return errors.Join(errs...)
}

func (c *Connection) parse(batch catcher.LineBatch) *classifier.ParsedResponse {
	c.lock.Lock()
	cls := c.classifier
	c.lock.Unlock()

	res := cls.Parse(batch)

	for _, signal := range res.Signals() {
		c.publish(Event{Kind: eventKindOf(signal), Response: res})
	}
	if res.ShouldQuit() {
		c.quitOnce.Do(func() {
			c.lock.Lock()
			c.quitting = true
			c.lock.Unlock()
			go c.quit()
		})
	}

	return res
}

// The program has finished; ask the debugger to quit, then let go of the transport.
func (c *Connection) quit() {
	ctx, cancel := context.WithTimeout(c.lifetimeCtx, osutil.EnvVarDurationValWithDefault(PERLDBG_QUIT_TIMEOUT, defaultQuitTimeout))
	defer cancel()

	c.log.V(1).Info("program finished, quitting the debugger")
	if _, err := c.catcher.Request(ctx, quitCommand); err != nil && !errors.Is(err, catcher.ErrDestroyed) {
		c.log.V(1).Info("the debugger did not acknowledge the quit command", "Error", err.Error())
	}
	c.killTransport()
}

func (c *Connection) killTransport() {
	c.lock.Lock()
	transport := c.transport
	c.lock.Unlock()

	if transport == nil {
		return
	}
	if err := transport.Kill(); err != nil {
		c.log.Error(err, "could not stop the debugger transport")
	}
}

func (c *Connection) isQuitting() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.quitting
}

func (c *Connection) publish(ev Event) {
	if ev.Title == "" {
		ev.Title = c.Title()
	}
	c.events.Publish(ev)
}

func (c *Connection) startWorker(work func()) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		work()
	}()
}

func (c *Connection) watchSession(events <-chan session.SessionEvent, handle func(session.SessionEvent)) {
	for ev := range events {
		handle(ev)
	}
}

func (c *Connection) onTransportEvent(ev session.SessionEvent) {
	c.log.V(1).Info("transport event", "Event", ev.String())

	switch ev.Kind {
	case session.SessionEventPrimaryClosed, session.SessionEventExited:
		c.publish(Event{Kind: EventClosed, ExitCode: ev.ExitCode})
		if c.isQuitting() {
			c.killTransport()
		}
	case session.SessionEventRelayListening:
		c.publish(Event{Kind: EventRelayListening, Relay: ev.Relay})
	case session.SessionEventError:
		c.publish(Event{Kind: EventError, Err: ev.Err})
	}
}

func (c *Connection) onDebuggeeEvent(ev session.SessionEvent) {
	c.log.V(1).Info("debuggee event", "Event", ev.String())

	switch ev.Kind {
	case session.SessionEventExited:
		c.publish(Event{Kind: EventOutput, Text: fmt.Sprintf("Debuggee exited with code %d", ev.ExitCode)})
	case session.SessionEventError:
		c.publish(Event{Kind: EventError, Err: ev.Err})
	}
}

// Publishes every line read from r as output, until r is exhausted.
func (c *Connection) pumpOutput(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			c.publish(Event{Kind: EventOutput, Text: line})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !networking.IsExpectedConnCloseErr(err) {
				c.log.Error(err, "reading program output failed")
			}
			return
		}
	}
}
