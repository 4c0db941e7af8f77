package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/perldbg/internal/connection"
	"github.com/microsoft/perldbg/internal/dap"
	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/process"
)

// Console commands handled locally instead of being sent to the debugger.
const (
	consoleRawOn  = ".raw on"
	consoleRawOff = ".raw off"
	consolePid    = ".pid"
	consoleStack  = ".stack"
	consolePerl   = ".perl"
)

type consoleFlagValues struct {
	configPath     string
	mode           string
	exec           string
	execArgs       []string
	root           string
	env            map[string]string
	envFiles       []string
	port           int
	bindAddress    string
	sessions       string
	initCommands   []string
	attachHost     string
	attachPort     int
	connectTimeout int
	raw            bool
	dapOutput      bool
	dapListen      string
}

func NewConsoleCommand(log logr.Logger) *cobra.Command {
	consoleCmd, _ := newConsoleCommand(log)
	return consoleCmd
}

func newConsoleCommand(log logr.Logger) (*cobra.Command, *consoleFlagValues) {
	flags := &consoleFlagValues{}

	consoleCmd := &cobra.Command{
		Use:   "console [program] [args...]",
		Short: "Runs an interactive debugger session",
		Long: `Runs an interactive debugger session.

Each line read from standard input is sent to the debugger as a command, and the parsed response is written to standard output as YAML.
Lines starting with a dot are handled by perldbg itself:

  .raw on|off   show or hide raw debugger traffic
  .pid          print the process ID of the debugged program
  .perl         print the Perl version
  .stack        print the call stack`,
		RunE: runConsole(flags, log),
		Args: cobra.ArbitraryArgs,
	}

	fs := consoleCmd.Flags()
	fs.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML launch configuration. Flags override values from the file.")
	fs.StringVar(&flags.mode, "mode", "", "How to reach the debugger: local, none, remote or attach (default none)")
	fs.StringVar(&flags.exec, "exec", "", "The Perl interpreter to run (default perl)")
	fs.StringSliceVar(&flags.execArgs, "exec-arg", nil, "Extra interpreter argument. Can be repeated.")
	fs.StringVar(&flags.root, "root", "", "Working directory of the program; relative file names are resolved against it")
	fs.StringToStringVar(&flags.env, "env", nil, "Environment variable for the program, as NAME=VALUE. Can be repeated.")
	fs.StringArrayVar(&flags.envFiles, "env-file", nil, "Dotenv file with environment variables for the program. Can be repeated.")
	fs.IntVarP(&flags.port, "port", "p", 0, "Port to wait for a remote debugger on (remote mode)")
	fs.StringVar(&flags.bindAddress, "bind", "", "Address to wait for a remote debugger on (remote mode, default all interfaces)")
	fs.StringVar(&flags.sessions, "sessions", "", "single, watch or break. Anything but single offers forked children through relays.")
	fs.StringArrayVar(&flags.initCommands, "init", nil, "Command to run after the debugger starts, instead of the defaults. Can be repeated.")
	fs.StringVar(&flags.attachHost, "attach-host", "", "Host of the relay to attach to (attach mode)")
	fs.IntVar(&flags.attachPort, "attach-port", 0, "Port of the relay to attach to (attach mode)")
	fs.IntVar(&flags.connectTimeout, "connect-timeout", 0, "Seconds to keep trying to attach (attach mode)")
	fs.BoolVar(&flags.raw, "raw", false, "Show raw debugger traffic")
	fs.BoolVar(&flags.dapOutput, "dap", false, "Write events as Debug Adapter Protocol messages instead of text")
	fs.StringVar(&flags.dapListen, "dap-listen", "", "Serve events as Debug Adapter Protocol messages to one client connecting to this host:port. A disconnect request from the client ends the session.")
	consoleCmd.MarkFlagsMutuallyExclusive("dap", "dap-listen")
	AddMonitorFlags(consoleCmd)

	return consoleCmd, flags
}

func (f *consoleFlagValues) sessionConfig(cmd *cobra.Command, args []string) (*connection.SessionConfig, error) {
	cfg := &connection.SessionConfig{}
	if f.configPath != "" {
		loaded, err := connection.LoadSessionConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if len(args) > 0 {
		cfg.Program = args[0]
		cfg.Args = args[1:]
	}
	if changed("mode") {
		cfg.Mode = connection.LaunchMode(f.mode)
	}
	if changed("exec") {
		cfg.Exec = f.exec
	}
	if changed("exec-arg") {
		cfg.ExecArgs = f.execArgs
	}
	if changed("root") {
		cfg.Root = f.root
	}
	if changed("env") {
		if cfg.Env == nil {
			cfg.Env = map[string]string{}
		}
		for name, value := range f.env {
			cfg.Env[name] = value
		}
	}
	if changed("env-file") {
		cfg.EnvFiles = append(cfg.EnvFiles, f.envFiles...)
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("bind") {
		cfg.BindAddress = f.bindAddress
	}
	if changed("sessions") {
		cfg.Sessions = f.sessions
	}
	if changed("init") {
		cfg.InitCommands = f.initCommands
	}
	if changed("attach-host") {
		cfg.AttachHost = f.attachHost
	}
	if changed("attach-port") {
		cfg.AttachPort = f.attachPort
	}
	if changed("connect-timeout") {
		cfg.ConnectTimeoutSeconds = f.connectTimeout
	}
	if changed("raw") {
		cfg.DebugRaw = f.raw
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch configuration: %w", err)
	}
	return cfg, nil
}

func runConsole(flags *consoleFlagValues, log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("console")

		cfg, err := flags.sessionConfig(cmd, args)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(Monitor(cmd.Context(), log))
		defer cancel()

		conn := connection.New(ctx, nil, process.NewOSExecutor(log), log)
		defer func() {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error(closeErr, "could not shut down the debugger cleanly")
			}
		}()

		out := cmd.OutOrStdout()
		eventsDone := make(chan error, 1)
		switch {
		case flags.dapOutput:
			transport := dap.NewWriteOnlyTransport(out)
			go func() { eventsDone <- dap.Forward(ctx, conn.Events(), transport, log) }()
		case flags.dapListen != "":
			listener, listenErr := listenForDapClient(flags.dapListen)
			if listenErr != nil {
				return listenErr
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for a DAP client on %s\n", networking.EndpointOf(listener.Addr()))
			go func() {
				serveErr := dap.Serve(ctx, listener, conn.Events(), log)
				if errors.Is(serveErr, dap.ErrClientDisconnected) {
					serveErr = nil
				}
				eventsDone <- serveErr
			}()
		default:
			go func() { eventsDone <- printEvents(ctx, conn.Events(), out, cmd.ErrOrStderr()) }()
		}

		c := &console{conn: conn, out: out, quiet: flags.dapOutput}

		banner, err := conn.Launch(ctx, *cfg)
		if err != nil {
			return err
		}
		if err = c.print(banner); err != nil {
			return err
		}

		lines := readLines(ctx, cmd.InOrStdin())
		for {
			select {
			case <-ctx.Done():
				return nil
			case eventsErr := <-eventsDone:
				// The event stream only ends when the connection goes away.
				return eventsErr
			case line, isOpen := <-lines:
				if !isOpen {
					return nil
				}
				if err = c.execute(ctx, line); err != nil {
					if errors.Is(err, connection.ErrConnectionClosed) {
						return nil
					}
					return err
				}
			}
		}
	}
}

func listenForDapClient(hostPort string) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid DAP listen address '%s': %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid DAP listen port '%s'", portStr)
	}
	return networking.ListenTCP(host, port)
}

type console struct {
	conn  *connection.Connection
	out   io.Writer
	quiet bool
}

func (c *console) execute(ctx context.Context, line string) error {
	switch strings.TrimSpace(line) {
	case consoleRawOn:
		c.conn.SetRawIO(true)
		return nil
	case consoleRawOff:
		c.conn.SetRawIO(false)
		return nil
	case consolePid:
		pid, err := c.conn.GetPid(ctx)
		if err != nil {
			return err
		}
		return c.print(map[string]int{"pid": pid})
	case consolePerl:
		v, err := c.conn.GetPerlVersion(ctx)
		if err != nil {
			return err
		}
		return c.print(v)
	case consoleStack:
		frames, err := c.conn.GetStackTrace(ctx)
		if err != nil {
			return err
		}
		return c.print(frames)
	}

	res, err := c.conn.Request(ctx, line)
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c *console) print(v any) error {
	if c.quiet {
		return nil
	}
	encoder := yaml.NewEncoder(c.out)
	defer encoder.Close()
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to write the response: %w", err)
	}
	_, err := fmt.Fprintln(c.out, "---")
	return err
}

func printEvents(ctx context.Context, events <-chan connection.Event, out io.Writer, errOut io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, isOpen := <-events:
			if !isOpen {
				return nil
			}
			switch ev.Kind {
			case connection.EventOutput:
				fmt.Fprintln(out, ev.Text)
			case connection.EventRawOutput:
				fmt.Fprint(errOut, ev.Text)
			default:
				fmt.Fprintf(errOut, "[%s] %s\n", ev.Title, ev.String())
			}
		}
	}
}

// Delivers lines read from r until r is exhausted. The reading goroutine may outlive ctx,
// since reads from standard input cannot be interrupted.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
