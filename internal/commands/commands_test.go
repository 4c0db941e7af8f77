package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/perldbg/internal/connection"
	"github.com/microsoft/perldbg/internal/relay"
	"github.com/microsoft/perldbg/internal/session"
	"github.com/microsoft/perldbg/pkg/logger"
	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/testutil"
)

const defaultCommandTestTimeout = 20 * time.Second

// syncBuffer is a bytes.Buffer safe for a writer and a reader in different goroutines.
type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root, err := NewRootCommand(logger.New(t.Name()))
	require.NoError(t, err)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())

	var v struct {
		Version   string `json:"version"`
		GoVersion string `json:"goVersion"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	require.NotEmpty(t, v.Version)
	require.NotEmpty(t, v.GoVersion)
}

func TestVersionCommandFormats(t *testing.T) {
	t.Parallel()

	cmd, err := NewVersionCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--output", "yaml"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "goVersion: ")

	out.Reset()
	cmd.SetArgs([]string{"-o", "text"})
	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "perldbg "), out.String())

	cmd.SetArgs([]string{"-o", "xml"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	require.ErrorContains(t, cmd.Execute(), "unsupported output format")
}

func TestConsoleFlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "launch.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`mode: remote
port: 5000
sessions: watch
env:
  FROM_FILE: "1"
`), 0o600))

	cmd, flags := newConsoleCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", configPath,
		"--port", "6000",
		"--env", "FROM_FLAG=2",
		"--init", "o warnLevel=0",
		"--init", "b 10",
	}))

	cfg, err := flags.sessionConfig(cmd, []string{"app.pl", "--verbose"})
	require.NoError(t, err)
	require.Equal(t, connection.LaunchModeRemote, cfg.Mode)
	require.Equal(t, 6000, cfg.Port)
	require.Equal(t, session.SessionsWatch, cfg.Sessions)
	require.Equal(t, map[string]string{"FROM_FILE": "1", "FROM_FLAG": "2"}, cfg.Env)
	require.Equal(t, []string{"o warnLevel=0", "b 10"}, cfg.InitCommands)
	require.Equal(t, "app.pl", cfg.Program)
	require.Equal(t, []string{"--verbose"}, cfg.Args)
}

func TestConsoleRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	root, err := NewRootCommand(logger.New(t.Name()))
	require.NoError(t, err)
	root.SetArgs([]string{"console", "--mode", "attach"})
	root.SetOut(&bytes.Buffer{})

	err = root.Execute()
	require.ErrorContains(t, err, "attachPort is required")
}

func TestServeRelays(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultCommandTestTimeout)
	defer cancel()

	listener, err := networking.ListenTCP(networking.Localhost, 0)
	require.NoError(t, err)

	out := &syncBuffer{}
	served := make(chan error, 1)
	go func() {
		served <- serveRelays(ctx, listener, networking.Localhost, 1, out, testutil.NewLogForTesting(t.Name()))
	}()

	// The "debugger" connects first and prints its prompt.
	debugger := testutil.DialLoopback(t, networking.EndpointOf(listener.Addr()).Port)
	_, err = debugger.Write([]byte("  DB<1> "))
	require.NoError(t, err)

	var relayPort int
	require.Eventually(t, func() bool {
		line := out.String()
		_, attachAt, found := strings.Cut(line, "can be attached to at ")
		if !found {
			return false
		}
		_, portStr, splitErr := net.SplitHostPort(strings.TrimSpace(attachAt))
		if splitErr != nil {
			return false
		}
		port, portErr := strconv.Atoi(portStr)
		relayPort = port
		return portErr == nil
	}, defaultCommandTestTimeout, 20*time.Millisecond)

	client := testutil.DialLoopback(t, relayPort)
	testutil.ReadExactly(t, client, "  DB<1> ", defaultCommandTestTimeout)

	_, err = client.Write([]byte("p 1\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(debugger)
	require.Equal(t, "p 1\n", testutil.ReadLine(t, debugger, reader, defaultCommandTestTimeout))

	// A second client is turned away while the first one is attached.
	other := testutil.DialLoopback(t, relayPort)
	testutil.ReadExactly(t, other, relay.AlreadyConnectedMessage, defaultCommandTestTimeout)

	// Closing the debugger ends the relay, and with a single debugger allowed, serving ends too.
	require.NoError(t, debugger.Close())
	select {
	case err = <-served:
		require.NoError(t, err)
	case <-ctx.Done():
		require.Fail(t, "relay serving did not finish after the debugger disconnected")
	}
}

func TestMonitorPid(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Monitoring this very process keeps the context alive until the parent is cancelled.
	monitorCtx, err := MonitorPid(ctx, os.Getpid(), 50*time.Millisecond, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)

	select {
	case <-monitorCtx.Done():
		require.Fail(t, "monitor context ended while the monitored process is alive")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-monitorCtx.Done():
	case <-time.After(defaultCommandTestTimeout):
		require.Fail(t, "monitor context was not cancelled together with its parent")
	}

	_, err = MonitorPid(context.Background(), -1, 0, testutil.NewLogForTesting(t.Name()))
	require.Error(t, err)
}

func TestListenForDapClient(t *testing.T) {
	t.Parallel()

	listener, err := listenForDapClient("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	require.NotZero(t, networking.EndpointOf(listener.Addr()).Port)

	_, err = listenForDapClient("127.0.0.1")
	require.ErrorContains(t, err, "invalid DAP listen address")

	_, err = listenForDapClient("127.0.0.1:http")
	require.ErrorContains(t, err, "invalid DAP listen port")
}

func TestConsoleDapFlagsAreExclusive(t *testing.T) {
	t.Parallel()

	cmd, _ := newConsoleCommand(testutil.NewLogForTesting(t.Name()))
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{"--dap", "--dap-listen", "127.0.0.1:0", "app.pl"})
	require.ErrorContains(t, cmd.Execute(), "dap")
}
